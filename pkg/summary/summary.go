// Package summary holds the central per-function analysis record
// (FuncSummary) every pass reads and mutates, plus the per-function
// SCComponent arena the CFG lowering stage builds on top of it.
package summary

import (
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
)

// WriteSite records where a stack write was observed, for diagnostics
// and for the round-trip/idempotence property (§8 invariant 6): a
// second pipeline run over an already-patched binary must recompute
// the same sites.
type WriteSite struct {
	Addr   uint64
	Offset int64 // frame-relative offset, RA at 0, caller frame positive
}

// Stats mirrors spec §4.5's per-function lowering statistics.
type Stats struct {
	OriginalNodes int
	LoweredNodes  int
	SafePaths     int
	UnsafePaths   int
	SafeRatio     float64
	Increase      float64
}

// FuncSummary is the single mutable record every analysis pass reads
// and writes for one Function. It is never replaced during a pipeline
// run, only mutated in place, and it is never destroyed: later passes
// depend on earlier passes' fields still being present (§4.3: "there
// is no cross-pass isolation - ordering is the contract").
type FuncSummary struct {
	Func *cfgfacade.Function

	// Classification flags (§3).
	AssumeUnsafe      bool
	SelfWrites        bool
	ChildWrites       bool
	Writes            bool
	HasUnknownCF      bool
	HasIndirectCF     bool
	HasPLTCall        bool
	FuncExceptionSafe bool

	// Call-graph edges, by callee/caller Function.
	Callees map[*cfgfacade.Function]bool
	Callers map[*cfgfacade.Function]bool

	// Stack writes: frame offset -> site (first one seen), and every
	// write site regardless of classification.
	StackWrites map[int64]WriteSite
	AllWrites   map[uint64]WriteSite
	UnsafeBlocks map[*cfgfacade.Block]bool

	// UnsafeCallBlocks is populated by the optional, supplemented
	// UnsafeCallBlockAnalysis pass (recovered from
	// original_source/src/passes.h, not one of the canonical 12): the
	// subset of blocks whose trailing call targets a callee this run
	// could not prove safe. It never feeds Safe/Writes - it exists for
	// callers who want finer-grained "which call sites still need a
	// push" diagnostics than the lowered DAG's per-component view.
	UnsafeCallBlocks map[*cfgfacade.Block]bool

	BlockEntrySPHeight map[*cfgfacade.Block]int64
	BlockEndSPHeight   map[*cfgfacade.Block]int64

	RedZoneAccess map[int64]bool
	MoveDownSP    bool

	UnusedRegs  map[cfgfacade.Reg]bool
	DeadAtEntry map[cfgfacade.Reg]bool
	// DeadAtExit is keyed by each exit block's end address, one past
	// its last instruction (§3: "per exit-block-end address").
	DeadAtExit map[uint64]map[cfgfacade.Reg]bool
	// BlockLocalDead[addr] is the set of registers dead immediately
	// after the instruction at addr.
	BlockLocalDead map[uint64]map[cfgfacade.Reg]bool

	EntryData      map[uint64]*MoveInstData
	EntryFixedData map[uint64]*MoveInstData
	ExitData       map[uint64]*MoveInstData

	CFG *SCArena

	Stats Stats

	Safe      bool
	SafePaths int

	RegisterUsage RegisterUsageInfo
}

// NewFuncSummary allocates a summary with every map initialized, so
// passes never have to nil-check before writing into one.
func NewFuncSummary(fn *cfgfacade.Function) *FuncSummary {
	return &FuncSummary{
		Func:               fn,
		Callees:            map[*cfgfacade.Function]bool{},
		Callers:            map[*cfgfacade.Function]bool{},
		StackWrites:        map[int64]WriteSite{},
		AllWrites:          map[uint64]WriteSite{},
		UnsafeBlocks:       map[*cfgfacade.Block]bool{},
		UnsafeCallBlocks:   map[*cfgfacade.Block]bool{},
		BlockEntrySPHeight: map[*cfgfacade.Block]int64{},
		BlockEndSPHeight:   map[*cfgfacade.Block]int64{},
		RedZoneAccess:      map[int64]bool{},
		UnusedRegs:         map[cfgfacade.Reg]bool{},
		DeadAtEntry:        map[cfgfacade.Reg]bool{},
		DeadAtExit:         map[uint64]map[cfgfacade.Reg]bool{},
		BlockLocalDead:     map[uint64]map[cfgfacade.Reg]bool{},
		EntryData:          map[uint64]*MoveInstData{},
		EntryFixedData:     map[uint64]*MoveInstData{},
		ExitData:           map[uint64]*MoveInstData{},
	}
}

// MarkUnsafeBlock adds b to the unsafe set. unsafe_blocks is monotone
// across the whole pipeline run (§3 invariant): nothing ever removes
// from it, so this is the only mutator it needs.
func (s *FuncSummary) MarkUnsafeBlock(b *cfgfacade.Block) {
	if s.UnsafeBlocks == nil {
		s.UnsafeBlocks = map[*cfgfacade.Block]bool{}
	}
	s.UnsafeBlocks[b] = true
}

// RecordStackWrite records a stack write at off, keeping the first
// site seen for that offset (the original's `stack_writes` map
// insertion order, via `emplace`-like first-write-wins semantics).
func (s *FuncSummary) RecordStackWrite(off int64, site WriteSite) {
	if _, exists := s.StackWrites[off]; !exists {
		s.StackWrites[off] = site
	}
}

// UnsafeOffset is the invariant from §3: "stack_writes[off] with
// off >= -8 is always unsafe" (RA at offset 0, caller frame at
// positive offsets; -8 is the last slot of this function's own frame,
// folded in because that's where entry/exit scratch saves live).
func UnsafeOffset(off int64) bool { return off >= -8 }

// Store is the map every pass reads and writes, keyed by Function
// identity (not name, so PLT/non-PLT name collisions can't alias).
type Store map[*cfgfacade.Function]*FuncSummary

// GetOrCreate returns fn's summary, allocating one on first access -
// mirrors the original PassManager's `summaries[f]` lazy-insert.
func (st Store) GetOrCreate(fn *cfgfacade.Function) *FuncSummary {
	if s, ok := st[fn]; ok {
		return s
	}
	s := NewFuncSummary(fn)
	st[fn] = s
	return s
}

// CheckWritesInvariant validates §8 invariant 1 for one summary:
// writes <=> self_writes or child_writes or assume_unsafe.
func (s *FuncSummary) CheckWritesInvariant() bool {
	return s.Writes == (s.SelfWrites || s.ChildWrites || s.AssumeUnsafe)
}

// RecomputeWrites re-establishes the §3 invariant after any pass
// mutates SelfWrites/ChildWrites/AssumeUnsafe. Passes that touch any
// of those three fields must call this before returning.
func (s *FuncSummary) RecomputeWrites() {
	s.Writes = s.SelfWrites || s.ChildWrites || s.AssumeUnsafe
}
