package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// abslocKind mirrors the source analyzer's AbsRegion classification
// (stack_writes.cc) for a single memory-write operand: does it land in
// this function's own frame, a statically-addressed global, or
// somewhere the analyzer can't pin down.
type abslocKind int

const (
	abslocUnknown abslocKind = iota
	abslocStack
	abslocHeap
)

// classifyWrite resolves a write operand's AbsRegion the way §4.4
// describes: an [RSP+disp] reference with no index register is a
// frame-relative stack write (read from the MemOperand's Base, Index
// and Disp fields directly, not through FoldExpr); a bare displacement
// with neither base nor index is a statically-addressed global
// (ignored, per spec: "Heap (static address): ignored"); anything else
// - RBP-relative, or indexed, or computed through another register -
// can't be resolved by this facade's simplified addressing model and
// is conservatively Unknown.
func classifyWrite(mw cfgfacade.MemOperand, height int64) (kind abslocKind, off int64) {
	if disp, ok := mw.IsRSPRelative(); ok {
		return abslocStack, height + disp
	}
	if mw.Base == cfgfacade.RegNone && mw.Index == cfgfacade.RegNone {
		return abslocHeap, 0
	}
	return abslocUnknown, 0
}

// IntraMemoryAnalysis is pass 3: for every memory-writing instruction
// in every Block (excluding call/return, which switch frames rather
// than write into this one), classify the write and update
// self_writes/unsafe_blocks accordingly (§4.4). Also records each
// block's entry/end stack height on the summary (§3
// blockEntrySPHeight/blockEndSPHeight), since the lowering and
// emission stages need the same heights later and recomputing them
// per-pass would violate the "ordering is the contract" no-recompute
// assumption.
func IntraMemoryAnalysis(facade *cfgfacade.Facade) passmgr.Pass {
	return passmgr.Pass{
		Name:           "intra-procedural-memory-analysis",
		IsSafeFunction: IsSafeUnderIntraMemoryAnalysis,
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			heights := facade.StackHeightsOf(fn)
			if heights.Unknown {
				s.AssumeUnsafe = true
				s.RecomputeWrites()
				return nil
			}

			for _, b := range fn.Blocks {
				entry, ok := heights.Entry[b.Start]
				if !ok {
					continue
				}
				s.BlockEntrySPHeight[b] = entry
				if end, ok := heights.End[b.Start]; ok {
					s.BlockEndSPHeight[b] = end
				}

				for _, in := range b.Instructions {
					if in.Category == cfgfacade.CategoryCall || in.Category == cfgfacade.CategoryReturn {
						continue
					}
					height := facade.FindSP(fn, b, in.Addr)
					for _, mw := range in.MemWrites {
						kind, off := classifyWrite(mw, height)
						switch kind {
						case abslocStack:
							s.RecordStackWrite(off, summary.WriteSite{Addr: in.Addr, Offset: off})
							if summary.UnsafeOffset(off) {
								s.SelfWrites = true
								s.MarkUnsafeBlock(b)
							}
						case abslocUnknown:
							s.SelfWrites = true
							s.MarkUnsafeBlock(b)
							s.AllWrites[in.Addr] = summary.WriteSite{Addr: in.Addr}
						case abslocHeap:
							// Global variable store; not a frame hazard.
						}
					}
					if len(in.MemWrites) == 0 && in.WritesMemory() {
						s.AllWrites[in.Addr] = summary.WriteSite{Addr: in.Addr}
					}
				}
			}

			s.RecomputeWrites()
			return nil
		},
	}
}

// A Function is safe under this pass alone iff it neither writes into
// its own frame unsafely, nor is marked assume_unsafe, nor calls
// anything (§4.4's narrower, intra-only safety predicate; the pass
// manager's default predicate requires !AssumeUnsafe and !Writes
// instead, which subsumes the write check once inter-procedural
// analysis has run).
func IsSafeUnderIntraMemoryAnalysis(s *summary.FuncSummary) bool {
	return !s.SelfWrites && !s.AssumeUnsafe && len(s.Callees) == 0
}
