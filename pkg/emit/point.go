package emit

import (
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
)

// PointKind classifies where a synthesized sequence is spliced (§4.8:
// "Point designates either a function entry, a function exit, a
// call-block entry, a call-block exit, or a memory-write
// instruction").
type PointKind int

const (
	FunctionEntry PointKind = iota
	FunctionExit
	CallBlockEntry
	CallBlockExit
	MemoryWrite
)

// Point designates exactly where a sequence is spliced: an
// instruction address within a block, tagged with why that address
// was chosen.
type Point struct {
	Kind  PointKind
	Func  *cfgfacade.Function
	Block *cfgfacade.Block
	Addr  uint64
}

// Backend selects which of §4.8's three shadow-stack shapes to
// synthesize.
type Backend int

const (
	BackendMem Backend = iota
	BackendAVX2
	BackendAVX512
)

// Protection selects the memory-write sanitizer variant for the mem
// backend (§6.1 shadow_stack_protection).
type Protection int

const (
	ProtectionNone Protection = iota
	ProtectionSanitize
	ProtectionMPX
)

// DryRun elides part of the validation core for cost measurement
// (§6.1 dry_run).
type DryRun int

const (
	DryRunOff DryRun = iota
	DryRunEmpty
	DryRunOnlySave
)

// Options mirrors the CLI flags of §6.1 that the emitter consults.
type Options struct {
	Backend       Backend
	Protection    Protection
	ValidateFrame bool
	OptimizeRegs  bool
	DryRun        DryRun
	StackSize     int
	CaptureAt     int
}
