// Package runtimeabi documents the thread-local segment layout the
// emitted shadow-stack code depends on. The runtime shared library
// that allocates this region and installs the pthread_create
// interposer is out of scope here (§1: "the runtime shared library
// that allocates the per-thread shadow-stack region and wraps thread
// creation" is an external collaborator) - it is a C shared object,
// not a Go-expressible artifact. This package exists so pkg/emit has
// one place to import these offsets from instead of repeating magic
// numbers at every call site.
package runtimeabi

// Segment offsets relative to the `gs` selector, consumed by every
// code sequence pkg/emit synthesizes (§6.3).
const (
	// ShadowStackTop points to the next free slot of the monotonically
	// growing shadow stack. Initialized by the runtime to base+24.
	ShadowStackTop int32 = 0

	// ScratchSlot is the one-slot scratch the single-register
	// short-circuit backend (§4.8.3) uses to round-trip RA through
	// memory instead of needing a second spill.
	ScratchSlot int32 = 8

	// LocalStackTop/LocalStackBottom/GlobalStackLowerBound are the
	// three SFI bounds the memory-write sanitizer (§4.8.4) compares an
	// effective address against.
	LocalStackTop        int32 = 16
	LocalStackBottom     int32 = 24
	GlobalStackLowerBound int32 = 32

	// RegisterFileDepth holds the current lane index for the
	// register-file-backed backend (§4.8.2): how many of the
	// function's assigned zmm lanes are currently occupied.
	RegisterFileDepth int32 = 40
)

// ShadowSlotSize is the width of one shadow-stack record in the
// non-frame-check variant: a single 8-byte return address.
const ShadowSlotSize = 8

// FrameCheckSlotSize is the width of one record when validate_frame is
// enabled: the return address plus the caller's frame pointer.
const FrameCheckSlotSize = 16

// InitialLayout documents the fixed region below gs:0 the runtime
// carves out on stack creation (§6.3): "[SP | scratch0 | guard0 |
// guard0 | RA1 | ...]". The two guard zero slots let the validator's
// underflow rule ("slot == 0 => error") fire before ever reading
// memory that belongs to a different thread's region.
const InitialLayout = "SP | scratch0 | guard0 | guard0 | RA1 | ..."

// GuardZero is the sentinel value the two guard slots below the
// shadow stack's base are initialized to; the pop/validate loop in
// pkg/emit treats a slot equal to this as the underflow condition.
const GuardZero uint64 = 0

// IllegalInstruction is the single byte every emitted `error:` label
// consists of (§6.4). 0x62 is BOUND in 32-bit mode; in 64-bit mode it
// is the EVEX prefix byte (pkg/emit's evexRR emits it as one), so it
// raises #UD on CPUs without AVX-512, and on AVX-512 CPUs whenever the
// bytes after it do not form a valid EVEX instruction. It is chosen
// deliberately over int3 (0xCC) so a crash
// surfaces as SIGILL instead of SIGTRAP: a debugger attached to the
// process sees a distinct signal from an intentional breakpoint.
const IllegalInstruction byte = 0x62

// OverflowPushHelper/OverflowPopHelper are the two externally-linked
// runtime symbols the AVX backend's dispatch table falls through to
// once every lane is in use (§6.3).
const (
	OverflowPushHelper = "litecfi_overflow_stack_push"
	OverflowPopHelper  = "litecfi_overflow_stack_pop"
)

// Depth-profiling helpers (§6, supplemented from
// original_source/src/depth.cc): call-count bookkeeping the emitter
// links against instead of synthesizing inline, since the statistics
// they accumulate (max depth, overflow count, a snapshot at one fixed
// depth) live for the process's lifetime, not one instrumented call.
const (
	DepthIncHelper   = "_litecfi_inc_depth"
	DepthDecHelper   = "_litecfi_sub_depth"
	DepthStatsHelper = "_litecfi_print_stats"
)
