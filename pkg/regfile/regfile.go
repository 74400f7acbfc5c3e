// Package regfile assigns AVX/AVX-512 register-file lanes to carry
// the shadow-call-stack pointer for the register-file-backed emit
// backend (§4.8.2), and sizes the jump-table dispatch stub used to
// select which lane a given instrumented call site reads. Grounded on
// register_usage.cc's PopulateUnusedAvxMask/PopulateUnusedMmxMask,
// folded here into a single scan of each instruction's mnemonic text
// instead of three near-duplicate mask builders.
package regfile

import "github.com/go-litecfi/litecfi/pkg/cfgfacade"

// LaneCount is the number of ZMM lanes (zmm16-zmm31, the AVX-512
// extended range unavailable to AVX/AVX2-only code and therefore safe
// to requisition wholesale for shadow-stack bookkeeping) the
// register-file backend can assign a function.
const LaneCount = 16

// Assignment is one function's lane allocation: which of the
// LaneCount lanes are free for the shadow-stack pointer, disjoint
// from any lane the function's own AVX code actually touches.
type Assignment struct {
	FreeLanes []int
	Dispatch  DispatchTable
}

// usesExtendedAVX reports whether an instruction's mnemonic touches
// the zmm16-31 range at all. The decoder normalizes GPRs but not
// vector registers, so this inspects the raw mnemonic text - adequate
// here because the only question is "did the compiler ever emit an
// AVX-512 instruction in this function", not which lane.
func usesExtendedAVX(mnemonic string) bool {
	for i := 16; i < 32; i++ {
		if containsZmm(mnemonic, i) {
			return true
		}
	}
	return false
}

func containsZmm(mnemonic string, lane int) bool {
	name := zmmName(lane)
	for i := 0; i+len(name) <= len(mnemonic); i++ {
		if mnemonic[i:i+len(name)] == name {
			return true
		}
	}
	return false
}

func zmmName(lane int) string {
	digits := [3]byte{}
	n := lane
	i := len(digits)
	for {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
		if n == 0 || i == 0 {
			break
		}
	}
	return "ZMM" + string(digits[i:])
}

// Assign computes the free-lane set for fn: every lane unless the
// function itself was observed using AVX-512, in which case the
// function falls back to the single-register or segment-addressed
// backend instead (handled by the caller; Assign just reports an
// empty FreeLanes set when that happens).
func Assign(fn *cfgfacade.Function) Assignment {
	touchesExtended := false
	for _, b := range fn.Blocks {
		for _, in := range b.Instructions {
			if usesExtendedAVX(in.Mnemonic) {
				touchesExtended = true
				break
			}
		}
		if touchesExtended {
			break
		}
	}

	if touchesExtended {
		return Assignment{}
	}

	lanes := make([]int, LaneCount)
	for i := range lanes {
		lanes[i] = 16 + i
	}
	return Assignment{FreeLanes: lanes, Dispatch: NewDispatchTable(lanes)}
}

// DispatchSlotBytes is the fixed, NOP-padded size of one dispatch-
// table entry: a single `jmp rel32` plus NOP padding to a cache-line-
// friendly stride, so every entry can be indexed by
// `base + slot*DispatchSlotBytes` without decoding anything.
const DispatchSlotBytes = 16

// DispatchTable assigns one fixed-size, NOP-padded jump slot per lane
// for the register-file backend's indirect dispatch (§4.8.2): at
// each instrumented call site the emitted code jumps through
// `table[lane]` rather than branching on lane index directly.
type DispatchTable struct {
	SlotBytes int
	Lanes     []int
}

// NewDispatchTable builds a table with one slot per lane, in lane
// order.
func NewDispatchTable(lanes []int) DispatchTable {
	return DispatchTable{SlotBytes: DispatchSlotBytes, Lanes: append([]int{}, lanes...)}
}

// Offset returns the byte offset of lane's slot within the table.
func (d DispatchTable) Offset(lane int) int {
	for i, l := range d.Lanes {
		if l == lane {
			return i * d.SlotBytes
		}
	}
	return -1
}

// Size is the total byte size of the table.
func (d DispatchTable) Size() int { return len(d.Lanes) * d.SlotBytes }
