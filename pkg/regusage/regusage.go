// Package regusage computes per-function register and red-zone usage
// facts the emitter and the lowering stage both depend on: which
// general-purpose registers a leaf function never touches, which
// addresses below RSP it reads or writes as part of its own red
// zone, and whether the emitter must push RSP down before
// instrumenting a function at all. Grounded on register_usage.cc's
// PopulateUnusedGprMask and the stack_writes.cc red-zone handling.
package regusage

import (
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// RedZoneThreshold is the System V AMD64 ABI red zone size (bytes
// below RSP a leaf function may use without adjusting RSP).
const RedZoneThreshold = 128

// Analyze populates s.UnusedRegs, s.RedZoneAccess and s.MoveDownSP for
// fn, and mirrors the result into s.RegisterUsage for the emit
// backends that want the aggregate view.
func Analyze(fn *cfgfacade.Function, s *summary.FuncSummary, isLeaf bool) {
	used := map[cfgfacade.Reg]bool{}
	maxNegativeDisp := int64(0)

	for _, b := range fn.Blocks {
		for _, in := range b.Instructions {
			for _, r := range in.Reads {
				used[r] = true
			}
			for _, w := range in.Writes {
				used[w] = true
			}
			for _, m := range append(append([]cfgfacade.MemOperand{}, in.MemReads...), in.MemWrites...) {
				if disp, ok := m.IsRSPRelative(); ok && disp < 0 {
					s.RedZoneAccess[disp] = true
					if disp < maxNegativeDisp {
						maxNegativeDisp = disp
					}
				}
			}
		}
	}

	var unused []cfgfacade.Reg
	for _, r := range cfgfacade.GPRegisters {
		if !used[r] {
			s.UnusedRegs[r] = true
			unused = append(unused, r)
		}
	}

	moveDown := -maxNegativeDisp >= RedZoneThreshold
	s.MoveDownSP = moveDown

	s.RegisterUsage = summary.RegisterUsageInfo{
		UnusedGPR:  unused,
		IsLeaf:     isLeaf,
		MoveDownSP: moveDown,
	}
}

// IsLeaf reports whether fn contains no call instructions at all -
// the cheapest of the three conditions the emitter checks before
// choosing the single-register fast-path backend (§4.8.3).
func IsLeaf(fn *cfgfacade.Function) bool {
	for _, b := range fn.Blocks {
		for _, in := range b.Instructions {
			if in.Category == cfgfacade.CategoryCall {
				return false
			}
		}
	}
	return true
}
