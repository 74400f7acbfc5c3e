// Package liveness computes caller-saved GPR liveness at two
// granularities the emitter needs: whole-function entry/exit
// liveness (which scratch register is safe to clobber when splicing
// instrumentation at a function's prologue or one of its epilogues),
// and block-local instruction-granular liveness (which register is
// dead immediately after a given instruction, for mid-block
// instrumentation points). Grounded on register_usage.cc's dead/kill
// scanning, reimplemented here as an explicit backward dataflow walk
// instead of its recursive block-successor recursion.
package liveness

import "github.com/go-litecfi/litecfi/pkg/cfgfacade"

// RegSet is a small, order-independent register set.
type RegSet map[cfgfacade.Reg]bool

func newSet(regs ...cfgfacade.Reg) RegSet {
	s := make(RegSet, len(regs))
	for _, r := range regs {
		s[r] = true
	}
	return s
}

func (s RegSet) clone() RegSet {
	out := make(RegSet, len(s))
	for r := range s {
		out[r] = true
	}
	return out
}

func (s RegSet) equal(o RegSet) bool {
	if len(s) != len(o) {
		return false
	}
	for r := range s {
		if !o[r] {
			return false
		}
	}
	return true
}

// FunctionLiveness is the whole-function entry/exit liveness result:
// which of the tracked caller-saved registers are live on entry, and
// which are live at the end of each exit block.
type FunctionLiveness struct {
	LiveIn  RegSet
	LiveOut map[uint64]RegSet // keyed by exit block's End() address (one past its last instruction)

	// BlockLiveOut/BlockLiveIn expose the same fixed point's per-block
	// boundary sets for every block in the function, not just the
	// entry/exit ones - the block-local placement analysis (§4.6
	// CalculateEntryInstPoint/CalculateExitInstPoint) needs a seed
	// liveOut for whichever block it's scanning, which may be any
	// block in the function, not only an exit.
	BlockLiveOut map[*cfgfacade.Block]RegSet
	BlockLiveIn  map[*cfgfacade.Block]RegSet
}

// ComputeFunctionLiveness runs the standard backward liveness
// dataflow fixed point over fn's CFG, restricted to
// cfgfacade.CallerSavedGPRegisters (the only registers the ABI lets
// instrumentation safely clobber across a call boundary without
// saving them itself).
func ComputeFunctionLiveness(fn *cfgfacade.Function) *FunctionLiveness {
	liveIn := map[*cfgfacade.Block]RegSet{}
	liveOut := map[*cfgfacade.Block]RegSet{}
	for _, b := range fn.Blocks {
		liveIn[b] = RegSet{}
		liveOut[b] = RegSet{}
	}

	changed := true
	for changed {
		changed = false
		for i := len(fn.Blocks) - 1; i >= 0; i-- {
			b := fn.Blocks[i]

			out := RegSet{}
			for _, succ := range b.Successors() {
				for r := range liveIn[succ] {
					out[r] = true
				}
			}
			if !out.equal(liveOut[b]) {
				liveOut[b] = out
				changed = true
			}

			in := backwardBlockLiveness(b, out)
			if !in.equal(liveIn[b]) {
				liveIn[b] = in
				changed = true
			}
		}
	}

	fl := &FunctionLiveness{
		LiveOut:      map[uint64]RegSet{},
		BlockLiveOut: liveOut,
		BlockLiveIn:  liveIn,
	}
	if fn.Entry != nil {
		fl.LiveIn = liveIn[fn.Entry]
	} else {
		fl.LiveIn = RegSet{}
	}
	for _, b := range fn.Exits {
		fl.LiveOut[b.End()] = liveOut[b]
	}
	return fl
}

// backwardBlockLiveness walks b's instructions in reverse, applying
// the standard `in = (out - writes) U reads` rule per instruction,
// restricted to the tracked register set.
func backwardBlockLiveness(b *cfgfacade.Block, out RegSet) RegSet {
	live := out.clone()
	for i := len(b.Instructions) - 1; i >= 0; i-- {
		in := b.Instructions[i]
		for _, w := range in.Writes {
			if tracked(w) {
				delete(live, w)
			}
		}
		for _, r := range in.Reads {
			if tracked(r) {
				live[r] = true
			}
		}
	}
	return live
}

func tracked(r cfgfacade.Reg) bool {
	for _, c := range cfgfacade.CallerSavedGPRegisters {
		if c == r {
			return true
		}
	}
	return false
}

// BlockLocalLiveness maps each instruction address in a block to the
// set of tracked registers dead immediately after it executes - the
// complement of the live set over every tracked register, which is
// what a mid-block instrumentation point needs to pick a scratch
// register without disturbing anything still live.
func BlockLocalLiveness(b *cfgfacade.Block, liveOut RegSet) map[uint64]RegSet {
	dead := map[uint64]RegSet{}
	live := liveOut.clone()

	for i := len(b.Instructions) - 1; i >= 0; i-- {
		in := b.Instructions[i]
		d := RegSet{}
		for _, r := range cfgfacade.CallerSavedGPRegisters {
			if !live[r] {
				d[r] = true
			}
		}
		dead[in.Addr] = d
		for _, w := range in.Writes {
			if tracked(w) {
				delete(live, w)
			}
		}
		for _, r := range in.Reads {
			if tracked(r) {
				live[r] = true
			}
		}
	}
	return dead
}

// PickScratch returns the first tracked register not present in busy,
// in a fixed preference order, or ("", false) if every tracked
// register is live - the caller must then fall back to a red-zone
// spill (§4.7).
func PickScratch(busy RegSet) (cfgfacade.Reg, bool) {
	for _, r := range cfgfacade.CallerSavedGPRegisters {
		if !busy[r] {
			return r, true
		}
	}
	return "", false
}
