package liveness

import (
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// deadBeforeEachInstruction returns, for every instruction in b, the
// set of tracked registers dead immediately BEFORE that instruction
// executes - BlockLocalLiveness's "dead after" sets shifted by one
// position, with the complement of the block's own live-in (liveOut
// run through the whole block backward) for the first instruction.
func deadBeforeEachInstruction(b *cfgfacade.Block, liveOut RegSet) map[uint64]RegSet {
	afterEachInsn := BlockLocalLiveness(b, liveOut)
	before := map[uint64]RegSet{}
	// Derive the block's live-in by walking its instructions backward;
	// for every later instruction, dead-before instruction i is
	// dead-after instruction i-1.
	live := liveOut.clone()
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
	// live is now the block's live-in; complement it for instruction 0.
	deadAtEntry := RegSet{}
	for _, r := range cfgfacade.CallerSavedGPRegisters {
		if !live[r] {
			deadAtEntry[r] = true
		}
	}
	for i, in := range b.Instructions {
		if i == 0 {
			before[in.Addr] = deadAtEntry
			continue
		}
		before[in.Addr] = afterEachInsn[b.Instructions[i-1].Addr]
	}
	return before
}

// pickTwo returns up to two registers from dead, in the tracked
// preference order, along with how many were found.
func pickTwo(dead RegSet) (cfgfacade.Reg, cfgfacade.Reg, int) {
	var regs []cfgfacade.Reg
	for _, r := range cfgfacade.CallerSavedGPRegisters {
		if dead[r] {
			regs = append(regs, r)
			if len(regs) == 2 {
				break
			}
		}
	}
	switch len(regs) {
	case 2:
		return regs[0], regs[1], 2
	case 1:
		return regs[0], "", 1
	default:
		return "", "", 0
	}
}

// CalculateEntryInstPoint is §4.6's forward scan from a block's
// entry: it tracks curHeight (cumulative stack growth from pushes
// seen so far) and, at each instruction, asks how many tracked
// registers are dead at that point, remembering the best position
// (most dead registers, ties broken by earliest address). The scan
// stops early once 2 dead registers have been found, or at the first
// memory write or non-push RSP mutation (the scratch save must not be
// spliced past a point that could observe a different frame shape).
//
// Two records are returned: fixed is populated only when the very
// first instruction in the block already offers at least one dead
// register (so the emitter can skip the deferred search entirely),
// and best is the overall best position found during the scan
// (which may be the same instruction as fixed, or none if the block
// offers no dead registers at all before the stop condition).
func CalculateEntryInstPoint(b *cfgfacade.Block, liveOut RegSet) (fixed, best *summary.MoveInstData) {
	before := deadBeforeEachInstruction(b, liveOut)

	var bestCount int
	var curHeight int64
	for i, in := range b.Instructions {
		dead := before[in.Addr]
		r1, r2, count := pickTwo(dead)

		if i == 0 && count > 0 {
			fixed = &summary.MoveInstData{
				NewInstAddress: in.Addr,
				RAOffset:       0,
				SaveCount:      count,
				Reg1:           r1,
				Reg2:           r2,
			}
		}

		if count > bestCount {
			bestCount = count
			best = &summary.MoveInstData{
				NewInstAddress: in.Addr,
				RAOffset:       curHeight,
				SaveCount:      count,
				Reg1:           r1,
				Reg2:           r2,
			}
		}
		if bestCount >= 2 {
			break
		}

		if in.WritesMemory() {
			break
		}
		if in.WritesRegister(cfgfacade.RSP) {
			if !isPushLike(in) {
				break
			}
			curHeight -= 8
		}
	}
	return fixed, best
}

// CalculateExitInstPoint is the mirror scan for a block's epilogue
// (§4.6): backward from the block's end, accumulating curHeight on
// pops, stopping at the first memory write, non-pop RSP mutation, or
// any flag-reading instruction (the validate sequence must not be
// spliced somewhere that would disturb flags a later instruction still
// needs, per §5's ordering guarantee).
func CalculateExitInstPoint(b *cfgfacade.Block, liveOut RegSet) *summary.MoveInstData {
	afterEachInsn := BlockLocalLiveness(b, liveOut)

	var best *summary.MoveInstData
	var bestCount int
	var curHeight int64
	for i := len(b.Instructions) - 1; i >= 0; i-- {
		in := b.Instructions[i]
		dead := afterEachInsn[in.Addr]
		r1, r2, count := pickTwo(dead)

		if count > bestCount {
			bestCount = count
			best = &summary.MoveInstData{
				NewInstAddress: in.Addr,
				RAOffset:       curHeight,
				SaveCount:      count,
				Reg1:           r1,
				Reg2:           r2,
			}
		}
		if bestCount >= 2 {
			break
		}

		if readsFlags(in) {
			break
		}
		if in.WritesMemory() {
			break
		}
		if in.WritesRegister(cfgfacade.RSP) {
			if !isPopLike(in) {
				break
			}
			curHeight += 8
		}
	}
	return best
}

func isPushLike(in cfgfacade.Instruction) bool {
	return len(in.MemWrites) == 1 && in.MemWrites[0].Base == cfgfacade.RSP
}

func isPopLike(in cfgfacade.Instruction) bool {
	return len(in.MemReads) == 1 && in.MemReads[0].Base == cfgfacade.RSP
}

// readsFlags is a conservative stand-in: the decoder doesn't surface a
// dedicated flags-register class (§3's Instruction model tracks GPRs,
// not EFLAGS bits), so anything categorized as conditional is treated
// as a flags consumer, matching §5's requirement that the placement
// analysis prove flags dead before letting the emitter skip
// preserving them.
func readsFlags(in cfgfacade.Instruction) bool {
	return in.Category == cfgfacade.CategoryConditional
}
