package emit

import (
	"fmt"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/runtimeabi"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// slotSize returns the per-record width for the segment-addressed
// memory backend: 8 bytes normally, 16 when the extra frame-pointer
// slot is carried (§6.1 shadow_stack_validate_frame).
func slotSize(validateFrame bool) int32 {
	if validateFrame {
		return runtimeabi.FrameCheckSlotSize
	}
	return runtimeabi.ShadowSlotSize
}

// scratchPlan is the resolved answer to §4.8.1 step 1: which two
// registers to use as (ra_reg, sp_reg), the extra frame displacement
// already present at the chosen emission point, and whether the
// chosen registers must be spilled (pushed before use, popped after)
// because nothing was free.
type scratchPlan struct {
	ra, sp   cfgfacade.Reg
	spillRA  bool
	spillSP  bool
	raOffset int64
}

// planEntryScratch picks scratch registers for a push sequence in
// preference order: the fixed entry point (dead at block start, no
// intervening height change), then the best entry point found further
// into the block, then falling back to spilling two fixed registers.
func planEntryScratch(s *summary.FuncSummary, blockStart uint64) scratchPlan {
	if d := s.EntryFixedData[blockStart]; d != nil && d.SaveCount >= 2 {
		return scratchPlan{ra: d.Reg1, sp: d.Reg2, raOffset: d.RAOffset}
	}
	if d := s.EntryData[blockStart]; d != nil && d.SaveCount >= 2 {
		return scratchPlan{ra: d.Reg1, sp: d.Reg2, raOffset: d.RAOffset}
	}
	return scratchPlan{ra: cfgfacade.RAX, sp: cfgfacade.RCX, spillRA: true, spillSP: true}
}

func planExitScratch(s *summary.FuncSummary, blockStart uint64) scratchPlan {
	if d := s.ExitData[blockStart]; d != nil && d.SaveCount >= 2 {
		return scratchPlan{ra: d.Reg1, sp: d.Reg2, raOffset: d.RAOffset}
	}
	return scratchPlan{ra: cfgfacade.RAX, sp: cfgfacade.RCX, spillRA: true, spillSP: true}
}

// MemPush synthesizes the entry sequence of §4.8.1: load the return
// address off the native stack, push it onto the shadow stack at
// gs:0, and advance the shadow-stack-top pointer. When validateFrame
// is set, a second slot carries the caller's frame pointer
// (rsp+raOffset+8 at the point the sequence runs).
func MemPush(s *summary.FuncSummary, blockStart uint64, opts Options) ([]byte, error) {
	if opts.DryRun == DryRunEmpty {
		return nil, nil
	}
	plan := planEntryScratch(s, blockStart)
	size := slotSize(opts.ValidateFrame)

	b := newBuf()
	if plan.spillRA {
		b.emitBytes(push64(plan.ra))
	}
	if plan.spillSP {
		b.emitBytes(push64(plan.sp))
	}
	// Spilling shifts every subsequent rsp-relative offset down by one
	// slot per register pushed.
	spillBytes := int64(0)
	if plan.spillRA {
		spillBytes += 8
	}
	if plan.spillSP {
		spillBytes += 8
	}
	raOffset := int32(plan.raOffset + spillBytes)

	if opts.DryRun == DryRunOnlySave {
		if plan.spillSP {
			b.emitBytes(pop64(plan.sp))
		}
		if plan.spillRA {
			b.emitBytes(pop64(plan.ra))
		}
		return b.resolve()
	}

	b.emitBytes(movRegMem(plan.ra, cfgfacade.RSP, raOffset))
	b.emitBytes(movRegGS(plan.sp, runtimeabi.ShadowStackTop))
	b.emitBytes(movMemReg(plan.sp, 0, plan.ra))
	if opts.ValidateFrame {
		// Caller's frame pointer, as seen from this callee's entry, is
		// the native stack address one slot above the return address.
		b.emitBytes(leaRegMem(plan.ra, cfgfacade.RSP, raOffset+8))
		b.emitBytes(movMemReg(plan.sp, 8, plan.ra))
	}
	b.emitBytes(addRegImm32(plan.sp, size))
	b.emitBytes(movGSReg(runtimeabi.ShadowStackTop, plan.sp))

	if plan.spillSP {
		b.emitBytes(pop64(plan.sp))
	}
	if plan.spillRA {
		b.emitBytes(pop64(plan.ra))
	}
	return b.resolve()
}

// MemValidate synthesizes the exit sequence of §4.8.1/§8 Scenario F:
// pop records off the shadow stack until one matches the return
// address actually on the native stack, or the guard-zero sentinel is
// hit first, in which case it traps via runtimeabi.IllegalInstruction
// rather than returning. blockStart is the exit block's entry address,
// used to key ExitData.
func MemValidate(s *summary.FuncSummary, blockStart uint64, opts Options) ([]byte, error) {
	if opts.DryRun == DryRunEmpty {
		return nil, nil
	}
	plan := planExitScratch(s, blockStart)
	size := slotSize(opts.ValidateFrame)

	b := newBuf()
	if plan.spillRA {
		b.emitBytes(push64(plan.ra))
	}
	if plan.spillSP {
		b.emitBytes(push64(plan.sp))
	}
	spillBytes := int64(0)
	if plan.spillRA {
		spillBytes += 8
	}
	if plan.spillSP {
		spillBytes += 8
	}
	raOffset := int32(plan.raOffset + spillBytes)

	if opts.DryRun == DryRunOnlySave {
		if plan.spillSP {
			b.emitBytes(pop64(plan.sp))
		}
		if plan.spillRA {
			b.emitBytes(pop64(plan.ra))
		}
		return b.resolve()
	}

	b.emitBytes(movRegGS(plan.sp, runtimeabi.ShadowStackTop))
	b.label("loop")
	b.emitBytes(subRegImm32(plan.sp, size))
	b.emitBytes(movRegMem(plan.ra, plan.sp, 0))
	b.emitBytes(cmpRegMem(plan.ra, cfgfacade.RSP, raOffset))
	b.jcc(ccEqual, "matched")
	// Mismatch: check the slot just unwound past for the guard-zero
	// sentinel before looping again.
	b.emitBytes(cmpMemImm32(plan.sp, -size, 0))
	b.jcc(ccNotEqual, "loop")
	b.emit(runtimeabi.IllegalInstruction)
	b.label("matched")
	if opts.ValidateFrame {
		// plan.sp still points at the matched record (not yet advanced
		// back past it): compare its saved frame-pointer slot against
		// the frame pointer this return actually lands in.
		b.emitBytes(leaRegMem(plan.ra, cfgfacade.RSP, raOffset+8))
		b.emitBytes(cmpRegMem(plan.ra, plan.sp, 8))
		b.jcc(ccEqual, "frame_ok")
		b.emit(runtimeabi.IllegalInstruction)
		b.label("frame_ok")
	}
	b.emitBytes(movGSReg(runtimeabi.ShadowStackTop, plan.sp))

	if plan.spillSP {
		b.emitBytes(pop64(plan.sp))
	}
	if plan.spillRA {
		b.emitBytes(pop64(plan.ra))
	}
	out, err := b.resolve()
	if err != nil {
		return nil, fmt.Errorf("mem validate sequence: %w", err)
	}
	return out, nil
}
