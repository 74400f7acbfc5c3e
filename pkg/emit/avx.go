package emit

import (
	"fmt"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/regfile"
	"github.com/go-litecfi/litecfi/pkg/runtimeabi"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// LaneSlotBytes mirrors regfile.DispatchSlotBytes: every dispatch
// table entry is `vmovq` + `ret`, NOP-padded to a fixed stride so a
// call site can reach lane d via table_base + d*LaneSlotBytes without
// decoding anything first.
const LaneSlotBytes = regfile.DispatchSlotBytes

// BuildPushTable synthesizes the register-file backend's push
// dispatch table (§4.8.2): one fixed-size slot per free lane, each
// slot storing rax's current value into that lane's low quadword and
// returning. A call site reaches lane d by computing table_base +
// d*LaneSlotBytes and issuing a near `call` through it - the `ret`
// each slot ends with is what sends control back to the call site,
// no per-call-site trampoline needed.
func BuildPushTable(a regfile.Assignment) ([]byte, error) {
	out := make([]byte, 0, len(a.FreeLanes)*LaneSlotBytes)
	for _, lane := range a.FreeLanes {
		slot := vmovqToXmm(lane, cfgfacade.RAX)
		slot = append(slot, retNear()...)
		if len(slot) > LaneSlotBytes {
			return nil, fmt.Errorf("%w: push slot for lane %d overflows %d bytes", ErrEmissionFailure, lane, LaneSlotBytes)
		}
		slot = append(slot, nopPad(LaneSlotBytes-len(slot))...)
		out = append(out, slot...)
	}
	return out, nil
}

// BuildPopTable is BuildPushTable's dual: each slot loads a lane back
// into rax and returns.
func BuildPopTable(a regfile.Assignment) ([]byte, error) {
	out := make([]byte, 0, len(a.FreeLanes)*LaneSlotBytes)
	for _, lane := range a.FreeLanes {
		slot := vmovqFromXmm(cfgfacade.RAX, lane)
		slot = append(slot, retNear()...)
		if len(slot) > LaneSlotBytes {
			return nil, fmt.Errorf("%w: pop slot for lane %d overflows %d bytes", ErrEmissionFailure, lane, LaneSlotBytes)
		}
		slot = append(slot, nopPad(LaneSlotBytes-len(slot))...)
		out = append(out, slot...)
	}
	return out, nil
}

func nopPad(n int) []byte {
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = 0x90
	}
	return pad
}

// AVXPush synthesizes the call-site half of §4.8.2: load the depth
// counter, bounds-check it against the lane count (falling to
// runtimeabi.OverflowPushHelper once every lane is in use), compute
// the dispatch slot address, load the return address into rax, call
// through the slot, then advance and store the depth counter.
// The depth counter is gs-relative (runtimeabi.RegisterFileDepth); the
// push table's base address is a movabs immediate emitted as 0 for the
// rewriter to patch, loaded into the ra scratch register before the
// return address is.
func AVXPush(s *summary.FuncSummary, blockStart uint64, laneCount int, opts Options) ([]byte, error) {
	if opts.DryRun == DryRunEmpty {
		return nil, nil
	}
	plan := planEntryScratch(s, blockStart)
	spillBytes := int64(0)
	b := newBuf()
	if plan.spillRA {
		b.emitBytes(push64(plan.ra))
		spillBytes += 8
	}
	if plan.spillSP {
		b.emitBytes(push64(plan.sp))
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

	b.emitBytes(movRegGS(plan.sp, runtimeabi.RegisterFileDepth))
	b.emitBytes(cmpRegImm32(plan.sp, int32(laneCount)))
	b.jcc(ccGreaterEqual, "overflow")

	// sp_reg: table_base + depth*LaneSlotBytes. ra_reg carries the
	// return address into rax, the fixed carrier every dispatch slot
	// reads from/writes to, since the call site's choice of scratch
	// pair varies but a slot's vmovq operand can't.
	b.emitBytes(shlRegImm8(plan.sp, 4))
	b.emitBytes(movRegImm64(plan.ra, 0)) // table_base, patched by the rewriter
	b.emitBytes(addRegReg(plan.sp, plan.ra))
	b.emitBytes(movRegMem(plan.ra, cfgfacade.RSP, raOffset))
	b.emitBytes(movRegReg(cfgfacade.RAX, plan.ra))
	b.emitBytes(callIndirectReg(plan.sp))

	b.emitBytes(movRegGS(plan.sp, runtimeabi.RegisterFileDepth))
	b.emitBytes(addRegImm32(plan.sp, 1))
	b.emitBytes(movGSReg(runtimeabi.RegisterFileDepth, plan.sp))
	b.jmp("done")

	b.label("overflow")
	b.emitBytes(callRel32(0)) // runtimeabi.OverflowPushHelper, patched by the rewriter
	b.label("done")

	if plan.spillSP {
		b.emitBytes(pop64(plan.sp))
	}
	if plan.spillRA {
		b.emitBytes(pop64(plan.ra))
	}
	out, err := b.resolve()
	if err != nil {
		return nil, fmt.Errorf("avx push sequence: %w", err)
	}
	return out, nil
}

// AVXValidate is AVXPush's exit-side dual: decrement the depth
// counter, call through the matching pop slot, and compare the
// recovered value against the native return address, trapping via
// runtimeabi.IllegalInstruction on mismatch (§8 Scenario E:
// "laneCount+1'th push on a register-file-backed function ... falls
// to the overflow helper rather than corrupting an adjacent lane").
func AVXValidate(s *summary.FuncSummary, blockStart uint64, opts Options) ([]byte, error) {
	if opts.DryRun == DryRunEmpty {
		return nil, nil
	}
	plan := planExitScratch(s, blockStart)
	spillBytes := int64(0)
	b := newBuf()
	if plan.spillRA {
		b.emitBytes(push64(plan.ra))
		spillBytes += 8
	}
	if plan.spillSP {
		b.emitBytes(push64(plan.sp))
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

	b.emitBytes(movRegGS(plan.sp, runtimeabi.RegisterFileDepth))
	b.emitBytes(cmpRegImm32(plan.sp, 0))
	b.jcc(ccEqual, "underflow")
	b.emitBytes(subRegImm32(plan.sp, 1))
	b.emitBytes(movGSReg(runtimeabi.RegisterFileDepth, plan.sp))

	b.emitBytes(shlRegImm8(plan.sp, 4))
	b.emitBytes(movRegImm64(plan.ra, 0)) // table_base, patched by the rewriter
	b.emitBytes(addRegReg(plan.sp, plan.ra))
	b.emitBytes(callIndirectReg(plan.sp))
	b.emitBytes(movRegReg(plan.ra, cfgfacade.RAX))
	b.emitBytes(cmpRegMem(plan.ra, cfgfacade.RSP, raOffset))
	b.jcc(ccEqual, "matched")
	b.emit(runtimeabi.IllegalInstruction)
	b.label("underflow")
	b.emitBytes(callRel32(0)) // runtimeabi.OverflowPopHelper, patched by the rewriter
	b.label("matched")

	if plan.spillSP {
		b.emitBytes(pop64(plan.sp))
	}
	if plan.spillRA {
		b.emitBytes(pop64(plan.ra))
	}
	out, err := b.resolve()
	if err != nil {
		return nil, fmt.Errorf("avx validate sequence: %w", err)
	}
	return out, nil
}
