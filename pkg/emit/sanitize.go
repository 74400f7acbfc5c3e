package emit

import (
	"fmt"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/runtimeabi"
)

// ErrSanitizeSuppressed marks a memory write the sanitizer declines to
// guard: a RIP-relative store (never attacker-controlled - the
// displacement is fixed at link time) per §4.8.4.
var ErrSanitizeSuppressed = fmt.Errorf("sanitizer suppressed for this operand")

// SanitizeWrite synthesizes §4.8.4's pre-instruction bounds check for
// one memory-writing instruction: compute the effective address with
// the instruction's own addressing mode, compare it against the three
// SFI bounds, and trap via runtimeabi.IllegalInstruction if it falls
// outside both the heap region and the current frame. redZone wraps
// the check with the ABI red-zone adjustment (`lea rsp,[rsp-128]` /
// `+128`) so the bounds compare itself never touches the 128 bytes
// below RSP a leaf function may already be using as scratch. spill
// saves and restores scratch around the check, for call sites with no
// proven-dead register. RSP-based operands get their displacement
// compensated for whatever the spill/red-zone prologue moved RSP by.
func SanitizeWrite(op cfgfacade.MemOperand, scratch cfgfacade.Reg, redZone, spill bool, opts Options) ([]byte, error) {
	if op.Base == cfgfacade.RIP {
		return nil, ErrSanitizeSuppressed
	}
	if opts.DryRun == DryRunEmpty {
		return nil, nil
	}

	b := newBuf()
	if opts.DryRun == DryRunOnlySave {
		out, _ := b.resolve()
		return out, nil
	}

	spAdjust := int32(0)
	if spill {
		b.emitBytes(push64(scratch))
		spAdjust += 8
	}
	if redZone {
		b.emitBytes(leaRegMem(cfgfacade.RSP, cfgfacade.RSP, -128))
		spAdjust += 128
	}

	disp := int32(op.Disp)
	if op.Base == cfgfacade.RSP {
		disp += spAdjust
	}
	b.emitBytes(leaEffectiveAddr(scratch, op.Base, op.Index, op.Scale, disp))

	// Heap/global-stack check first: addr >= gs:32 clears it outright.
	b.emitBytes(cmpRegGS(scratch, runtimeabi.GlobalStackLowerBound))
	b.jcc(ccAboveEqual, "ok")
	// Otherwise it must land inside [local-stack-bottom, local-stack-top).
	b.emitBytes(cmpRegGS(scratch, runtimeabi.LocalStackBottom))
	b.jcc(ccBelow, "bad")
	b.emitBytes(cmpRegGS(scratch, runtimeabi.LocalStackTop))
	b.jcc(ccAboveEqual, "bad")
	b.jmp("ok")
	b.label("bad")
	b.emit(runtimeabi.IllegalInstruction)
	b.label("ok")

	if redZone {
		b.emitBytes(leaRegMem(cfgfacade.RSP, cfgfacade.RSP, 128))
	}
	if spill {
		b.emitBytes(pop64(scratch))
	}

	out, err := b.resolve()
	if err != nil {
		return nil, fmt.Errorf("sanitize sequence: %w", err)
	}
	return out, nil
}
