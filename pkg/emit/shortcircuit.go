package emit

import (
	"fmt"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/runtimeabi"
)

// ShortCircuitPush synthesizes §4.8.3's entry sequence for a function
// with at least one unused_reg: load the return address into that
// register and also store it to the gs:8 scratch slot, so it survives the
// function body untouched (nothing else in the function reads or
// writes it - that's what "unused" means here) for the exit side to
// compare against.
func ShortCircuitPush(raOffset int32, unusedReg cfgfacade.Reg, opts Options) []byte {
	if opts.DryRun == DryRunEmpty {
		return nil
	}
	b := newBuf()
	b.emitBytes(movRegMem(unusedReg, cfgfacade.RSP, raOffset))
	if opts.DryRun != DryRunOnlySave {
		b.emitBytes(movGSReg(runtimeabi.ScratchSlot, unusedReg))
	}
	out, _ := b.resolve() // no jumps emitted; resolve cannot fail here
	return out
}

// ShortCircuitValidate synthesizes §4.8.3's exit sequence: compare the
// carried register against the live return address, taking the fast
// path on a match and otherwise falling through to fallback (the full
// memory-stack unwind-validation sequence a caller builds via
// MemValidate, for the exception-unwinding case where intervening
// frames were popped by a throw rather than ordinary returns).
// flagsLive must be true unless the placement analysis proved flags
// dead across this point (§9's resolved open question: elision is only
// valid when proven, never assumed).
func ShortCircuitValidate(raOffset int32, unusedReg cfgfacade.Reg, flagsLive bool, fallback []byte, opts Options) ([]byte, error) {
	if opts.DryRun == DryRunEmpty {
		return nil, nil
	}
	b := newBuf()
	if opts.DryRun == DryRunOnlySave {
		out, _ := b.resolve()
		return out, nil
	}
	if flagsLive {
		b.emitBytes(pushfq())
	}
	b.emitBytes(cmpRegMem(unusedReg, cfgfacade.RSP, raOffset))
	if flagsLive {
		// Branch on ZF from the cmp above first, then restore the saved
		// flags on both the match and the mismatch path before leaving.
		b.jcc(ccEqual, "restore_ok")
		b.emitBytes(popfq())
		b.jmp("slow")
		b.label("restore_ok")
		b.emitBytes(popfq())
		b.jmp("success")
		b.label("slow")
	} else {
		b.jcc(ccEqual, "success")
	}
	b.emitBytes(fallback)
	b.label("success")

	out, err := b.resolve()
	if err != nil {
		return nil, fmt.Errorf("short-circuit validate sequence: %w", err)
	}
	return out, nil
}
