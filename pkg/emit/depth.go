package emit

import (
	"fmt"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/runtimeabi"
)

// DepthPush/DepthPop synthesize the call-site half of the depth
// profiler (§6, original_source/src/depth.cc): load the return
// address into r10 (the register _litecfi_inc_depth's inline asm
// reads it from), load stack_size/capture_at as the call's two
// integer arguments, and call the externally-linked helper. The
// helper owns all of the profiler's actual state - a snapshot ring,
// a running maximum, an overflow counter - none of which this package
// needs to know about; it only needs to get three values into the
// right places and call through.
func DepthPush(raOffset int32, stackSize, captureAt int32, opts Options) ([]byte, error) {
	return depthCall(raOffset, stackSize, captureAt, true, opts)
}

func DepthPop(raOffset int32, stackSize, captureAt int32, opts Options) ([]byte, error) {
	return depthCall(raOffset, stackSize, captureAt, false, opts)
}

func depthCall(raOffset int32, stackSize, captureAt int32, push bool, opts Options) ([]byte, error) {
	if opts.DryRun == DryRunEmpty {
		return nil, nil
	}
	b := newBuf()
	if opts.DryRun == DryRunOnlySave {
		return b.resolve()
	}
	if push {
		b.emitBytes(movRegMem(cfgfacade.R10, cfgfacade.RSP, raOffset))
	}
	b.emitBytes(movReg32Imm32(cfgfacade.RDI, stackSize))
	b.emitBytes(movReg32Imm32(cfgfacade.RSI, captureAt))
	b.emitBytes(callRel32(0)) // DepthIncHelper/DepthDecHelper, patched by the rewriter

	out, err := b.resolve()
	if err != nil {
		return nil, fmt.Errorf("depth %s sequence: %w", depthKind(push), err)
	}
	return out, nil
}

func depthKind(push bool) string {
	if push {
		return runtimeabi.DepthIncHelper
	}
	return runtimeabi.DepthDecHelper
}
