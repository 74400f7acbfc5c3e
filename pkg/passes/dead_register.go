package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/liveness"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// DeadRegisterAnalysis is pass 9: whole-function entry/exit liveness
// over the ABI caller-saved GPRs (§4.6). dead_at_entry is the
// complement of the entry block's live-in; dead_at_exit[addr] is the
// complement of each exit block's live-out, keyed by that exit
// block's End() address, one past its final instruction (§3).
func DeadRegisterAnalysis() passmgr.Pass {
	return passmgr.Pass{
		Name: "dead-register-analysis",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			fl := liveness.ComputeFunctionLiveness(fn)

			for _, r := range cfgfacade.CallerSavedGPRegisters {
				if !fl.LiveIn[r] {
					s.DeadAtEntry[r] = true
				}
			}
			for addr, liveOut := range fl.LiveOut {
				dead := map[cfgfacade.Reg]bool{}
				for _, r := range cfgfacade.CallerSavedGPRegisters {
					if !liveOut[r] {
						dead[r] = true
					}
				}
				s.DeadAtExit[addr] = dead
			}
			return nil
		},
	}
}

// BlockDeadRegisterAnalysis is pass 10: per-block instruction-granular
// dead-register sets (§4.6), plus the entry/exit scratch-placement
// records (CalculateEntryInstPoint/CalculateExitInstPoint) the
// emitter consults before falling back to a push-based spill.
func BlockDeadRegisterAnalysis() passmgr.Pass {
	return passmgr.Pass{
		Name: "block-dead-register-analysis",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			fl := liveness.ComputeFunctionLiveness(fn)

			for _, b := range fn.Blocks {
				liveOut := fl.BlockLiveOut[b]
				dead := liveness.BlockLocalLiveness(b, liveOut)
				for addr, set := range dead {
					converted := map[cfgfacade.Reg]bool(set)
					s.BlockLocalDead[addr] = converted
				}

				fixed, best := liveness.CalculateEntryInstPoint(b, liveOut)
				if fixed != nil {
					s.EntryFixedData[b.Start] = fixed
				}
				if best != nil {
					s.EntryData[b.Start] = best
				}
				if exit := liveness.CalculateExitInstPoint(b, liveOut); exit != nil {
					s.ExitData[b.Start] = exit
				}
			}
			return nil
		},
	}
}
