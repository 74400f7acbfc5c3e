package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/regusage"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// UnusedRegisterAnalysis is pass 11: for leaf functions (no callees),
// the set of GPRs (cfgfacade.GPRegisters, callee-saved ones included)
// never touched by any instruction, plus
// red-zone access sites and moveDownSP (§4.7). Non-leaf functions are
// left untouched - the single-register short-circuit backend (§4.8.3)
// and the unused-register-driven AVX lane assignment (§4.8.2) only
// apply to leaves.
func UnusedRegisterAnalysis() passmgr.Pass {
	return passmgr.Pass{
		Name: "unused-register-analysis",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			if !regusage.IsLeaf(fn) {
				return nil
			}
			regusage.Analyze(fn, s, true)

			// A frame of 128 bytes or more forces the emitter to move
			// RSP down before touching anything below it, regardless of
			// whether the function's own code reaches into the red zone.
			for _, h := range s.BlockEndSPHeight {
				if h <= -int64(regusage.RedZoneThreshold) {
					s.MoveDownSP = true
					s.RegisterUsage.MoveDownSP = true
					break
				}
			}
			return nil
		},
	}
}
