package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// LargeFunctionThreshold is the §4.3 pass-2 address-span cutoff above
// which a function is assumed unsafe without further analysis: giant
// generated or hand-unrolled bodies dominate analysis time for little
// payoff, since they are overwhelmingly unsafe in practice anyway.
const LargeFunctionThreshold = 20000

// LargeFunctionFilter is pass 2: functions spanning more than
// LargeFunctionThreshold bytes are marked assume_unsafe so every
// later pass treats them as already decided and skips the expensive
// analyses.
func LargeFunctionFilter() passmgr.Pass {
	return passmgr.Pass{
		Name: "large-function-filter",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			if fn.End > fn.Addr && fn.End-fn.Addr > LargeFunctionThreshold {
				s.AssumeUnsafe = true
			}
			s.RecomputeWrites()
			return nil
		},
	}
}
