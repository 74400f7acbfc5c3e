package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// FunctionExceptionAnalysis is the second supplemented pass recovered
// from original_source/src/passes.h. It populates
// FuncSummary.FuncExceptionSafe with a best-effort frame-pointer
// cross-check: a function is considered exception-safe here if stack
// height tracking never went Unknown and every return executes with
// the stack balanced back to the function's entry height (0) - the
// same invariant a DWARF CFI-based unwinder relies on to walk past
// this frame. §9's open question ("whether the frame-pointer check
// variant is expected to work across exception unwinds that skip
// intermediate frames") is explicitly left unresolved: this pass only
// reports the single-frame property, never multi-frame unwind
// correctness, and its result never feeds Safe/Writes.
func FunctionExceptionAnalysis(facade *cfgfacade.Facade) passmgr.Pass {
	return passmgr.Pass{
		Name: "function-exception-analysis",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			heights := facade.StackHeightsOf(fn)
			if heights.Unknown {
				s.FuncExceptionSafe = false
				return nil
			}
			balanced := true
			for _, b := range fn.Returns {
				end, ok := heights.End[b.Start]
				if !ok || end != 0 {
					balanced = false
					break
				}
			}
			s.FuncExceptionSafe = balanced
			return nil
		},
	}
}
