// Package passes implements the twelve canonical analysis passes of
// §4.4/§4.5 plus the two supplemented, opt-in passes recovered from
// original_source/src/passes.h (UnsafeCallBlockAnalysis,
// FunctionExceptionAnalysis). Each pass is built as a passmgr.Pass
// value rather than a type implementing an interface, per §9's "no
// inheritance" redesign note; Pipeline assembles them in the §4.3
// canonical order.
package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// CallGraphAnalysis is pass 1: it transcribes the already-built call
// graph (callgraph.Build + callgraph.ResolveIndirectCalls, both run by
// the orchestrator before the pass manager starts) onto each
// function's summary, and classifies each call site's control-flow
// shape. A function with any call whose target could not be resolved
// at all (Scenario D) is forced assume_unsafe; one whose only
// indirection was resolved by constant propagation (Scenario C) is
// flagged has_indirect_cf but left otherwise safe.
func CallGraphAnalysis() passmgr.Pass {
	return passmgr.Pass{
		Name: "call-graph-analysis",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			n := g.Node(fn)
			if n == nil {
				return nil
			}
			for _, c := range n.Callees {
				s.Callees[c] = true
			}
			for _, c := range n.Callers {
				s.Callers[c] = true
			}
			if n.Unparseable {
				s.HasUnknownCF = true
				s.AssumeUnsafe = true
			}

			for _, b := range fn.Blocks {
				last := b.LastInsn()
				if last == nil {
					continue
				}
				if last.CallTargetUnknown {
					s.HasIndirectCF = true
					// Resolution (constant propagation) is only
					// attempted for call sites; an unresolved
					// indirect jump (e.g. a computed tail call) is
					// always unknown control flow (Scenario D).
					if last.Category != cfgfacade.CategoryCall || !n.ResolvedIndirect[last.Addr] {
						s.HasUnknownCF = true
						s.AssumeUnsafe = true
					}
					continue
				}
				if last.Category == cfgfacade.CategoryCall && last.HasJumpTarget && fn.Obj != nil {
					if _, isPLT := fn.Obj.Linkage[last.JumpTarget]; isPLT {
						s.HasPLTCall = true
						s.AssumeUnsafe = true
					}
				}
			}

			s.RecomputeWrites()
			return nil
		},
	}
}
