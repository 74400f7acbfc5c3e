package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/lowering"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// CFGAnalysis is pass 5: builds each function's SCC-DAG (§4.5,
// BuildSCCDAG), the structure every later lowering/statistics/
// liveness-placement pass operates on.
func CFGAnalysis() passmgr.Pass {
	return passmgr.Pass{
		Name: "cfg-analysis",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			lowering.BuildSCCDAG(fn, s)
			return nil
		},
	}
}

// LowerInstrumentation is pass 6: inserts synthetic stack_push nodes
// on every safe->unsafe edge of the SCC-DAG, then runs the optional
// ingress/egress coalescing passes §4.5 describes as folded into this
// same step.
func LowerInstrumentation() passmgr.Pass {
	return passmgr.Pass{
		Name: "lower-instrumentation",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			lowering.Lower(fn, s)
			lowering.CoalesceIngress(s)
			lowering.CoalesceEgress(s)
			return nil
		},
	}
}

// ValidateCFG is pass 7: the one StructuralViolation-capable pass in
// the pipeline (§7). A validation failure aborts the whole run; it is
// never degraded to assume_unsafe, because it signals a bug in the
// lowering stage itself, not an ordinary analysis limitation.
func ValidateCFG() passmgr.Pass {
	return passmgr.Pass{
		Name: "validate-cfg",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			return lowering.Validate(fn, s)
		},
	}
}

// LoweringStatistics is pass 8: computes n_original_nodes/
// n_lowered_nodes/safe_paths/unsafe_paths/increase/safe_ratio (§4.5).
// These are diagnostic: they describe how much of the lowered DAG
// still needs a push/validate site, not the function's overall Safe
// verdict (every call site gets instrumented unless its own callee is
// separately proven safe - that's orthogonal to whether this function
// itself corrupts a frame). The final Safe verdict is set by pass 12.
func LoweringStatistics() passmgr.Pass {
	return passmgr.Pass{
		Name: "lowering-statistics",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			lowering.Statistics(s)
			return nil
		},
	}
}
