package passes

import (
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
)

// PipelineOptions toggles the supplemented, non-canonical passes
// (§6 of the expanded spec). Everything else in Pipeline always runs:
// the 12 canonical passes are not individually optional, matching
// §4.3's "ordering is the contract" - skipping one would leave later
// passes reading fields nothing populated.
type PipelineOptions struct {
	// EnableExceptionSafety turns on UnsafeCallBlockAnalysis and
	// FunctionExceptionAnalysis, two passes the original analyzer had
	// but spec.md's distilled list of 12 dropped. Both are diagnostic
	// only: neither one ever changes a FuncSummary's Safe/Writes
	// verdict, so leaving this off (the default) only means
	// UnsafeCallBlocks/FuncExceptionSafe stay at their zero values.
	EnableExceptionSafety bool
}

// Pipeline assembles the canonical §4.3 pass order: Call-Graph
// Analysis, Large-Function Filter, Intra-procedural Memory Analysis,
// Inter-procedural Memory Analysis, CFG Analysis, Lower
// Instrumentation, Validate CFG, Lowering Statistics, Dead-Register
// Analysis, Block-Dead-Register Analysis, Unused-Register Analysis,
// Safe-Path Counting - with the two supplemented passes appended last
// when opts.EnableExceptionSafety is set, since both are strictly
// read-only with respect to every canonical pass's output.
func Pipeline(facade *cfgfacade.Facade, opts PipelineOptions) []passmgr.Pass {
	pipeline := []passmgr.Pass{
		CallGraphAnalysis(),
		LargeFunctionFilter(),
		IntraMemoryAnalysis(facade),
		InterMemoryAnalysis(),
		CFGAnalysis(),
		LowerInstrumentation(),
		ValidateCFG(),
		LoweringStatistics(),
		DeadRegisterAnalysis(),
		BlockDeadRegisterAnalysis(),
		UnusedRegisterAnalysis(),
		SafePathCounting(),
	}
	if opts.EnableExceptionSafety {
		pipeline = append(pipeline,
			FunctionExceptionAnalysis(facade),
			UnsafeCallBlockAnalysis(),
		)
	}
	return pipeline
}
