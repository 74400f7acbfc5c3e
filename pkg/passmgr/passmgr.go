// Package passmgr runs an ordered sequence of analysis/transform
// passes over a call graph and a shared FuncSummary store. A Pass is
// a value, not an interface implementation: three function-valued
// fields stand in for the original's RunLocalAnalysis/
// RunGlobalAnalysis/IsSafeFunction virtual methods
// (original_source/src/pass_manager.h), so new passes are built by
// composing closures rather than by subclassing (§9's "no
// inheritance" redesign note).
package passmgr

import (
	"fmt"

	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// LocalAnalysisFunc runs a per-function analysis step. It returns an
// error only for a hard failure (malformed input); any
// function-specific "couldn't resolve this" condition is recorded on
// the summary as AssumeUnsafe or a flag, never as a Go error, mirroring
// the original's policy that per-function uncertainty degrades
// conservatively instead of aborting the run.
type LocalAnalysisFunc func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error

// GlobalAnalysisFunc runs a whole-graph step after every function has
// had its local analysis applied (e.g. the interprocedural writes
// fixed point, or the unsafe-call-block diagnostic).
type GlobalAnalysisFunc func(g *callgraph.Graph, store summary.Store) error

// SafeFunctionFunc is a pass-specific override of what counts as
// "safe" for the pass's safe-function count (e.g. the intra-procedural
// memory analysis additionally requires a function to have no
// callees).
type SafeFunctionFunc func(s *summary.FuncSummary) bool

// Pass is one named step in the pipeline. Any of the three fields may
// be nil; PassManager.Run skips a nil RunLocal or RunGlobal and uses
// DefaultIsSafeFunction for a nil IsSafeFunction.
type Pass struct {
	Name           string
	RunLocal       LocalAnalysisFunc
	RunGlobal      GlobalAnalysisFunc
	IsSafeFunction SafeFunctionFunc
}

// DefaultIsSafeFunction is the fallback predicate passes inherit when
// they don't override IsSafeFunction: a function is safe unless
// explicitly marked AssumeUnsafe or found to write to an unsafe stack
// offset (§3's `writes` flag).
func DefaultIsSafeFunction(s *summary.FuncSummary) bool {
	return !s.AssumeUnsafe && !s.Writes
}

// PassResult records one pass's outcome for diagnostics and for the
// pipeline's cumulative safe-function counter.
type PassResult struct {
	Name            string
	FunctionsRun    int
	SafeFunctions   int
	UnsafeFunctions int
}

// AnalysisResult is the PassManager's full run report.
type AnalysisResult struct {
	Passes []PassResult
}

// PassManager runs Passes, in order, over every function the call
// graph knows about.
type PassManager struct {
	Passes []Pass
	Store  summary.Store
}

// New returns a manager with an initialized summary store.
func New(passes ...Pass) *PassManager {
	return &PassManager{Passes: passes, Store: summary.Store{}}
}

// Run executes every pass in order: local analysis over each
// function first, then the pass's global analysis step, matching
// pass_manager.h's RunPass ordering. A pass's local analysis error
// aborts the whole run; per-function degradation must be expressed
// through the summary, not a returned error.
func (pm *PassManager) Run(g *callgraph.Graph) (AnalysisResult, error) {
	var result AnalysisResult

	for _, p := range pm.Passes {
		pr := PassResult{Name: p.Name}

		if p.RunLocal != nil {
			for _, n := range g.Nodes() {
				s := pm.Store.GetOrCreate(n.Func)
				if err := p.RunLocal(n.Func, s, g); err != nil {
					return result, fmt.Errorf("pass %q on function %q: %w", p.Name, n.Func.Name, err)
				}
				pr.FunctionsRun++
			}
		}

		if p.RunGlobal != nil {
			if err := p.RunGlobal(g, pm.Store); err != nil {
				return result, fmt.Errorf("pass %q global analysis: %w", p.Name, err)
			}
		}

		safePredicate := p.IsSafeFunction
		if safePredicate == nil {
			safePredicate = DefaultIsSafeFunction
		}
		for _, n := range g.Nodes() {
			s := pm.Store[n.Func]
			if s == nil {
				continue
			}
			if safePredicate(s) {
				pr.SafeFunctions++
			} else {
				pr.UnsafeFunctions++
			}
		}

		result.Passes = append(result.Passes, pr)
	}

	return result, nil
}
