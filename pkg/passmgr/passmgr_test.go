package passmgr

import (
	"errors"
	"testing"

	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

func fixtureGraph() *callgraph.Graph {
	obj := &cfgfacade.Object{Path: "a.out", Linkage: map[uint64]string{}}
	fn := &cfgfacade.Function{Name: "f", Addr: 0x1000, Obj: obj}
	b := &cfgfacade.Block{Start: fn.Addr, Func: fn}
	fn.Entry = b
	fn.Blocks = []*cfgfacade.Block{b}
	obj.Functions = []*cfgfacade.Function{fn}

	return callgraph.Build(cfgfacade.NewFacade(obj))
}

func TestRunAppliesLocalThenGlobal(t *testing.T) {
	g := fixtureGraph()

	var localCalls, globalCalls int
	pass := Pass{
		Name: "mark",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, _ *callgraph.Graph) error {
			localCalls++
			s.SelfWrites = true
			s.RecomputeWrites()
			return nil
		},
		RunGlobal: func(_ *callgraph.Graph, store summary.Store) error {
			globalCalls++
			if localCalls == 0 {
				t.Fatalf("expected local analysis to run before global analysis")
			}
			return nil
		},
	}

	pm := New(pass)
	result, err := pm.Run(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if localCalls != 1 || globalCalls != 1 {
		t.Fatalf("expected one local and one global call, got %d/%d", localCalls, globalCalls)
	}
	if len(result.Passes) != 1 || result.Passes[0].FunctionsRun != 1 {
		t.Fatalf("unexpected pass result: %+v", result.Passes)
	}
}

func TestRunCountsSafeAndUnsafeWithDefaultPredicate(t *testing.T) {
	g := fixtureGraph()

	pass := Pass{
		Name: "noop",
	}
	pm := New(pass)
	result, err := pm.Run(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pr := result.Passes[0]
	// No local step ran, so no summary was ever created for the
	// function; the safe/unsafe tally only counts functions that have
	// an entry in the store.
	if pr.SafeFunctions != 0 || pr.UnsafeFunctions != 0 {
		t.Fatalf("expected no summaries to exist yet, got %+v", pr)
	}
}

func TestRunAbortsOnLocalAnalysisError(t *testing.T) {
	g := fixtureGraph()
	wantErr := errors.New("boom")

	pass := Pass{
		Name: "fails",
		RunLocal: func(*cfgfacade.Function, *summary.FuncSummary, *callgraph.Graph) error {
			return wantErr
		},
	}

	pm := New(pass)
	_, err := pm.Run(g)
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("expected Run to propagate the local analysis error, got %v", err)
	}
}

func TestCustomIsSafeFunctionOverridesDefault(t *testing.T) {
	g := fixtureGraph()

	pass := Pass{
		Name: "always-unsafe",
		RunLocal: func(_ *cfgfacade.Function, s *summary.FuncSummary, _ *callgraph.Graph) error {
			return nil
		},
		IsSafeFunction: func(*summary.FuncSummary) bool { return false },
	}

	pm := New(pass)
	result, err := pm.Run(g)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pr := result.Passes[0]
	if pr.SafeFunctions != 0 || pr.UnsafeFunctions != 1 {
		t.Fatalf("expected the override predicate to force unsafe, got %+v", pr)
	}
}

func TestDefaultIsSafeFunction(t *testing.T) {
	s := summary.NewFuncSummary(&cfgfacade.Function{Name: "f"})
	if !DefaultIsSafeFunction(s) {
		t.Fatalf("expected a zero-value summary to be considered safe")
	}
	s.AssumeUnsafe = true
	if DefaultIsSafeFunction(s) {
		t.Fatalf("expected AssumeUnsafe to make the default predicate return false")
	}
}
