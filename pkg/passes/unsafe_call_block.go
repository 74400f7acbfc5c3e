package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// UnsafeCallBlockAnalysis is a supplemented pass recovered from
// original_source/src/passes.h, dropped from spec.md's canonical list
// of 12 but restored here as an opt-in diagnostic (gated by
// PipelineOptions.EnableExceptionSafety, see pipeline.go): it flags
// every block whose trailing call targets a callee this run never
// proved safe, populating UnsafeCallBlocks. It deliberately runs as a
// global pass (after every function's Safe verdict is final) rather
// than folding into the call-graph analysis pass, since a callee's
// Safe verdict isn't settled until the whole pipeline has run.
func UnsafeCallBlockAnalysis() passmgr.Pass {
	return passmgr.Pass{
		Name: "unsafe-call-block-analysis",
		RunGlobal: func(g *callgraph.Graph, store summary.Store) error {
			for _, n := range g.Nodes() {
				s := store[n.Func]
				if s == nil {
					continue
				}
				for _, b := range n.Func.Blocks {
					last := b.LastInsn()
					if last == nil || last.Category != cfgfacade.CategoryCall {
						continue
					}
					if !last.HasJumpTarget || last.CallTargetUnknown {
						s.UnsafeCallBlocks[b] = true
						continue
					}
					callee := calleeAt(n.Func, last.JumpTarget)
					if callee == nil {
						s.UnsafeCallBlocks[b] = true
						continue
					}
					cs := store[callee]
					if cs == nil || !cs.Safe {
						s.UnsafeCallBlocks[b] = true
					}
				}
			}
			return nil
		},
	}
}

func calleeAt(fn *cfgfacade.Function, addr uint64) *cfgfacade.Function {
	if fn.Obj == nil {
		return nil
	}
	for _, other := range fn.Obj.Functions {
		if other.Addr == addr {
			return other
		}
	}
	return nil
}
