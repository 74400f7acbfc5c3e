package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// InterMemoryAnalysis is pass 4: it propagates child_writes up from
// callees to callers (child_writes := OR over callees of
// callee.writes), then recomputes writes := self_writes OR
// child_writes OR assume_unsafe (§3's invariant, §4.3 step 4).
// Rather than a recursive walk, it sweeps every call-graph node
// repeatedly until a full sweep changes nothing, so recursive and
// mutually-recursive cycles converge without recursing on the Go call
// stack (§9's "lazy call graph" redesign note applies equally here).
func InterMemoryAnalysis() passmgr.Pass {
	return passmgr.Pass{
		Name: "inter-procedural-memory-analysis",
		RunGlobal: func(g *callgraph.Graph, store summary.Store) error {
			changed := true
			for changed {
				changed = false
				for _, n := range g.Nodes() {
					s := store.GetOrCreate(n.Func)
					childWrites := false
					for callee := range s.Callees {
						cs := store.GetOrCreate(callee)
						if cs.Writes {
							childWrites = true
							break
						}
					}
					if childWrites != s.ChildWrites {
						s.ChildWrites = childWrites
						changed = true
					}
					before := s.Writes
					s.RecomputeWrites()
					if s.Writes != before {
						changed = true
					}
				}
			}
			return nil
		},
	}
}
