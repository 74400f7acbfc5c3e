package passes

import (
	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// MaxEnumeratedPaths bounds SafePathCounting's simple-path enumeration
// (§4.4's "enumerates acyclic paths"): a handful of functions in real
// binaries have a combinatorial number of simple source-to-sink
// paths, so the walk gives up and reports the cap rather than
// blowing up the analysis run. This never affects the Safe verdict
// itself (set from writes/assume_unsafe, not from the path count).
const MaxEnumeratedPaths = 4096

// SafePathCounting is pass 12, the pipeline's final step: it
// enumerates simple (non-repeating) entry-to-exit paths through the
// function's own block CFG that touch no block in unsafe_blocks,
// recording the count on FuncSummary.SafePaths, and sets the
// function's final Safe verdict per §3 invariant 2's base form:
// ¬writes ∧ ¬assume_unsafe (the "leaf-safe closure", which already
// subsumes the transitive case because Writes folds in ChildWrites).
func SafePathCounting() passmgr.Pass {
	return passmgr.Pass{
		Name: "safe-path-counting",
		RunLocal: func(fn *cfgfacade.Function, s *summary.FuncSummary, g *callgraph.Graph) error {
			s.SafePaths = countSafePaths(fn, s)
			s.Safe = !s.AssumeUnsafe && !s.Writes
			return nil
		},
	}
}

func countSafePaths(fn *cfgfacade.Function, s *summary.FuncSummary) int {
	if fn.Entry == nil {
		return 0
	}
	exits := map[*cfgfacade.Block]bool{}
	for _, b := range fn.Exits {
		exits[b] = true
	}

	count := 0
	visited := map[*cfgfacade.Block]bool{}
	var walk func(b *cfgfacade.Block)
	walk = func(b *cfgfacade.Block) {
		if count >= MaxEnumeratedPaths || s.UnsafeBlocks[b] || visited[b] {
			return
		}
		visited[b] = true
		defer func() { visited[b] = false }()

		succs := b.Successors()
		if exits[b] || len(succs) == 0 {
			count++
			return
		}
		for _, succ := range succs {
			if count >= MaxEnumeratedPaths {
				return
			}
			walk(succ)
		}
	}
	walk(fn.Entry)
	return count
}
