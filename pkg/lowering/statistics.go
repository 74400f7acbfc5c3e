package lowering

import "github.com/go-litecfi/litecfi/pkg/summary"

// pathMemoKey distinguishes "entering this component having already
// crossed a stack_push" from "entering it clean", since a path's
// safe/unsafe classification is sticky once it crosses one (§4.5:
// "a stack_push node forces the rest of the walk to be counted as
// unsafe").
type pathMemoKey struct {
	id           summary.ComponentID
	alreadyUnsafe bool
}

// Statistics computes §4.5's per-function lowering statistics:
// n_original_nodes/n_lowered_nodes, safe_paths/unsafe_paths (entry-to-
// terminal walks), increase and safe_ratio. Path counts are computed
// by memoized DP over the DAG rather than explicit path enumeration,
// since every arena edge strictly decreases component id (Tarjan's
// completion order): the recursion always terminates and never
// revisits the same (component, alreadyUnsafe) pair twice.
func Statistics(s *summary.FuncSummary) {
	arena := s.CFG
	if arena == nil {
		return
	}

	original, lowered := 0, 0
	for _, comp := range arena.All() {
		lowered++
		if !comp.StackPush {
			original++
		}
	}

	memo := map[pathMemoKey][2]int{} // [0]=safe path count, [1]=unsafe path count
	var count func(id summary.ComponentID, alreadyUnsafe bool) [2]int
	count = func(id summary.ComponentID, alreadyUnsafe bool) [2]int {
		key := pathMemoKey{id, alreadyUnsafe}
		if v, ok := memo[key]; ok {
			return v
		}
		comp := arena.Get(id)
		if comp == nil {
			return [2]int{}
		}
		unsafeNow := alreadyUnsafe || comp.StackPush || comp.HeaderInstrumentation || comp.Unsafe
		succs := arena.Successors(id)
		if len(succs) == 0 {
			var v [2]int
			if unsafeNow {
				v = [2]int{0, 1}
			} else {
				v = [2]int{1, 0}
			}
			memo[key] = v
			return v
		}
		var total [2]int
		for _, succID := range succs {
			c := count(succID, unsafeNow)
			total[0] += c[0]
			total[1] += c[1]
		}
		memo[key] = total
		return total
	}

	var totals [2]int
	if arena.Len() > 0 {
		totals = count(arena.Entry, false)
	}

	stats := summary.Stats{
		OriginalNodes: original,
		LoweredNodes:  lowered,
		SafePaths:     totals[0],
		UnsafePaths:   totals[1],
	}
	if original > 0 {
		stats.Increase = float64(lowered-original) / float64(original)
	}
	if totals[0]+totals[1] > 0 {
		stats.SafeRatio = float64(totals[0]) / float64(totals[0]+totals[1])
	}
	s.Stats = stats
	s.SafePaths = totals[0]
}
