// Package lowering builds each function's SCC-DAG (the loop forest
// used to minimize how many paths get shadow-stack instrumentation,
// §4.6) and lowers it: inserting stack_push/validate instrumentation
// markers on every edge that crosses from a safe region into an
// unsafe one, then coalescing adjacent ingress/egress points so a
// straight-line run of unsafe blocks gets one instrumentation site
// instead of one per edge. Grounded on passes.h's CFGAnalysis/
// LowerInstrumentation/CoalesceIngressInstrumentation/
// CoalesceEgressInstrumentation/ValidateCFG/LoweringStatistics pass
// family, reimplemented as an explicit Tarjan SCC walk over the id-
// addressed arena in pkg/summary instead of the original's recursive
// component-graph construction.
package lowering

import (
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// BuildSCCDAG computes fn's strongly-connected components (Tarjan)
// and records them into a fresh arena on s.CFG. Every edge between
// two components of the underlying block CFG is recorded as a Target;
// Parents and Children are left empty.
func BuildSCCDAG(fn *cfgfacade.Function, s *summary.FuncSummary) {
	t := &tarjan{
		index:   map[*cfgfacade.Block]int{},
		low:     map[*cfgfacade.Block]int{},
		onStack: map[*cfgfacade.Block]bool{},
	}
	for _, b := range fn.Blocks {
		if _, seen := t.index[b]; !seen {
			t.strongConnect(b)
		}
	}

	arena := summary.NewSCArena()
	blockComponent := map[*cfgfacade.Block]summary.ComponentID{}
	for _, scc := range t.sccs {
		id := arena.Add(scc)
		for _, b := range scc {
			blockComponent[b] = id
		}
	}

	// A block ending in a call terminates into a virtual exit (the
	// callee), not a DAG edge: mark the owning component unsafe (§4.5:
	// "calls terminate into a virtual exit and are marked unsafe on
	// the owning component"). A block ending in a return is recorded
	// on its component's Returns set instead of producing a DAG edge.
	for _, b := range fn.Blocks {
		comp := arena.Get(blockComponent[b])
		last := b.LastInsn()
		if last == nil || comp == nil {
			continue
		}
		switch last.Category {
		case cfgfacade.CategoryCall:
			comp.Unsafe = true
		case cfgfacade.CategoryReturn:
			comp.Returns = append(comp.Returns, b)
		}
	}

	seenEdge := map[[2]summary.ComponentID]bool{}
	for _, b := range fn.Blocks {
		src := blockComponent[b]
		for _, succ := range b.Successors() {
			dst, ok := blockComponent[succ]
			if !ok || dst == src {
				continue
			}
			key := [2]summary.ComponentID{src, dst}
			if seenEdge[key] {
				continue
			}
			seenEdge[key] = true
			arena.AddTarget(src, dst)
		}
	}

	if fn.Entry != nil {
		if id, ok := blockComponent[fn.Entry]; ok {
			arena.Entry = id
		}
	}

	s.CFG = arena
}

// tarjan runs Tarjan's SCC algorithm with an explicit stack so
// arbitrarily long chains of blocks don't recurse on the Go call
// stack.
type tarjan struct {
	counter int
	index   map[*cfgfacade.Block]int
	low     map[*cfgfacade.Block]int
	onStack map[*cfgfacade.Block]bool
	stack   []*cfgfacade.Block
	sccs    [][]*cfgfacade.Block
}

type frame struct {
	b       *cfgfacade.Block
	succIdx int
}

func (t *tarjan) strongConnect(start *cfgfacade.Block) {
	work := []*frame{{b: start}}
	t.push(start)

	for len(work) > 0 {
		top := work[len(work)-1]
		b := top.b
		succs := b.Successors()

		if top.succIdx < len(succs) {
			succ := succs[top.succIdx]
			top.succIdx++
			if _, seen := t.index[succ]; !seen {
				t.push(succ)
				work = append(work, &frame{b: succ})
				continue
			} else if t.onStack[succ] {
				if t.index[succ] < t.low[b] {
					t.low[b] = t.index[succ]
				}
			}
			continue
		}

		// All successors processed; pop this frame.
		work = work[:len(work)-1]
		if len(work) > 0 {
			parent := work[len(work)-1].b
			if t.low[b] < t.low[parent] {
				t.low[parent] = t.low[b]
			}
		}

		if t.low[b] == t.index[b] {
			var scc []*cfgfacade.Block
			for {
				w := t.stack[len(t.stack)-1]
				t.stack = t.stack[:len(t.stack)-1]
				t.onStack[w] = false
				scc = append(scc, w)
				if w == b {
					break
				}
			}
			t.sccs = append(t.sccs, scc)
		}
	}
}

func (t *tarjan) push(b *cfgfacade.Block) {
	t.index[b] = t.counter
	t.low[b] = t.counter
	t.counter++
	t.stack = append(t.stack, b)
	t.onStack[b] = true
}
