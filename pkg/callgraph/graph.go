// Package callgraph builds the whole-program call graph the analysis
// passes traverse. It is grounded on the original ShadowGuard
// analyzer's LazyCallGraph<T>, but replaces that template's
// self-populating recursive node (call_graph_impl.h) with an explicit
// worklist DFS over an id-addressed node arena, per the "lazy call
// graph" redesign note: a node's children are discovered on first
// visit and the arena never holds a pointer cycle a Go GC would have
// to reason about.
package callgraph

import (
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
)

// State is a node's visitation state during DFS construction.
type State int

const (
	Unvisited State = iota
	Visiting
	Done
)

// Node is one function in the call graph.
type Node struct {
	Func        *cfgfacade.Function
	State       State
	Callees     []*cfgfacade.Function
	Callers     []*cfgfacade.Function
	IsPLT       bool
	PLTName     string
	Unparseable bool
	// ResolvedIndirect marks, by call instruction address, every sink
	// call site ResolveIndirectCalls managed to fold to a constant
	// target (§4.2 steps 1-5). Pass 1 (call-graph analysis) consults
	// this to distinguish Scenario C (resolved, has_indirect_cf only)
	// from Scenario D (still unknown, has_unknown_cf + assume_unsafe).
	ResolvedIndirect map[uint64]bool
}

// Graph is the whole-program call graph: a node per recovered
// function (calls to PLT stubs are not nodes or edges), built by an explicit
// worklist walk from a set of roots rather than recursion, so
// arbitrarily deep or mutually-recursive call chains can't blow the
// Go stack building the graph itself.
type Graph struct {
	nodes   map[*cfgfacade.Function]*Node
	byName  map[string]*Node // PLT identity: first-seen wins (§9)
	Facade  *cfgfacade.Facade
}

// Build constructs the call graph for every non-PLT function the
// facade exposes. Direct call targets that are not a recovered
// function of the caller's object (PLT stubs, external code) get no
// edge; the call-graph analysis pass flags PLT calls from the object's
// Linkage map instead. Build does not set Node.Unparseable, IsPLT or
// PLTName.
func Build(f *cfgfacade.Facade) *Graph {
	g := &Graph{
		nodes:  map[*cfgfacade.Function]*Node{},
		byName: map[string]*Node{},
		Facade: f,
	}

	for _, fn := range f.NonPLTFunctions() {
		g.nodeFor(fn)
	}

	worklist := make([]*cfgfacade.Function, 0, len(g.nodes))
	for fn := range g.nodes {
		worklist = append(worklist, fn)
	}

	for len(worklist) > 0 {
		fn := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		n := g.nodes[fn]
		if n.State == Done {
			continue
		}
		n.State = Visiting
		g.resolveDirectEdges(n)
		n.State = Done
	}

	return g
}

func (g *Graph) nodeFor(fn *cfgfacade.Function) *Node {
	if n, ok := g.nodes[fn]; ok {
		return n
	}
	n := &Node{Func: fn, State: Unvisited, ResolvedIndirect: map[uint64]bool{}}
	g.nodes[fn] = n
	// First-seen-wins name index: if two objects both define a symbol
	// of this name (e.g. a statically linked libc alongside the main
	// binary), byName keeps the first node registered under that name.
	// Every later same-named function still gets its own node in
	// g.nodes; it is only left out of the name index.
	if _, seen := g.byName[fn.Name]; !seen {
		g.byName[fn.Name] = n
	}
	return n
}

// Node returns the graph node for fn, or nil if fn was never added.
func (g *Graph) Node(fn *cfgfacade.Function) *Node { return g.nodes[fn] }

// Nodes returns every node in the graph, in arbitrary (map) order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// resolveDirectEdges walks n's blocks looking for call instructions
// and resolves direct targets to callee nodes via addrToFunc, built
// from the caller's own object. Targets with no recovered Function
// (PLT stubs, external code) and indirect calls are skipped.
func (g *Graph) resolveDirectEdges(n *Node) {
	fn := n.Func
	addrToFunc := map[uint64]*cfgfacade.Function{}
	if fn.Obj != nil {
		for _, other := range fn.Obj.Functions {
			addrToFunc[other.Addr] = other
		}
	}

	for _, b := range fn.Blocks {
		last := b.LastInsn()
		if last == nil || last.Category != cfgfacade.CategoryCall {
			continue
		}
		if last.CallTargetUnknown {
			// Indirect call target: left for indirect.go's constant
			// propagation pass to try to resolve.
			continue
		}
		if !last.HasJumpTarget {
			continue
		}
		if callee, ok := addrToFunc[last.JumpTarget]; ok {
			n.Callees = append(n.Callees, callee)
			calleeNode := g.nodeFor(callee)
			calleeNode.Callers = append(calleeNode.Callers, fn)
			continue
		}
		// Else: a PLT/external target with no recovered Function body.
		// Tracked by FuncSummary.HasPLTCall, not as a graph node.
	}
}
