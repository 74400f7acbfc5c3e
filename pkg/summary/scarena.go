package summary

import "github.com/go-litecfi/litecfi/pkg/cfgfacade"

// ComponentID addresses an SCComponent by index into an SCArena rather
// than by pointer, so the DAG's parent/child/target links can't form
// reference cycles a garbage collector has to reason about (the
// redesign note in §9: id-addressed arena instead of pointer
// back-edges for cyclic ownership).
type ComponentID int

// NoComponent is the sentinel for an unset ComponentID.
const NoComponent ComponentID = -1

// SCComponent is one strongly-connected component of a function's CFG,
// collapsed to a single DAG node by the lowering stage (§4.6). A
// singleton (non-looping) block is its own trivial SCC.
type SCComponent struct {
	ID       ComponentID
	Blocks   []*cfgfacade.Block
	Parents  []ComponentID
	Children []ComponentID
	// Targets are the components this one transfers control to that are
	// NOT part of its own child set (cross edges out of the loop/block).
	Targets []ComponentID
	Safe    bool
	// Lowered is set on a stack_push node whose push CoalesceIngress or
	// CoalesceEgress absorbed into a neighbouring real component.
	Lowered bool

	// Unsafe mirrors §3's SCComponent.unsafe: true once any block in
	// this component (or a call it makes) has been classified unsafe.
	// Kept alongside Safe (rather than replacing it) because Safe/
	// Unsafe are not strict complements during lowering: a node can be
	// visited and still undecided until ValidateCFG runs.
	Unsafe bool
	// StackPush marks a synthetic node LowerInstrumentation interposed
	// on a safe->unsafe edge: it contains no real Blocks, only a
	// single Target, the original unsafe component itself (the target
	// is not copied).
	StackPush bool
	// HeaderInstrumentation is set when CoalesceIngress/CoalesceEgress
	// absorbed a predecessor's push into this (real) component's own
	// entry/exit instead of leaving a separate stack_push node.
	HeaderInstrumentation bool
	// Returns is the subset of this component's Blocks that end in a
	// return instruction (§3).
	Returns []*cfgfacade.Block
}

// SCArena owns every SCComponent for one function.
type SCArena struct {
	components []*SCComponent
	// Entry is the component containing the function's entry Block;
	// lowering may redirect it to a synthetic root stack_push node
	// when the entry component itself is unsafe (§4.5).
	Entry ComponentID
}

// NewSCArena returns an empty arena.
func NewSCArena() *SCArena { return &SCArena{Entry: NoComponent} }

// Add allocates a new component and returns its id.
func (a *SCArena) Add(blocks []*cfgfacade.Block) ComponentID {
	id := ComponentID(len(a.components))
	a.components = append(a.components, &SCComponent{ID: id, Blocks: blocks})
	return id
}

// Get returns the component for id, or nil if id is out of range.
func (a *SCArena) Get(id ComponentID) *SCComponent {
	if int(id) < 0 || int(id) >= len(a.components) {
		return nil
	}
	return a.components[id]
}

// All returns every component in the arena, in allocation order.
func (a *SCArena) All() []*SCComponent { return a.components }

// Len reports how many components the arena holds.
func (a *SCArena) Len() int { return len(a.components) }

// AddEdge records a child/parent relationship between two components
// already present in the arena.
func (a *SCArena) AddEdge(parent, child ComponentID) {
	p, c := a.Get(parent), a.Get(child)
	if p == nil || c == nil {
		return
	}
	p.Children = append(p.Children, child)
	c.Parents = append(c.Parents, parent)
}

// AddTarget records a non-child control transfer from src to dst.
func (a *SCArena) AddTarget(src, dst ComponentID) {
	s := a.Get(src)
	if s == nil {
		return
	}
	s.Targets = append(s.Targets, dst)
}

// Successors returns every component comp transfers control to, in
// Targets-then-Children order, deduplicated. Lowering and path
// enumeration both want "every DAG successor" without caring which of
// the two slices recorded it.
func (a *SCArena) Successors(id ComponentID) []ComponentID {
	comp := a.Get(id)
	if comp == nil {
		return nil
	}
	seen := map[ComponentID]bool{}
	var out []ComponentID
	for _, lst := range [][]ComponentID{comp.Targets, comp.Children} {
		for _, t := range lst {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// ReplaceSuccessor rewrites every occurrence of oldID as a successor
// of src (in either Targets or Children) to newID instead - used by
// LowerInstrumentation to interpose a synthetic stack_push node on an
// existing edge without disturbing whichever slice originally
// recorded it.
func (a *SCArena) ReplaceSuccessor(src, oldID, newID ComponentID) {
	comp := a.Get(src)
	if comp == nil {
		return
	}
	for i, t := range comp.Targets {
		if t == oldID {
			comp.Targets[i] = newID
		}
	}
	for i, t := range comp.Children {
		if t == oldID {
			comp.Children[i] = newID
		}
	}
}
