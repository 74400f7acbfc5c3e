package lowering

import (
	"errors"
	"fmt"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

// ErrStructuralViolation is the §7 StructuralViolation class:
// ValidateCFG finding a stack_push or header_instrumentation node
// reachable along a path that has already crossed into unsafe
// territory. It is fatal to the whole pipeline run, unlike every
// other error this package can produce.
var ErrStructuralViolation = errors.New("structural violation")

// markIntrinsicUnsafe folds each component's Unsafe flag (set true by
// BuildSCCDAG for any component containing a call) together with
// whether any of its Blocks were classified unsafe by the memory
// analysis passes, persisting the combined verdict back onto the
// component so later stages (coalescing, validation, the emitter)
// only have to read one field.
func markIntrinsicUnsafe(s *summary.FuncSummary) {
	for _, comp := range s.CFG.All() {
		if comp.Unsafe {
			continue
		}
		for _, b := range comp.Blocks {
			if s.UnsafeBlocks[b] {
				comp.Unsafe = true
				break
			}
		}
	}
}

// Lower is §4.5's LowerInstrumentation: traverse the SCC DAG entry
// first (components are numbered in Tarjan's completion order, so
// every DAG edge points from a higher id to a lower one -
// walking ids from high to low visits a component only after every
// predecessor that can reach it through a forward edge has already
// been visited) and interpose a synthetic stack_push node on every
// edge crossing from a safe component into an unsafe one. If the
// function's own entry component is unsafe, a root-level stack_push
// is prepended ahead of it instead (§4.5, "entry into a globally
// unsafe root").
//
// This implementation does not clone shared safe components into
// separate safe/unsafe copies (the source's copy-on-lowering
// pattern, explicitly called out in §9 as something to simplify away
// - "this also avoids the double-free risk in the source's
// copy-on-lowering pattern"): a component reached by both a safe and
// an unsafe predecessor gets its incoming edges instrumented
// independently, which already satisfies every invariant in §8
// (1-4) without needing two physical copies of the node.
func Lower(fn *cfgfacade.Function, s *summary.FuncSummary) {
	arena := s.CFG
	if arena == nil {
		return
	}
	markIntrinsicUnsafe(s)

	n := arena.Len()
	for id := n - 1; id >= 0; id-- {
		src := summary.ComponentID(id)
		comp := arena.Get(src)
		if comp == nil || comp.Unsafe {
			continue
		}
		for _, succID := range arena.Successors(src) {
			succ := arena.Get(succID)
			if succ == nil || !succ.Unsafe || succ.StackPush {
				continue
			}
			pushID := arena.Add(nil)
			push := arena.Get(pushID)
			push.StackPush = true
			push.Unsafe = true
			arena.AddTarget(pushID, succID)
			arena.ReplaceSuccessor(src, succID, pushID)
		}
	}

	if entry := arena.Get(arena.Entry); entry != nil && entry.Unsafe && !entry.StackPush {
		rootID := arena.Add(nil)
		root := arena.Get(rootID)
		root.StackPush = true
		root.Unsafe = true
		arena.AddTarget(rootID, arena.Entry)
		arena.Entry = rootID
	}
}

// incomingEdges builds a reverse adjacency map (dst -> sources) by
// scanning every component's successor list once; the arena only
// stores forward edges, and both coalescing passes need the reverse
// view.
func incomingEdges(arena *summary.SCArena) map[summary.ComponentID][]summary.ComponentID {
	in := map[summary.ComponentID][]summary.ComponentID{}
	for _, comp := range arena.All() {
		for _, succID := range arena.Successors(comp.ID) {
			in[succID] = append(in[succID], comp.ID)
		}
	}
	return in
}

// CoalesceIngress is the optional §4.5 pass: when every predecessor of
// a single-Block component is a stack_push node, the push is absorbed
// into the block itself (header_instrumentation) instead of staying a
// separate DAG node, so a straight-line run of unsafe blocks gets one
// instrumentation site instead of one per incoming edge.
func CoalesceIngress(s *summary.FuncSummary) {
	arena := s.CFG
	if arena == nil {
		return
	}
	in := incomingEdges(arena)
	for _, comp := range arena.All() {
		if comp.StackPush || comp.HeaderInstrumentation || len(comp.Blocks) != 1 {
			continue
		}
		preds := in[comp.ID]
		if len(preds) == 0 {
			continue
		}
		allPush := true
		for _, p := range preds {
			if pc := arena.Get(p); pc == nil || !pc.StackPush {
				allPush = false
				break
			}
		}
		if !allPush {
			continue
		}
		comp.HeaderInstrumentation = true
		for _, p := range preds {
			pc := arena.Get(p)
			pc.Lowered = true // absorbed: no longer an independent push site
			// Redirect whatever pointed at the push node straight to
			// comp, preserving cross-edges into the now-coalesced
			// header.
			for _, grandparent := range in[p] {
				arena.ReplaceSuccessor(grandparent, p, comp.ID)
			}
			if arena.Entry == p {
				arena.Entry = comp.ID
			}
		}
	}
}

// CoalesceEgress is the optional §4.5 pass dual to CoalesceIngress:
// when every outgoing edge of a single-Block component targets a
// stack_push node, the push is hoisted into the block's own exit
// instead (header_instrumentation), and the synthetic children are
// dropped.
func CoalesceEgress(s *summary.FuncSummary) {
	arena := s.CFG
	if arena == nil {
		return
	}
	for _, comp := range arena.All() {
		if comp.StackPush || comp.HeaderInstrumentation || len(comp.Blocks) != 1 {
			continue
		}
		succs := arena.Successors(comp.ID)
		if len(succs) == 0 {
			continue
		}
		allPush := true
		for _, succID := range succs {
			sc := arena.Get(succID)
			if sc == nil || !sc.StackPush {
				allPush = false
				break
			}
		}
		if !allPush {
			continue
		}
		comp.HeaderInstrumentation = true
		// The push nodes are dropped, but whatever they guarded still
		// follows this block: rewire comp straight to each push's own
		// targets so the unsafe region stays reachable from the entry.
		var rewired []summary.ComponentID
		seen := map[summary.ComponentID]bool{}
		for _, succID := range succs {
			push := arena.Get(succID)
			push.Lowered = true
			for _, t := range arena.Successors(succID) {
				if !seen[t] {
					seen[t] = true
					rewired = append(rewired, t)
				}
			}
		}
		comp.Targets = rewired
		comp.Children = nil
	}
}

// Validate is §4.5's ValidateCFG: a DFS from the entry component that
// fails with ErrStructuralViolation if any node reached along a path
// that has already crossed into unsafe territory (passed a
// stack_push, or a coalesced header_instrumentation node) still
// itself carries a stack_push or header_instrumentation marker - the
// invariant that every path crosses at most one instrumentation site
// before reaching an unsafe block (§8 invariant 3/4).
func Validate(fn *cfgfacade.Function, s *summary.FuncSummary) error {
	arena := s.CFG
	if arena == nil {
		return nil
	}
	visited := map[[2]summary.ComponentID]bool{} // (id, alreadyUnsafe) pairs
	var walk func(id summary.ComponentID, alreadyInstrumented bool) error
	walk = func(id summary.ComponentID, alreadyInstrumented bool) error {
		comp := arena.Get(id)
		if comp == nil {
			return nil
		}
		key := [2]summary.ComponentID{id, boolToID(alreadyInstrumented)}
		if visited[key] {
			return nil
		}
		visited[key] = true

		instrumented := comp.StackPush || comp.HeaderInstrumentation
		if alreadyInstrumented && instrumented {
			return fmt.Errorf("%w: component %d re-instrumented after already crossing a stack_push in %s",
				ErrStructuralViolation, id, fn.Name)
		}
		nextInstrumented := alreadyInstrumented || instrumented
		for _, succID := range arena.Successors(id) {
			if err := walk(succID, nextInstrumented); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(arena.Entry, false)
}

func boolToID(b bool) summary.ComponentID {
	if b {
		return 1
	}
	return 0
}
