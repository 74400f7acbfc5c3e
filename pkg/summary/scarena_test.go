package summary

import "testing"

func TestSCArenaAddAndGet(t *testing.T) {
	a := NewSCArena()
	if a.Entry != NoComponent {
		t.Fatalf("expected a fresh arena to have no entry")
	}

	id := a.Add(nil)
	if a.Len() != 1 {
		t.Fatalf("expected one component after Add, got %d", a.Len())
	}
	if got := a.Get(id); got == nil || got.ID != id {
		t.Fatalf("expected Get(%d) to return the added component", id)
	}
	if got := a.Get(ComponentID(99)); got != nil {
		t.Fatalf("expected out-of-range Get to return nil, got %+v", got)
	}
}

func TestSCArenaEdgesAndSuccessors(t *testing.T) {
	a := NewSCArena()
	parent := a.Add(nil)
	child := a.Add(nil)
	target := a.Add(nil)

	a.AddEdge(parent, child)
	a.AddTarget(parent, target)

	p := a.Get(parent)
	if len(p.Children) != 1 || p.Children[0] != child {
		t.Fatalf("expected parent.Children = [child], got %v", p.Children)
	}
	c := a.Get(child)
	if len(c.Parents) != 1 || c.Parents[0] != parent {
		t.Fatalf("expected child.Parents = [parent], got %v", c.Parents)
	}

	succ := a.Successors(parent)
	if len(succ) != 2 {
		t.Fatalf("expected two successors (target, child), got %v", succ)
	}
	seen := map[ComponentID]bool{}
	for _, s := range succ {
		seen[s] = true
	}
	if !seen[child] || !seen[target] {
		t.Fatalf("expected successors to include both child and target, got %v", succ)
	}
}

func TestSCArenaSuccessorsDeduplicates(t *testing.T) {
	a := NewSCArena()
	src := a.Add(nil)
	dst := a.Add(nil)

	a.AddEdge(src, dst)
	a.AddTarget(src, dst)

	succ := a.Successors(src)
	if len(succ) != 1 || succ[0] != dst {
		t.Fatalf("expected a single deduplicated successor, got %v", succ)
	}
}

func TestSCArenaReplaceSuccessor(t *testing.T) {
	a := NewSCArena()
	src := a.Add(nil)
	oldTarget := a.Add(nil)
	newTarget := a.Add(nil)

	a.AddTarget(src, oldTarget)
	a.AddEdge(src, oldTarget)

	a.ReplaceSuccessor(src, oldTarget, newTarget)

	comp := a.Get(src)
	for _, t2 := range comp.Targets {
		if t2 == oldTarget {
			t.Fatalf("expected oldTarget to be replaced in Targets, got %v", comp.Targets)
		}
	}
	for _, t2 := range comp.Children {
		if t2 == oldTarget {
			t.Fatalf("expected oldTarget to be replaced in Children, got %v", comp.Children)
		}
	}
}
