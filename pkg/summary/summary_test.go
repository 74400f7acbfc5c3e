package summary

import (
	"testing"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
)

func TestGetOrCreateInitializesMaps(t *testing.T) {
	fn := &cfgfacade.Function{Name: "f", Addr: 0x1000}
	st := Store{}

	s := st.GetOrCreate(fn)
	if s.Func != fn {
		t.Fatalf("expected summary.Func to be fn")
	}
	if s.StackWrites == nil || s.AllWrites == nil || s.UnsafeBlocks == nil {
		t.Fatalf("expected NewFuncSummary to initialize maps, got %+v", s)
	}

	again := st.GetOrCreate(fn)
	if again != s {
		t.Fatalf("expected GetOrCreate to return the same summary on second call")
	}
}

func TestRecordStackWriteKeepsFirstSite(t *testing.T) {
	s := NewFuncSummary(&cfgfacade.Function{Name: "f"})
	first := WriteSite{Addr: 0x10, Offset: -16}
	second := WriteSite{Addr: 0x20, Offset: -16}

	s.RecordStackWrite(-16, first)
	s.RecordStackWrite(-16, second)

	if got := s.StackWrites[-16]; got != first {
		t.Fatalf("expected first-write-wins, got %+v", got)
	}
}

func TestUnsafeOffset(t *testing.T) {
	cases := []struct {
		off  int64
		want bool
	}{
		{-8, true},
		{0, true},
		{8, true},
		{-9, false},
		{-128, false},
	}
	for _, c := range cases {
		if got := UnsafeOffset(c.off); got != c.want {
			t.Errorf("UnsafeOffset(%d) = %v, want %v", c.off, got, c.want)
		}
	}
}

func TestWritesInvariantAndRecompute(t *testing.T) {
	s := NewFuncSummary(&cfgfacade.Function{Name: "f"})

	if !s.CheckWritesInvariant() {
		t.Fatalf("zero-value summary should satisfy the invariant")
	}

	s.SelfWrites = true
	if s.CheckWritesInvariant() {
		t.Fatalf("expected invariant to be violated before RecomputeWrites")
	}

	s.RecomputeWrites()
	if !s.Writes || !s.CheckWritesInvariant() {
		t.Fatalf("expected RecomputeWrites to set Writes and restore the invariant")
	}
}

func TestMarkUnsafeBlockIsMonotone(t *testing.T) {
	s := NewFuncSummary(&cfgfacade.Function{Name: "f"})
	b1 := &cfgfacade.Block{Start: 0x10}
	b2 := &cfgfacade.Block{Start: 0x20}

	s.MarkUnsafeBlock(b1)
	if !s.UnsafeBlocks[b1] {
		t.Fatalf("expected b1 marked unsafe")
	}
	s.MarkUnsafeBlock(b2)
	if !s.UnsafeBlocks[b1] || !s.UnsafeBlocks[b2] {
		t.Fatalf("expected both blocks to remain marked unsafe (monotone set)")
	}
}
