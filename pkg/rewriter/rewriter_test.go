package rewriter

import (
	"errors"
	"testing"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/emit"
)

// fakePatcher records the calls Apply makes, in order, so tests can
// assert on sequencing and on the no-partial-patching abort behavior
// without needing a real ELF image.
type fakePatcher struct {
	spliced []Splice
	needed  string
	closed  bool
	failOn  int // Splice call index (0-based) to fail at; -1 never fails
}

func (p *fakePatcher) Splice(fn *cfgfacade.Function, point emit.Point, code []byte) error {
	if len(p.spliced) == p.failOn {
		return errors.New("injected splice failure")
	}
	p.spliced = append(p.spliced, Splice{Func: fn, Point: point, Code: code})
	return nil
}

func (p *fakePatcher) AddNeededLibrary(soname string) error {
	p.needed = soname
	return nil
}

func (p *fakePatcher) Close() error {
	p.closed = true
	return nil
}

func testSplice(addr uint64) Splice {
	fn := &cfgfacade.Function{Name: "f", Addr: addr}
	return Splice{Func: fn, Point: emit.Point{Kind: emit.FunctionEntry, Func: fn, Addr: addr}, Code: []byte{0x90}}
}

func TestApplyReplaysSplicesThenNeededLibraryThenClose(t *testing.T) {
	p := &fakePatcher{failOn: -1}
	plan := Plan{
		Splices:       []Splice{testSplice(0x1000), testSplice(0x2000)},
		NeededLibrary: "litecfi_runtime.so",
	}

	if err := Apply(p, plan); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(p.spliced) != 2 {
		t.Fatalf("expected 2 splices applied, got %d", len(p.spliced))
	}
	if p.needed != "litecfi_runtime.so" {
		t.Fatalf("expected AddNeededLibrary to be called with the plan's soname, got %q", p.needed)
	}
	if !p.closed {
		t.Fatal("expected Close to run after a successful plan")
	}
}

func TestApplyStopsAtFirstSpliceFailure(t *testing.T) {
	p := &fakePatcher{failOn: 1}
	plan := Plan{Splices: []Splice{testSplice(0x1000), testSplice(0x2000), testSplice(0x3000)}}

	err := Apply(p, plan)
	if err == nil {
		t.Fatal("expected Apply to surface the injected splice failure")
	}
	if len(p.spliced) != 1 {
		t.Fatalf("expected exactly 1 splice to have landed before the failure, got %d", len(p.spliced))
	}
	if p.closed {
		t.Fatal("expected Close not to run when a splice fails midway through the plan")
	}
}

func TestApplySkipsNeededLibraryWhenEmpty(t *testing.T) {
	p := &fakePatcher{failOn: -1}
	if err := Apply(p, Plan{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.needed != "" {
		t.Fatalf("expected AddNeededLibrary not to be called for an empty Plan, got %q", p.needed)
	}
	if !p.closed {
		t.Fatal("expected Close to still run for an empty Plan")
	}
}
