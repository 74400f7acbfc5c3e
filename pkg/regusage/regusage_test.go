package regusage

import (
	"testing"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/summary"
)

func TestIsLeafNoCalls(t *testing.T) {
	fn := &cfgfacade.Function{
		Name: "leaf",
		Blocks: []*cfgfacade.Block{
			{Instructions: []cfgfacade.Instruction{{Category: cfgfacade.CategoryOther}}},
		},
	}
	if !IsLeaf(fn) {
		t.Fatalf("expected a function with no call instructions to be a leaf")
	}
}

func TestIsLeafWithCall(t *testing.T) {
	fn := &cfgfacade.Function{
		Name: "caller",
		Blocks: []*cfgfacade.Block{
			{Instructions: []cfgfacade.Instruction{{Category: cfgfacade.CategoryCall}}},
		},
	}
	if IsLeaf(fn) {
		t.Fatalf("expected a function containing a call instruction not to be a leaf")
	}
}

func TestAnalyzeUnusedRegisters(t *testing.T) {
	fn := &cfgfacade.Function{
		Name: "leaf",
		Blocks: []*cfgfacade.Block{
			{Instructions: []cfgfacade.Instruction{
				{Reads: []cfgfacade.Reg{cfgfacade.RDI}, Writes: []cfgfacade.Reg{cfgfacade.RAX}},
			}},
		},
	}
	s := summary.NewFuncSummary(fn)
	Analyze(fn, s, true)

	if s.UnusedRegs[cfgfacade.RDI] || s.UnusedRegs[cfgfacade.RAX] {
		t.Fatalf("expected RDI/RAX to be used, got %+v", s.UnusedRegs)
	}
	if !s.UnusedRegs[cfgfacade.RBX] {
		t.Fatalf("expected RBX (never touched) to be unused, got %+v", s.UnusedRegs)
	}
	if !s.RegisterUsage.IsLeaf {
		t.Fatalf("expected RegisterUsage.IsLeaf to mirror the isLeaf argument")
	}
}

func TestAnalyzeRedZoneAndMoveDownSP(t *testing.T) {
	fn := &cfgfacade.Function{
		Name: "rz",
		Blocks: []*cfgfacade.Block{
			{Instructions: []cfgfacade.Instruction{
				{MemReads: []cfgfacade.MemOperand{{Base: cfgfacade.RSP, Disp: -16}}},
			}},
		},
	}
	s := summary.NewFuncSummary(fn)
	Analyze(fn, s, true)

	if !s.RedZoneAccess[-16] {
		t.Fatalf("expected [RSP-16] to be recorded as a red-zone access, got %+v", s.RedZoneAccess)
	}
	if s.MoveDownSP {
		t.Fatalf("expected MoveDownSP false for an access within the 128-byte red zone")
	}
}

func TestAnalyzeMoveDownSPBeyondRedZone(t *testing.T) {
	fn := &cfgfacade.Function{
		Name: "big",
		Blocks: []*cfgfacade.Block{
			{Instructions: []cfgfacade.Instruction{
				{MemWrites: []cfgfacade.MemOperand{{Base: cfgfacade.RSP, Disp: -200}}},
			}},
		},
	}
	s := summary.NewFuncSummary(fn)
	Analyze(fn, s, true)

	if !s.MoveDownSP {
		t.Fatalf("expected MoveDownSP true for an access past the 128-byte red zone")
	}
}
