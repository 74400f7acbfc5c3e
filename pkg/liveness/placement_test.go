package liveness

import (
	"testing"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
)

// TestCalculateEntryInstPointSkipsLiveRegister builds a two-instruction
// block where RSI is read by the second instruction (so it is live
// throughout the block) while RDI/RDX are never touched. The entry
// placement must pick two dead registers that exclude RSI.
func TestCalculateEntryInstPointSkipsLiveRegister(t *testing.T) {
	instrs := []cfgfacade.Instruction{
		{Addr: 0x1000, Len: 3, Category: cfgfacade.CategoryOther},
		{Addr: 0x1003, Len: 3, Category: cfgfacade.CategoryOther, Reads: []cfgfacade.Reg{cfgfacade.RSI}},
	}
	b := &cfgfacade.Block{Start: 0x1000, Instructions: instrs}

	fixed, best := CalculateEntryInstPoint(b, RegSet{})
	if fixed == nil {
		t.Fatalf("expected a fixed entry point at the block's first instruction")
	}
	if fixed.NewInstAddress != 0x1000 {
		t.Fatalf("expected the fixed point at 0x1000, got %#x", fixed.NewInstAddress)
	}
	if fixed.Reg1 == cfgfacade.RSI || fixed.Reg2 == cfgfacade.RSI {
		t.Fatalf("expected RSI to be excluded from the save set, got %v/%v", fixed.Reg1, fixed.Reg2)
	}
	if fixed.SaveCount != 2 {
		t.Fatalf("expected 2 registers available to save, got %d", fixed.SaveCount)
	}
	if best == nil || best.NewInstAddress != fixed.NewInstAddress {
		t.Fatalf("expected best to agree with fixed when the first instruction already qualifies")
	}
}

// TestCalculateExitInstPointPicksFromBlockEnd mirrors the entry test
// for the backward epilogue scan: with an empty liveOut, the last
// instruction in the block should immediately offer two dead
// registers in the tracked preference order.
func TestCalculateExitInstPointPicksFromBlockEnd(t *testing.T) {
	instrs := []cfgfacade.Instruction{
		{Addr: 0x2000, Len: 3, Category: cfgfacade.CategoryOther, Reads: []cfgfacade.Reg{cfgfacade.RSI}},
		{Addr: 0x2003, Len: 1, Category: cfgfacade.CategoryReturn},
	}
	b := &cfgfacade.Block{Start: 0x2000, Instructions: instrs}

	best := CalculateExitInstPoint(b, RegSet{})
	if best == nil {
		t.Fatalf("expected an exit placement")
	}
	if best.NewInstAddress != 0x2003 {
		t.Fatalf("expected the exit point at the block's last instruction, got %#x", best.NewInstAddress)
	}
	if best.SaveCount != 2 {
		t.Fatalf("expected 2 registers available to save, got %d", best.SaveCount)
	}
	if best.Reg1 != cfgfacade.RSI {
		t.Fatalf("expected RSI to be the first preference-order dead register, got %v", best.Reg1)
	}
}

// TestCalculateExitInstPointStopsAtFlagsRead verifies the epilogue
// scan refuses to walk past a conditional (flags-reading) instruction:
// with every tracked register already live on exit, neither
// instruction offers a dead register, and the scan must give up at
// the conditional rather than reporting a placement.
func TestCalculateExitInstPointStopsAtFlagsRead(t *testing.T) {
	instrs := []cfgfacade.Instruction{
		{Addr: 0x3000, Len: 2, Category: cfgfacade.CategoryConditional},
		{Addr: 0x3002, Len: 3, Category: cfgfacade.CategoryOther},
	}
	b := &cfgfacade.Block{Start: 0x3000, Instructions: instrs}

	liveOut := RegSet{
		cfgfacade.RSI: true, cfgfacade.RDI: true, cfgfacade.RDX: true, cfgfacade.RCX: true,
		cfgfacade.R8: true, cfgfacade.R9: true, cfgfacade.R10: true, cfgfacade.R11: true,
	}

	best := CalculateExitInstPoint(b, liveOut)
	if best != nil {
		t.Fatalf("expected no placement once every tracked register is live and the scan hits the conditional, got %+v", best)
	}
}
