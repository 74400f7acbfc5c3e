package passes

import (
	"testing"

	"github.com/go-litecfi/litecfi/pkg/callgraph"
	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
	"github.com/go-litecfi/litecfi/pkg/passmgr"
)

// callBlocks wires a two-block caller shape: a block ending in a call
// to callee, falling through to a block ending in a return - the
// minimal CFG shape every scenario below needs for a "calls X" leg.
func callBlocks(caller, callee *cfgfacade.Function, bodyAddr uint64) {
	callInsn := cfgfacade.Instruction{
		Addr:          bodyAddr,
		Len:           5,
		Category:      cfgfacade.CategoryCall,
		HasJumpTarget: true,
		JumpTarget:    callee.Addr,
	}
	retInsn := cfgfacade.Instruction{
		Addr:     bodyAddr + 5,
		Len:      1,
		Category: cfgfacade.CategoryReturn,
	}
	b1 := &cfgfacade.Block{Start: bodyAddr, Instructions: []cfgfacade.Instruction{callInsn}, Func: caller}
	b2 := &cfgfacade.Block{Start: bodyAddr + 5, Instructions: []cfgfacade.Instruction{retInsn}, Func: caller}
	e := &cfgfacade.Edge{Type: cfgfacade.EdgeCallFT, Source: b1, Target: b2}
	b1.Out = append(b1.Out, e)
	b2.In = append(b2.In, e)

	caller.Entry = b1
	caller.Blocks = []*cfgfacade.Block{b1, b2}
	caller.Returns = []*cfgfacade.Block{b2}
	caller.Exits = []*cfgfacade.Block{b2}
}

// singleBlockLeaf builds a one-block function: an optional body
// instruction (e.g. a memory read or an unsafe stack write) followed
// by a return.
func singleBlockLeaf(fn *cfgfacade.Function, body *cfgfacade.Instruction) {
	var insns []cfgfacade.Instruction
	addr := fn.Addr
	if body != nil {
		body.Addr = addr
		insns = append(insns, *body)
		addr += uint64(body.Len)
	}
	insns = append(insns, cfgfacade.Instruction{Addr: addr, Len: 1, Category: cfgfacade.CategoryReturn})
	b := &cfgfacade.Block{Start: fn.Addr, Instructions: insns, Func: fn}
	fn.Entry = b
	fn.Blocks = []*cfgfacade.Block{b}
	fn.Returns = []*cfgfacade.Block{b}
	fn.Exits = []*cfgfacade.Block{b}
}

func runPipeline(t *testing.T, obj *cfgfacade.Object) (passmgr.AnalysisResult, *passmgr.PassManager, *callgraph.Graph) {
	t.Helper()
	facade := cfgfacade.NewFacade(obj)
	g := callgraph.Build(facade)
	callgraph.ResolveIndirectCalls(g)

	pm := passmgr.New(Pipeline(facade, PipelineOptions{})...)
	result, err := pm.Run(g)
	if err != nil {
		t.Fatalf("pipeline run: %v", err)
	}
	return result, pm, g
}

// TestSafeLeafHasNoWrites is Scenario A: a leaf function that only
// reads memory is safe, and its write flag stays false.
func TestSafeLeafHasNoWrites(t *testing.T) {
	obj := &cfgfacade.Object{Path: "a.out", Linkage: map[uint64]string{}}

	leafFn := &cfgfacade.Function{Name: "leaf_fn", Addr: 0x2000, End: 0x2010, Obj: obj}
	readInsn := cfgfacade.Instruction{
		Len:      3,
		MemReads: []cfgfacade.MemOperand{{Base: cfgfacade.RDI}},
	}
	singleBlockLeaf(leafFn, &readInsn)

	callerFn := &cfgfacade.Function{Name: "caller_fn", Addr: 0x1000, End: 0x1010, Obj: obj}
	callBlocks(callerFn, leafFn, 0x1000)

	obj.Functions = []*cfgfacade.Function{callerFn, leafFn}

	_, pm, g := runPipeline(t, obj)

	leafSummary := pm.Store[leafFn]
	if leafSummary == nil {
		t.Fatalf("expected a summary for leaf_fn")
	}
	if leafSummary.Writes {
		t.Fatalf("expected leaf_fn.writes = false, got true")
	}
	if !leafSummary.Safe {
		t.Fatalf("expected leaf_fn.safe = true")
	}
	if !leafSummary.UnusedRegs[cfgfacade.RBX] {
		t.Fatalf("expected RBX to be an unused register for leaf_fn, got %v", leafSummary.UnusedRegs)
	}

	if g.Node(callerFn) == nil {
		t.Fatalf("expected a call-graph node for caller_fn")
	}
}

// TestUnsafeNonLeafPropagatesChildWrites is Scenario B: a function
// whose callee writes into the return-address slot propagates
// writes=true up through child_writes.
func TestUnsafeNonLeafPropagatesChildWrites(t *testing.T) {
	obj := &cfgfacade.Object{Path: "a.out", Linkage: map[uint64]string{}}

	nsLeaf := &cfgfacade.Function{Name: "ns_leaf_fn", Addr: 0x3000, End: 0x3010, Obj: obj}
	unsafeWrite := cfgfacade.Instruction{
		Len:       4,
		Writes:    []cfgfacade.Reg{},
		MemWrites: []cfgfacade.MemOperand{{Base: cfgfacade.RSP, Disp: 0}},
	}
	singleBlockLeaf(nsLeaf, &unsafeWrite)

	nonLeaf := &cfgfacade.Function{Name: "non_leaf_fn", Addr: 0x1000, End: 0x1010, Obj: obj}
	callBlocks(nonLeaf, nsLeaf, 0x1000)

	obj.Functions = []*cfgfacade.Function{nonLeaf, nsLeaf}

	_, pm, _ := runPipeline(t, obj)

	nsLeafSummary := pm.Store[nsLeaf]
	if !nsLeafSummary.SelfWrites {
		t.Fatalf("expected ns_leaf_fn.self_writes = true")
	}
	if nsLeafSummary.Safe {
		t.Fatalf("expected ns_leaf_fn.safe = false")
	}

	nonLeafSummary := pm.Store[nonLeaf]
	if !nonLeafSummary.ChildWrites {
		t.Fatalf("expected non_leaf_fn.child_writes = true")
	}
	if !nonLeafSummary.Writes {
		t.Fatalf("expected non_leaf_fn.writes = true")
	}
	if nonLeafSummary.Safe {
		t.Fatalf("expected non_leaf_fn.safe = false")
	}
}

// TestIndirectCallResolvedByConstantPropagation is Scenario C: a call
// through a register loaded from a constant resolves to a direct
// callee and only sets has_indirect_cf, not assume_unsafe.
func TestIndirectCallResolvedByConstantPropagation(t *testing.T) {
	obj := &cfgfacade.Object{Path: "a.out", Linkage: map[uint64]string{}}

	leafFn := &cfgfacade.Function{Name: "leaf_fn", Addr: 0x4000, End: 0x4010, Obj: obj}
	singleBlockLeaf(leafFn, nil)

	load := cfgfacade.Instruction{
		Addr:     0x1000,
		Len:      7,
		Writes:   []cfgfacade.Reg{cfgfacade.RAX},
		MemReads: []cfgfacade.MemOperand{{Disp: int64(leafFn.Addr)}},
	}
	call := cfgfacade.Instruction{
		Addr:              0x1007,
		Len:               2,
		Category:          cfgfacade.CategoryCall,
		Reads:             []cfgfacade.Reg{cfgfacade.RAX},
		CallTargetUnknown: true,
	}
	ret := cfgfacade.Instruction{Addr: 0x1009, Len: 1, Category: cfgfacade.CategoryReturn}
	b := &cfgfacade.Block{Start: 0x1000, Instructions: []cfgfacade.Instruction{load, call}}
	retBlock := &cfgfacade.Block{Start: 0x1009, Instructions: []cfgfacade.Instruction{ret}}
	e := &cfgfacade.Edge{Type: cfgfacade.EdgeCallFT, Source: b, Target: retBlock}
	b.Out = append(b.Out, e)
	retBlock.In = append(retBlock.In, e)
	caller := &cfgfacade.Function{Name: "caller_fn", Addr: 0x1000, End: 0x1010, Obj: obj}
	b.Func, retBlock.Func = caller, caller
	caller.Entry = b
	caller.Blocks = []*cfgfacade.Block{b, retBlock}
	caller.Returns = []*cfgfacade.Block{retBlock}
	caller.Exits = []*cfgfacade.Block{retBlock}

	obj.Functions = []*cfgfacade.Function{caller, leafFn}

	_, pm, _ := runPipeline(t, obj)

	callerSummary := pm.Store[caller]
	if !callerSummary.HasIndirectCF {
		t.Fatalf("expected caller_fn.has_indirect_cf = true")
	}
	if callerSummary.AssumeUnsafe {
		t.Fatalf("expected caller_fn.assume_unsafe = false once the indirect call resolved")
	}
	if !callerSummary.Callees[leafFn] {
		t.Fatalf("expected the resolved call-graph edge to leaf_fn")
	}
}

// TestUnknownControlFlowForcesAssumeUnsafe is Scenario D: an
// unresolved indirect jump forces has_unknown_cf and assume_unsafe.
func TestUnknownControlFlowForcesAssumeUnsafe(t *testing.T) {
	obj := &cfgfacade.Object{Path: "a.out", Linkage: map[uint64]string{}}

	jmp := cfgfacade.Instruction{
		Addr:              0x1000,
		Len:               3,
		Category:          cfgfacade.CategoryOther,
		Reads:             []cfgfacade.Reg{cfgfacade.RAX},
		MemReads:          []cfgfacade.MemOperand{{Base: cfgfacade.RAX, Disp: 8}},
		CallTargetUnknown: true,
	}
	b := &cfgfacade.Block{Start: 0x1000, Instructions: []cfgfacade.Instruction{jmp}}
	fn := &cfgfacade.Function{Name: "with_unknown_jump", Addr: 0x1000, End: 0x1010, Obj: obj}
	b.Func = fn
	fn.Entry = b
	fn.Blocks = []*cfgfacade.Block{b}
	fn.Exits = []*cfgfacade.Block{b}

	obj.Functions = []*cfgfacade.Function{fn}

	_, pm, _ := runPipeline(t, obj)

	s := pm.Store[fn]
	if !s.HasUnknownCF {
		t.Fatalf("expected has_unknown_cf = true")
	}
	if !s.AssumeUnsafe {
		t.Fatalf("expected assume_unsafe = true")
	}
	if s.Safe {
		t.Fatalf("expected safe = false")
	}
}
