package callgraph

import (
	"testing"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
)

func makeCallBlock(caller, callee *cfgfacade.Function) {
	call := cfgfacade.Instruction{
		Addr:          caller.Addr,
		Len:           5,
		Category:      cfgfacade.CategoryCall,
		HasJumpTarget: true,
		JumpTarget:    callee.Addr,
	}
	b := &cfgfacade.Block{Start: caller.Addr, Instructions: []cfgfacade.Instruction{call}, Func: caller}
	caller.Entry = b
	caller.Blocks = []*cfgfacade.Block{b}
}

func TestBuildResolvesDirectCallEdge(t *testing.T) {
	obj := &cfgfacade.Object{Path: "a.out", Linkage: map[uint64]string{}}
	callee := &cfgfacade.Function{Name: "callee", Addr: 0x2000, Obj: obj}
	calleeBlock := &cfgfacade.Block{Start: callee.Addr, Func: callee}
	callee.Entry = calleeBlock
	callee.Blocks = []*cfgfacade.Block{calleeBlock}

	caller := &cfgfacade.Function{Name: "caller", Addr: 0x1000, Obj: obj}
	makeCallBlock(caller, callee)

	obj.Functions = []*cfgfacade.Function{caller, callee}

	f := cfgfacade.NewFacade(obj)
	g := Build(f)

	cn := g.Node(caller)
	if cn == nil {
		t.Fatalf("expected a node for caller")
	}
	if len(cn.Callees) != 1 || cn.Callees[0] != callee {
		t.Fatalf("expected caller to have callee as its sole callee, got %v", cn.Callees)
	}
	calleeNode := g.Node(callee)
	if len(calleeNode.Callers) != 1 || calleeNode.Callers[0] != caller {
		t.Fatalf("expected callee to record caller, got %v", calleeNode.Callers)
	}
}

func TestResolveIndirectCallsRecoversAbsoluteLoad(t *testing.T) {
	obj := &cfgfacade.Object{Path: "a.out", Linkage: map[uint64]string{}}
	callee := &cfgfacade.Function{Name: "callee", Addr: 0x3000, Obj: obj}
	calleeBlock := &cfgfacade.Block{Start: callee.Addr, Func: callee}
	callee.Entry = calleeBlock
	callee.Blocks = []*cfgfacade.Block{calleeBlock}

	caller := &cfgfacade.Function{Name: "caller", Addr: 0x1000, Obj: obj}
	load := cfgfacade.Instruction{
		Addr:     caller.Addr,
		Len:      7,
		Mnemonic: "MOV RAX, [0x3000]",
		Writes:   []cfgfacade.Reg{cfgfacade.RAX},
		MemReads: []cfgfacade.MemOperand{{Disp: 0x3000}},
	}
	call := cfgfacade.Instruction{
		Addr:              caller.Addr + 7,
		Len:               2,
		Category:          cfgfacade.CategoryCall,
		Reads:             []cfgfacade.Reg{cfgfacade.RAX},
		CallTargetUnknown: true,
	}
	b := &cfgfacade.Block{Start: caller.Addr, Instructions: []cfgfacade.Instruction{load, call}, Func: caller}
	caller.Entry = b
	caller.Blocks = []*cfgfacade.Block{b}

	obj.Functions = []*cfgfacade.Function{caller, callee}

	f := cfgfacade.NewFacade(obj)
	g := Build(f)
	ResolveIndirectCalls(g)

	cn := g.Node(caller)
	if len(cn.Callees) != 1 || cn.Callees[0] != callee {
		t.Fatalf("expected indirect call to resolve to callee, got %v", cn.Callees)
	}
}

func TestResolveIndirectCallsRecoversImmediateMov(t *testing.T) {
	obj := &cfgfacade.Object{Path: "a.out", Linkage: map[uint64]string{}}
	callee := &cfgfacade.Function{Name: "callee", Addr: 0x5000, Obj: obj}
	calleeBlock := &cfgfacade.Block{Start: callee.Addr, Func: callee}
	callee.Entry = calleeBlock
	callee.Blocks = []*cfgfacade.Block{calleeBlock}

	caller := &cfgfacade.Function{Name: "caller", Addr: 0x1000, Obj: obj}
	load := cfgfacade.Instruction{
		Addr:     caller.Addr,
		Len:      10,
		Mnemonic: "MOV RAX, 0x5000",
		Writes:   []cfgfacade.Reg{cfgfacade.RAX},
		Imm:      int64(callee.Addr),
		HasImm:   true,
	}
	call := cfgfacade.Instruction{
		Addr:              caller.Addr + 10,
		Len:               2,
		Category:          cfgfacade.CategoryCall,
		Reads:             []cfgfacade.Reg{cfgfacade.RAX},
		CallTargetUnknown: true,
	}
	b := &cfgfacade.Block{Start: caller.Addr, Instructions: []cfgfacade.Instruction{load, call}, Func: caller}
	caller.Entry = b
	caller.Blocks = []*cfgfacade.Block{b}

	obj.Functions = []*cfgfacade.Function{caller, callee}

	g := Build(cfgfacade.NewFacade(obj))
	ResolveIndirectCalls(g)

	cn := g.Node(caller)
	if len(cn.Callees) != 1 || cn.Callees[0] != callee {
		t.Fatalf("expected register-immediate call to resolve to callee, got %v", cn.Callees)
	}
	if !cn.ResolvedIndirect[call.Addr] {
		t.Fatalf("expected the call site at %#x to be marked resolved", call.Addr)
	}
}
