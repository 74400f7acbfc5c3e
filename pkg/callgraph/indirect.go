package callgraph

import "github.com/go-litecfi/litecfi/pkg/cfgfacade"

// slot is a simplified SSA value: either unknown, or a known constant
// (the address a register was last loaded with). This is a coarse
// stand-in for the original's full SSA-conversion-plus-backward-slice
// machinery: it only tracks the single most recent assignment per
// register within one block, which is enough to resolve the
// `mov reg, imm` ; `call reg` pattern (and an absolute load with no
// base or index register) without needing a general symbolic-execution
// engine. RIP-relative `lea` is not resolved (see immediateLoad).
type slot struct {
	known bool
	value uint64
}

// ResolveIndirectCalls performs a backward, block-local constant-
// propagation pass over every block ending in an indirect call, in an
// attempt to recover its target. Resolved edges are added to the
// graph exactly as if they had been direct; calls that remain
// irresolvable keep CallTargetUnknown's effect: the caller's summary
// must fall back to assume_unsafe (§4.2).
func ResolveIndirectCalls(g *Graph) {
	for fn, n := range g.nodes {
		addrToFunc := map[uint64]*cfgfacade.Function{}
		if fn.Obj != nil {
			for _, other := range fn.Obj.Functions {
				addrToFunc[other.Addr] = other
			}
		}
		for _, b := range fn.Blocks {
			last := b.LastInsn()
			if last == nil || last.Category != cfgfacade.CategoryCall || !last.CallTargetUnknown {
				continue
			}
			target, ok := resolveBlockTarget(b)
			if !ok {
				continue
			}
			if callee, ok := addrToFunc[target]; ok {
				n.Callees = append(n.Callees, callee)
				calleeNode := g.nodeFor(callee)
				calleeNode.Callers = append(calleeNode.Callers, fn)
				n.ResolvedIndirect[last.Addr] = true
			}
		}
	}
}

// resolveBlockTarget performs the symbolic slice: walk the block's
// instructions forward, tracking the last constant value moved or
// loaded into each register, then return the value of the first
// register the call reads that holds a known constant.
func resolveBlockTarget(b *cfgfacade.Block) (uint64, bool) {
	env := map[cfgfacade.Reg]slot{}

	for _, in := range b.Instructions {
		if in.Category == cfgfacade.CategoryCall {
			break
		}
		if len(in.Writes) != 1 {
			continue
		}
		dst := in.Writes[0]
		if c, ok := immediateLoad(in); ok {
			env[dst] = slot{known: true, value: c}
		} else {
			env[dst] = slot{}
		}
	}

	last := b.LastInsn()
	if last == nil {
		return 0, false
	}
	for _, r := range last.Reads {
		if s, ok := env[r]; ok && s.known {
			return s.value, true
		}
	}
	return 0, false
}

// immediateLoad recognizes the narrow set of shapes that load a
// provably-constant value: a `mov reg, imm` the decoder surfaced as an
// immediate, or an already-relocated absolute load with no base/index
// register. A RIP-relative LEA (common for function pointers and jump
// tables) is left unresolved - relocations aren't modeled at this
// layer, so its effective address can't be trusted.
func immediateLoad(in cfgfacade.Instruction) (uint64, bool) {
	if in.HasImm {
		return uint64(in.Imm), true
	}
	for _, mr := range in.MemReads {
		if mr.Base == cfgfacade.RegNone && mr.Index == cfgfacade.RegNone {
			return uint64(mr.Disp), true
		}
	}
	return 0, false
}
