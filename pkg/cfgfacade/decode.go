package cfgfacade

import (
	"golang.org/x/arch/x86/x86asm"
)

// normalize folds sub-register aliases (EAX/AX/AL/AH...) onto their
// owning 64-bit GPR name, mirroring the original analyzer's
// Normalize() helper used before inserting a register into any
// read/write set.
func normalize(r x86asm.Reg) Reg {
	switch r {
	case 0:
		return RegNone
	case x86asm.RIP, x86asm.EIP, x86asm.IP:
		return RIP
	// The 8-bit bank inserts the legacy high-byte aliases (AH/CH/DH/BH)
	// right after AL/CL/DL/BL, so it can't be handled by the same
	// arithmetic offset as the other three banks.
	case x86asm.AH:
		return RAX
	case x86asm.CH:
		return RCX
	case x86asm.DH:
		return RDX
	case x86asm.BH:
		return RBX
	}

	idx := -1
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		idx = int(r - x86asm.AL)
	case r >= x86asm.SPB && r <= x86asm.DIB:
		idx = 4 + int(r-x86asm.SPB)
	case r >= x86asm.R8B && r <= x86asm.R15B:
		idx = 8 + int(r-x86asm.R8B)
	case r >= x86asm.AX && r <= x86asm.R15W:
		idx = int(r - x86asm.AX)
	case r >= x86asm.EAX && r <= x86asm.R15L:
		idx = int(r - x86asm.EAX)
	case r >= x86asm.RAX && r <= x86asm.R15:
		idx = int(r - x86asm.RAX)
	}

	if idx >= 0 && idx < len(gprNames) {
		return gprNames[idx]
	}

	return RegNone
}

var gprNames = []Reg{
	RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI,
	R8, R9, R10, R11, R12, R13, R14, R15,
}

func normalizeMem(m x86asm.Mem) MemOperand {
	return MemOperand{
		Segment: normalize(m.Segment),
		Base:    normalize(m.Base),
		Index:   normalize(m.Index),
		Scale:   m.Scale,
		Disp:    m.Disp,
	}
}

// category classifies the instruction per the Data Model's
// {call, return, conditional, other} scheme.
func category(inst x86asm.Inst) Category {
	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		return CategoryCall
	case x86asm.RET, x86asm.LRET:
		return CategoryReturn
	}
	if isConditionalJump(inst.Op) {
		return CategoryConditional
	}
	return CategoryOther
}

func isConditionalJump(op x86asm.Op) bool {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE,
		x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE,
		x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ,
		x86asm.JS:
		return true
	}
	return false
}

func isUnconditionalJump(op x86asm.Op) bool {
	return op == x86asm.JMP
}

// writesDestFirst reports whether an instruction's conventional first
// operand is a write destination. A handful of compare/test-style
// instructions only read their operands; everything else that follows
// the common `op dst, src` shape writes Args[0].
func writesDestFirst(op x86asm.Op) bool {
	switch op {
	case x86asm.CMP, x86asm.TEST, x86asm.BT:
		return false
	}
	return true
}

// DecodeInstruction decodes one x86-64 instruction at the given
// virtual address from raw bytes. It produces the approximate read/
// write register sets the analyzer needs: precise down to which
// registers participate, which is sufficient for liveness and
// stack-write classification even though it does not model every
// flag-only side effect.
func DecodeInstruction(addr uint64, code []byte) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, err
	}

	out := Instruction{
		Addr:     addr,
		Len:      inst.Len,
		Mnemonic: inst.String(),
		Category: category(inst),
	}

	destWrites := writesDestFirst(inst.Op)

	for argIdx, arg := range inst.Args {
		if arg == nil {
			continue
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			reg := normalize(a)
			if reg == RegNone {
				continue
			}
			if argIdx == 0 && destWrites {
				out.Writes = appendUnique(out.Writes, reg)
				// Most two-operand x86 forms (add, sub, and...) also
				// read the destination register before writing it.
				if readModifyWrite(inst.Op) {
					out.Reads = appendUnique(out.Reads, reg)
				}
			} else {
				out.Reads = appendUnique(out.Reads, reg)
			}
		case x86asm.Mem:
			mem := normalizeMem(a)
			if mem.Base != RegNone {
				out.Reads = appendUnique(out.Reads, mem.Base)
			}
			if mem.Index != RegNone {
				out.Reads = appendUnique(out.Reads, mem.Index)
			}
			if argIdx == 0 && destWrites && inst.Op != x86asm.LEA {
				out.MemWrites = append(out.MemWrites, mem)
			} else if inst.Op != x86asm.LEA {
				out.MemReads = append(out.MemReads, mem)
			}
		}
	}

	if inst.Op == x86asm.MOV {
		if imm, ok := inst.Args[1].(x86asm.Imm); ok {
			out.Imm, out.HasImm = int64(imm), true
		}
	}

	switch inst.Op {
	case x86asm.PUSH:
		out.Writes = appendUnique(out.Writes, RSP)
		out.Reads = appendUnique(out.Reads, RSP)
		out.MemWrites = append(out.MemWrites, MemOperand{Base: RSP, Disp: 0})
	case x86asm.POP:
		out.Writes = appendUnique(out.Writes, RSP)
		out.Reads = appendUnique(out.Reads, RSP)
		out.MemReads = append(out.MemReads, MemOperand{Base: RSP, Disp: 0})
	case x86asm.CALL:
		out.Writes = appendUnique(out.Writes, RSP)
		out.Reads = appendUnique(out.Reads, RSP)
	case x86asm.RET:
		out.Writes = appendUnique(out.Writes, RSP)
		out.Reads = appendUnique(out.Reads, RSP)
	}

	if dst, ok := inst.Args[0].(x86asm.Reg); ok && normalize(dst) == RSP {
		if imm, ok := inst.Args[1].(x86asm.Imm); ok {
			switch inst.Op {
			case x86asm.ADD:
				out.spAdjustKnown, out.spAdjustDelta = true, int64(imm)
			case x86asm.SUB:
				out.spAdjustKnown, out.spAdjustDelta = true, -int64(imm)
			}
		}
	}
	if inst.Op == x86asm.LEA {
		if dst, ok := inst.Args[0].(x86asm.Reg); ok && normalize(dst) == RSP {
			if mem, ok := inst.Args[1].(x86asm.Mem); ok && normalize(mem.Base) == RSP && mem.Index == 0 {
				out.spAdjustKnown, out.spAdjustDelta = true, mem.Disp
			}
		}
	}

	if len(inst.Args) > 0 {
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			out.HasJumpTarget = true
			out.JumpTarget = addr + uint64(inst.Len) + uint64(int64(rel))
		}
	}
	if (inst.Op == x86asm.CALL || inst.Op == x86asm.JMP || isConditionalJump(inst.Op)) && !out.HasJumpTarget {
		out.CallTargetUnknown = true
	}

	return out, nil
}

func readModifyWrite(op x86asm.Op) bool {
	switch op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.LEA, x86asm.POP:
		return false
	}
	return true
}

func appendUnique(regs []Reg, r Reg) []Reg {
	for _, existing := range regs {
		if existing == r {
			return regs
		}
	}
	return append(regs, r)
}
