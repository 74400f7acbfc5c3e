// Package emit synthesizes the machine-code sequences §4.8 specifies:
// shadow-stack push/validate for the segment-addressed memory backend,
// the AVX/AVX-512 register-file backend, the single-register
// short-circuit fast path, and the memory-write sanitizer. There is no
// x86 assembler in the retrieved corpus - only decoders
// (golang.org/x/arch/x86/x86asm, used by pkg/cfgfacade) - so this
// package hand-encodes the narrow instruction set it needs rather than
// reaching for a library that isn't there.
package emit

import (
	"encoding/binary"

	"github.com/go-litecfi/litecfi/pkg/cfgfacade"
)

// regNum returns the 4-bit encoding of a general-purpose register (the
// three ModRM/SIB/opcode-extension bits plus the REX.B/R/X extension
// bit folded into one 0-15 value). Callers derive the need for a REX
// extension bit from the result being >= 8 (R8-R15). Unknown registers
// map to 0 (RAX).
func regNum(r cfgfacade.Reg) byte {
	switch r {
	case cfgfacade.RAX:
		return 0
	case cfgfacade.RCX:
		return 1
	case cfgfacade.RDX:
		return 2
	case cfgfacade.RBX:
		return 3
	case cfgfacade.RSP:
		return 4
	case cfgfacade.RBP:
		return 5
	case cfgfacade.RSI:
		return 6
	case cfgfacade.RDI:
		return 7
	case cfgfacade.R8:
		return 8
	case cfgfacade.R9:
		return 9
	case cfgfacade.R10:
		return 10
	case cfgfacade.R11:
		return 11
	case cfgfacade.R12:
		return 12
	case cfgfacade.R13:
		return 13
	case cfgfacade.R14:
		return 14
	case cfgfacade.R15:
		return 15
	default:
		return 0
	}
}

// rex builds a REX prefix byte. w selects 64-bit operand size; r/x/b
// extend the ModRM.reg, SIB.index and ModRM.rm/SIB.base fields
// respectively to address R8-R15.
func rex(w, r, x, b bool) byte {
	out := byte(0x40)
	if w {
		out |= 0x08
	}
	if r {
		out |= 0x04
	}
	if x {
		out |= 0x02
	}
	if b {
		out |= 0x01
	}
	return out
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | (rm & 7)
}

func disp32(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func rel32(v int32) []byte { return disp32(v) }

// gsAbsolute builds the ModRM+SIB+disp32 bytes for a `gs:[disp32]`
// operand: mod=00, rm=100 (SIB follows), SIB byte with base=101 (no
// base register, disp32 follows) and index=100 (no index) - the
// standard encoding for an absolute 32-bit displacement with a
// segment override, used throughout §4.8.1/§4.8.3/§4.8.4.
func gsAbsolute(reg byte, disp int32) []byte {
	// SIB byte 0x25 = scale=00 index=100(none) base=101(disp32, no base).
	out := []byte{modrm(0, reg, 4), 0x25}
	out = append(out, disp32(disp)...)
	return out
}

// movRegGS emits `mov dst, gs:[disp]` - segment-override prefix 0x65,
// REX.W, opcode 0x8B (load r64, r/m64), then the absolute-gs operand.
func movRegGS(dst cfgfacade.Reg, disp int32) []byte {
	out := []byte{0x65, rex(true, regNum(dst) >= 8, false, false), 0x8B}
	out = append(out, gsAbsolute(regNum(dst), disp)...)
	return out
}

// movGSReg emits `mov gs:[disp], src` - the store dual of movRegGS,
// opcode 0x89 (store r/m64, r64).
func movGSReg(disp int32, src cfgfacade.Reg) []byte {
	out := []byte{0x65, rex(true, regNum(src) >= 8, false, false), 0x89}
	out = append(out, gsAbsolute(regNum(src), disp)...)
	return out
}

// cmpRegGS emits `cmp dst, gs:[disp]`, the comparison dual of
// movRegGS, opcode 0x3B (r64, r/m64).
func cmpRegGS(dst cfgfacade.Reg, disp int32) []byte {
	out := []byte{0x65, rex(true, regNum(dst) >= 8, false, false), 0x3B}
	out = append(out, gsAbsolute(regNum(dst), disp)...)
	return out
}

// movRegMem emits `mov dst, [base+disp]` with disp32 addressing for
// simplicity (every caller in this package already knows a 32-bit
// displacement suffices for frame-relative offsets).
func movRegMem(dst, base cfgfacade.Reg, disp int32) []byte {
	out := []byte{rex(true, regNum(dst) >= 8, false, regNum(base) >= 8), 0x8B}
	bn := regNum(base)
	mrm := modrm(2, regNum(dst), bn)
	out = append(out, mrm)
	if bn&7 == 4 { // RSP/R12 need an explicit SIB byte
		out = append(out, 0x24)
	}
	out = append(out, disp32(disp)...)
	return out
}

// movMemReg emits `mov [base+disp], src`, the store dual of
// movRegMem.
func movMemReg(base cfgfacade.Reg, disp int32, src cfgfacade.Reg) []byte {
	out := []byte{rex(true, regNum(src) >= 8, false, regNum(base) >= 8), 0x89}
	bn := regNum(base)
	out = append(out, modrm(2, regNum(src), bn))
	if bn&7 == 4 {
		out = append(out, 0x24)
	}
	out = append(out, disp32(disp)...)
	return out
}

// movRegReg emits `mov dst, src`.
func movRegReg(dst, src cfgfacade.Reg) []byte {
	return []byte{
		rex(true, regNum(src) >= 8, false, regNum(dst) >= 8),
		0x89,
		modrm(3, regNum(src), regNum(dst)),
	}
}

// leaRegMem emits `lea dst, [base+disp]`.
func leaRegMem(dst, base cfgfacade.Reg, disp int32) []byte {
	out := []byte{rex(true, regNum(dst) >= 8, false, regNum(base) >= 8), 0x8D}
	bn := regNum(base)
	out = append(out, modrm(2, regNum(dst), bn))
	if bn&7 == 4 {
		out = append(out, 0x24)
	}
	out = append(out, disp32(disp)...)
	return out
}

// cmpRegMem emits `cmp dst, [base+disp]`, opcode 0x3B (r64, r/m64).
func cmpRegMem(dst, base cfgfacade.Reg, disp int32) []byte {
	out := []byte{rex(true, regNum(dst) >= 8, false, regNum(base) >= 8), 0x3B}
	bn := regNum(base)
	out = append(out, modrm(2, regNum(dst), bn))
	if bn&7 == 4 {
		out = append(out, 0x24)
	}
	out = append(out, disp32(disp)...)
	return out
}

// leaEffectiveAddr emits `lea dst, [base + index*scale + disp]` with a
// full SIB byte, for the memory-write sanitizer's bounds check (§4.8.4):
// unlike leaRegMem it supports a scaled index, at the cost of always
// emitting mod=10 (disp32) and a SIB byte even when index is RegNone.
func leaEffectiveAddr(dst, base, index cfgfacade.Reg, scale uint8, disp int32) []byte {
	bn := regNum(base)
	idxByte := byte(4) // 100 = no index
	scaleByte := byte(0)
	hasIndex := index != cfgfacade.RegNone
	if hasIndex {
		idxByte = regNum(index)
		switch scale {
		case 2:
			scaleByte = 1
		case 4:
			scaleByte = 2
		case 8:
			scaleByte = 3
		}
	}
	out := []byte{rex(true, regNum(dst) >= 8, hasIndex && idxByte >= 8, bn >= 8), 0x8D}
	out = append(out, modrm(2, regNum(dst), 4))
	out = append(out, scaleByte<<6|(idxByte&7)<<3|(bn&7))
	out = append(out, disp32(disp)...)
	return out
}

// cmpRegReg emits `cmp a, b`, opcode 0x39 (r/m64, r64 form: compares
// a against b, flags set as a-b).
func cmpRegReg(a, b cfgfacade.Reg) []byte {
	return []byte{
		rex(true, regNum(b) >= 8, false, regNum(a) >= 8),
		0x39,
		modrm(3, regNum(b), regNum(a)),
	}
}

// cmpRegImm32 emits `cmp dst, imm32`, opcode 0x81 /7.
func cmpRegImm32(dst cfgfacade.Reg, imm int32) []byte {
	out := []byte{rex(true, false, false, regNum(dst) >= 8), 0x81, modrm(3, 7, regNum(dst))}
	return append(out, disp32(imm)...)
}

// cmpMemImm32 emits `cmp qword [base+disp], imm32`, opcode 0x81 /7.
func cmpMemImm32(base cfgfacade.Reg, disp int32, imm int32) []byte {
	out := []byte{rex(true, false, false, regNum(base) >= 8), 0x81}
	bn := regNum(base)
	out = append(out, modrm(2, 7, bn))
	if bn&7 == 4 {
		out = append(out, 0x24)
	}
	out = append(out, disp32(disp)...)
	return append(out, disp32(imm)...)
}

// addRegImm32/subRegImm32 emit `add/sub dst, imm32` via opcode 0x81 /0
// or /5.
func addRegImm32(dst cfgfacade.Reg, imm int32) []byte {
	out := []byte{rex(true, false, false, regNum(dst) >= 8), 0x81, modrm(3, 0, regNum(dst))}
	return append(out, disp32(imm)...)
}

func subRegImm32(dst cfgfacade.Reg, imm int32) []byte {
	out := []byte{rex(true, false, false, regNum(dst) >= 8), 0x81, modrm(3, 5, regNum(dst))}
	return append(out, disp32(imm)...)
}

// push64/pop64 emit the single-byte-opcode+reg forms (50+r / 58+r),
// with a REX.B prefix when addressing R8-R15.
func push64(r cfgfacade.Reg) []byte {
	n := regNum(r)
	if n >= 8 {
		return []byte{rex(false, false, false, true), 0x50 + (n & 7)}
	}
	return []byte{0x50 + n}
}

func pop64(r cfgfacade.Reg) []byte {
	n := regNum(r)
	if n >= 8 {
		return []byte{rex(false, false, false, true), 0x58 + (n & 7)}
	}
	return []byte{0x58 + n}
}

// jccCond is a condition-code nibble for the two-byte Jcc encoding
// (0x0F 0x8{cond} rel32).
type jccCond byte

const (
	ccEqual        jccCond = 0x4 // JE/JZ
	ccNotEqual     jccCond = 0x5 // JNE/JNZ
	ccBelow        jccCond = 0x2 // JB (unsigned <), used for address comparisons
	ccAboveEqual   jccCond = 0x3 // JAE (unsigned >=), used for address comparisons
	ccGreaterEqual jccCond = 0xD // JGE (signed), used for the depth counter
)

// movRegImm64 emits `movabs dst, imm64` (REX.W B8+r io). Used to load
// the register-file dispatch table's base address, a value the
// rewriter fills in once the table's final placement is known -
// callers pass 0 as a placeholder.
func movRegImm64(dst cfgfacade.Reg, imm uint64) []byte {
	n := regNum(dst)
	out := []byte{rex(true, false, false, n >= 8), 0xB8 + (n & 7)}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, imm)
	return append(out, buf...)
}

// movReg32Imm32 emits `mov dst32, imm32` (B8+r id, no REX.W): the
// 32-bit form implicitly zero-extends into the full 64-bit register,
// which is all the depth-profiling call arguments need.
func movReg32Imm32(dst cfgfacade.Reg, imm int32) []byte {
	n := regNum(dst)
	out := []byte{}
	if n >= 8 {
		out = append(out, rex(false, false, false, true))
	}
	out = append(out, 0xB8+(n&7))
	return append(out, disp32(imm)...)
}

// shlRegImm8 emits `shl dst, imm8` (REX.W C1 /4 ib).
func shlRegImm8(dst cfgfacade.Reg, imm byte) []byte {
	return []byte{rex(true, false, false, regNum(dst) >= 8), 0xC1, modrm(3, 4, regNum(dst)), imm}
}

// addRegReg emits `add dst, src` (REX.W 01 /r).
func addRegReg(dst, src cfgfacade.Reg) []byte {
	return []byte{
		rex(true, regNum(src) >= 8, false, regNum(dst) >= 8),
		0x01,
		modrm(3, regNum(src), regNum(dst)),
	}
}

// callIndirectReg emits `call r` (FF /2).
func callIndirectReg(r cfgfacade.Reg) []byte {
	n := regNum(r)
	out := []byte{}
	if n >= 8 {
		out = append(out, rex(false, false, false, true))
	}
	return append(out, 0xFF, modrm(3, 2, n))
}

// callRel32 emits a direct near call to a relocatable target; the
// caller patches the placeholder once the target (a PLT stub or
// another emitted sequence) has a final address. Unlike buf.jcc/buf.jmp,
// whose rel32 is resolved against a label inside the same buffer, this
// placeholder is left for code outside the package to fill in.
func callRel32(rel int32) []byte {
	out := []byte{0xE8}
	return append(out, rel32(rel)...)
}

// retNear emits a bare `ret` (0xC3).
func retNear() []byte { return []byte{0xC3} }

// pushfq/popfq emit the flags-register save/restore pair (0x9C/0x9D),
// wrapped around any validation sequence that reads them (cmp, sub)
// when the containing block's dead-register set doesn't already prove
// flags dead (§9: flag preservation is required unless placement
// analysis proves otherwise).
func pushfq() []byte { return []byte{0x9C} }
func popfq() []byte  { return []byte{0x9D} }

// evexRR builds the 3-byte EVEX payload (P0 P1 P2) for a 128-bit,
// W1, no-mask, register-register instruction whose ModRM.reg operand
// is regNum5 (0-31, reaching the extended zmm16-31 range) and whose
// ModRM.rm operand is rmNum (0-15, an ordinary GPR). Scoped
// deliberately narrow: this package only ever moves a quadword between
// a GPR and the low 64 bits of one zmm16-31 register, never anything
// needing masking, broadcast, or a wider vector length.
func evexRR(mapSelect, pp byte, regNum5, rmNum int) []byte {
	r := byte((regNum5 >> 3) & 1)
	rPrime := byte((regNum5 >> 4) & 1)
	bBit := byte((rmNum >> 3) & 1)
	p0 := (^r&1)<<7 | (1&1)<<6 | (^bBit&1)<<5 | (^rPrime&1)<<4 | mapSelect&0x3
	// W=1, vvvv unused (1111b inverted), fixed bit 2 set.
	p1 := byte(1)<<7 | byte(0xF)<<3 | byte(1)<<2 | pp&0x3
	// z=0, L'L=00 (128-bit), b=0, V' unused (1 inverted), aaa=000.
	p2 := byte(1) << 3
	return []byte{0x62, p0, p1, p2}
}

// vmovqToXmm emits `vmovq xmm{lane}, gpr` (EVEX.128.66.0F.W1 6E /r):
// the push half of the register-file backend, storing a 64-bit value
// into the low quadword of an extended vector register.
func vmovqToXmm(lane int, gpr cfgfacade.Reg) []byte {
	out := evexRR(0x1, 0x1, lane, int(regNum(gpr)))
	return append(out, 0x6E, modrm(3, byte(lane&7), regNum(gpr)))
}

// vmovqFromXmm emits `vmovq gpr, xmm{lane}` (EVEX.128.66.0F.W1 7E /r):
// the pop half, the reverse data direction of vmovqToXmm.
func vmovqFromXmm(gpr cfgfacade.Reg, lane int) []byte {
	out := evexRR(0x1, 0x1, lane, int(regNum(gpr)))
	return append(out, 0x7E, modrm(3, byte(lane&7), regNum(gpr)))
}
