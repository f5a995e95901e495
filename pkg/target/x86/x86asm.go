// Package x86 emits the x86-64 instruction forms the amd64 target needs.
// Values are 32 bits wide unless a method name says otherwise.
package x86

import (
	"encoding/binary"
)

// x86-64 register encoding
type Reg byte

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// Cond is the low nibble of a Jcc opcode.
type Cond byte

const (
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondS  Cond = 0x8
	CondNS Cond = 0x9
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

// Assembler emits x86-64 machine code. With a nil buffer it only counts
// bytes, which gives exact sizes for layout.
type Assembler struct {
	buf    []byte
	offset int
}

// NewAssembler creates an assembler targeting the given buffer
func NewAssembler(buf []byte) *Assembler {
	return &Assembler{buf: buf, offset: 0}
}

// Offset returns current write position
func (a *Assembler) Offset() int {
	return a.offset
}

// Bytes returns the assembled code
func (a *Assembler) Bytes() []byte {
	return a.buf[:a.offset]
}

func (a *Assembler) emit(bytes ...byte) {
	if a.buf != nil {
		copy(a.buf[a.offset:], bytes)
	}
	a.offset += len(bytes)
}

func (a *Assembler) emitUint32(v uint32) {
	if a.buf != nil {
		binary.LittleEndian.PutUint32(a.buf[a.offset:], v)
	}
	a.offset += 4
}

func (a *Assembler) emitUint64(v uint64) {
	if a.buf != nil {
		binary.LittleEndian.PutUint64(a.buf[a.offset:], v)
	}
	a.offset += 8
}

func (a *Assembler) emitInt32(v int32) {
	a.emitUint32(uint32(v))
}

// rex builds REX prefix: 0100WRXB
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// rexOpt emits a REX prefix only when an extended register is involved.
func (a *Assembler) rexOpt(reg, rm Reg) {
	if reg >= 8 || rm >= 8 {
		a.emit(rex(false, reg >= 8, false, rm >= 8))
	}
}

// rexByte forces a REX prefix for SPL/BPL/SIL/DIL byte access.
func (a *Assembler) rexByte(reg, rm Reg) {
	if reg >= 8 || rm >= 8 || reg >= RSP {
		a.emit(rex(false, reg >= 8, false, rm >= 8))
	}
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

// emitMemOperand emits ModR/M and displacement for [base + disp]
func (a *Assembler) emitMemOperand(reg, base Reg, disp int32) {
	if base == RSP || base == R12 {
		if disp == 0 {
			a.emit(modRM(0x00, reg, RSP), 0x24)
		} else if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, RSP), 0x24, byte(disp))
		} else {
			a.emit(modRM(0x80, reg, RSP), 0x24)
			a.emitInt32(disp)
		}
	} else if base == RBP || base == R13 {
		if disp >= -128 && disp <= 127 {
			a.emit(modRM(0x40, reg, base), byte(disp))
		} else {
			a.emit(modRM(0x80, reg, base))
			a.emitInt32(disp)
		}
	} else if disp == 0 {
		a.emit(modRM(0x00, reg, base))
	} else if disp >= -128 && disp <= 127 {
		a.emit(modRM(0x40, reg, base), byte(disp))
	} else {
		a.emit(modRM(0x80, reg, base))
		a.emitInt32(disp)
	}
}

// emitSIB emits ModR/M + SIB for [base + index<<scale]. R13 and RBP bases
// need an explicit zero displacement.
func (a *Assembler) emitSIB(reg, base, index Reg, scale byte) {
	sib := (scale&3)<<6 | (byte(index)&7)<<3 | byte(base)&7
	if base == RBP || base == R13 {
		a.emit(modRM(0x40, reg, RSP), sib, 0)
		return
	}
	a.emit(modRM(0x00, reg, RSP), sib)
}

// MovRegReg32: mov dst32, src32
func (a *Assembler) MovRegReg32(dst, src Reg) {
	a.rexOpt(src, dst)
	a.emit(0x89, modRM(0xC0, src, dst))
}

// MovRegImm32: mov reg32, imm32
func (a *Assembler) MovRegImm32(reg Reg, imm uint32) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xB8 | byte(reg&7))
	a.emitUint32(imm)
}

// MovRegImm64: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	a.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	a.emitUint64(imm)
}

// MovRegMem32: mov reg32, [base + disp32]
func (a *Assembler) MovRegMem32(reg, base Reg, disp int32) {
	a.rexOpt(reg, base)
	a.emit(0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovRegMem64: mov reg, [base + disp32]
func (a *Assembler) MovRegMem64(reg, base Reg, disp int32) {
	a.emit(rex(true, reg >= 8, false, base >= 8), 0x8B)
	a.emitMemOperand(reg, base, disp)
}

// MovzxRegMem8: movzx reg32, byte [base + disp32]
func (a *Assembler) MovzxRegMem8(reg, base Reg, disp int32) {
	a.rexOpt(reg, base)
	a.emit(0x0F, 0xB6)
	a.emitMemOperand(reg, base, disp)
}

// MovsxRegMem8: movsx reg32, byte [base + disp32]
func (a *Assembler) MovsxRegMem8(reg, base Reg, disp int32) {
	a.rexOpt(reg, base)
	a.emit(0x0F, 0xBE)
	a.emitMemOperand(reg, base, disp)
}

// MovzxRegMem16: movzx reg32, word [base + disp32]
func (a *Assembler) MovzxRegMem16(reg, base Reg, disp int32) {
	a.rexOpt(reg, base)
	a.emit(0x0F, 0xB7)
	a.emitMemOperand(reg, base, disp)
}

// MovsxRegMem16: movsx reg32, word [base + disp32]
func (a *Assembler) MovsxRegMem16(reg, base Reg, disp int32) {
	a.rexOpt(reg, base)
	a.emit(0x0F, 0xBF)
	a.emitMemOperand(reg, base, disp)
}

// MovMem32Reg: mov dword [base + disp32], reg
func (a *Assembler) MovMem32Reg(base Reg, disp int32, reg Reg) {
	a.rexOpt(reg, base)
	a.emit(0x89)
	a.emitMemOperand(reg, base, disp)
}

// MovMem16Reg: mov word [base + disp32], reg
func (a *Assembler) MovMem16Reg(base Reg, disp int32, reg Reg) {
	a.emit(0x66)
	a.rexOpt(reg, base)
	a.emit(0x89)
	a.emitMemOperand(reg, base, disp)
}

// MovMem8Reg: mov byte [base + disp32], reg
func (a *Assembler) MovMem8Reg(base Reg, disp int32, reg Reg) {
	a.rexByte(reg, base)
	a.emit(0x88)
	a.emitMemOperand(reg, base, disp)
}

// MovRegMemIdx32: mov reg32, [base + index<<scale], zero/sign extending
// narrow loads. opcode selects the load form (0x8B, 0xB6, 0xBE, 0xB7, 0xBF).
func (a *Assembler) MovRegMemIdx32(opcode byte, reg, base, index Reg, scale byte) {
	if reg >= 8 || base >= 8 || index >= 8 {
		a.emit(rex(false, reg >= 8, index >= 8, base >= 8))
	}
	if opcode != 0x8B {
		a.emit(0x0F)
	}
	a.emit(opcode)
	a.emitSIB(reg, base, index, scale)
}

// MovMemIdxReg: mov [base + index<<scale], reg with width 1, 2 or 4 bytes.
func (a *Assembler) MovMemIdxReg(width int, base, index, reg Reg, scale byte) {
	if width == 2 {
		a.emit(0x66)
	}
	if reg >= 8 || base >= 8 || index >= 8 || (width == 1 && reg >= RSP) {
		a.emit(rex(false, reg >= 8, index >= 8, base >= 8))
	}
	if width == 1 {
		a.emit(0x88)
	} else {
		a.emit(0x89)
	}
	a.emitSIB(reg, base, index, scale)
}

// AluRegReg32 emits a two-operand ALU op "op dst32, src32" where opcode is the
// r/m,reg form (0x01 add, 0x11 adc, 0x29 sub, 0x19 sbb, 0x21 and, 0x09 or,
// 0x31 xor, 0x39 cmp, 0x85 test).
func (a *Assembler) AluRegReg32(opcode byte, dst, src Reg) {
	a.rexOpt(src, dst)
	a.emit(opcode, modRM(0xC0, src, dst))
}

// AluRegImm32 emits "op reg32, imm32" for the 0x81 group (ext 0 add, 2 adc,
// 5 sub, 3 sbb, 4 and, 1 or, 6 xor, 7 cmp).
func (a *Assembler) AluRegImm32(ext byte, reg Reg, imm int32) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	if imm >= -128 && imm <= 127 {
		a.emit(0x83, modRM(0xC0, Reg(ext), reg), byte(imm))
		return
	}
	a.emit(0x81, modRM(0xC0, Reg(ext), reg))
	a.emitInt32(imm)
}

// IMulRegReg32: imul dst32, src32
func (a *Assembler) IMulRegReg32(dst, src Reg) {
	a.rexOpt(dst, src)
	a.emit(0x0F, 0xAF, modRM(0xC0, dst, src))
}

// IMulRegRegImm32: imul dst32, src32, imm32
func (a *Assembler) IMulRegRegImm32(dst, src Reg, imm int32) {
	a.rexOpt(dst, src)
	a.emit(0x69, modRM(0xC0, dst, src))
	a.emitInt32(imm)
}

// NotReg32: not reg32
func (a *Assembler) NotReg32(reg Reg) {
	a.rexOpt(0, reg)
	a.emit(0xF7, modRM(0xC0, 2, reg))
}

// NegReg32: neg reg32
func (a *Assembler) NegReg32(reg Reg) {
	a.rexOpt(0, reg)
	a.emit(0xF7, modRM(0xC0, 3, reg))
}

// ShiftRegCL32 emits a D3 group shift (ext 4 shl, 5 shr, 7 sar, 1 ror).
func (a *Assembler) ShiftRegCL32(ext byte, reg Reg) {
	a.rexOpt(0, reg)
	a.emit(0xD3, modRM(0xC0, Reg(ext), reg))
}

// ShiftRegImm8_32 emits a C1 group shift by an immediate.
func (a *Assembler) ShiftRegImm8_32(ext byte, reg Reg, imm byte) {
	a.rexOpt(0, reg)
	a.emit(0xC1, modRM(0xC0, Reg(ext), reg), imm)
}

// MovsxRegReg8: movsx dst32, src8
func (a *Assembler) MovsxRegReg8(dst, src Reg) {
	a.rexByte(dst, src)
	a.emit(0x0F, 0xBE, modRM(0xC0, dst, src))
}

// MovsxRegReg16: movsx dst32, src16
func (a *Assembler) MovsxRegReg16(dst, src Reg) {
	a.rexOpt(dst, src)
	a.emit(0x0F, 0xBF, modRM(0xC0, dst, src))
}

// MovzxRegReg16: movzx dst32, src16
func (a *Assembler) MovzxRegReg16(dst, src Reg) {
	a.rexOpt(dst, src)
	a.emit(0x0F, 0xB7, modRM(0xC0, dst, src))
}

// CmpRegImm32: cmp reg32, imm32
func (a *Assembler) CmpRegImm32(reg Reg, imm int32) {
	a.AluRegImm32(7, reg, imm)
}

// JccNear: jcc rel32
func (a *Assembler) JccNear(cond Cond, rel32 int32) {
	a.emit(0x0F, 0x80|byte(cond))
	a.emitInt32(rel32)
}

// JmpRel32: jmp rel32
func (a *Assembler) JmpRel32(rel32 int32) {
	a.emit(0xE9)
	a.emitInt32(rel32)
}

// CallReg: call reg
func (a *Assembler) CallReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 2, reg))
}

// LeaRipRel: lea reg, [rip + rel32]
func (a *Assembler) LeaRipRel(reg Reg, rel32 int32) {
	a.emit(rex(true, reg >= 8, false, false), 0x8D, modRM(0x00, reg, RBP))
	a.emitInt32(rel32)
}

// Nop: nop
func (a *Assembler) Nop() {
	a.emit(0x90)
}

// Ud2: ud2 (undefined instruction trap)
func (a *Assembler) Ud2() {
	a.emit(0x0F, 0x0B)
}

// Data32 emits a raw little-endian word.
func (a *Assembler) Data32(v uint32) {
	a.emitUint32(v)
}

// SSE scalar forms. XMM registers use the same 0-15 numbering.

// SseRegReg emits "prefix 0F op xmm, xmm" (movss/addss/... with F3, the sd
// forms with F2).
func (a *Assembler) SseRegReg(prefix, op byte, dst, src Reg) {
	a.emit(prefix)
	a.rexOpt(dst, src)
	a.emit(0x0F, op, modRM(0xC0, dst, src))
}

// SseRegMem emits "prefix 0F op xmm, [base + disp]".
func (a *Assembler) SseRegMem(prefix, op byte, reg, base Reg, disp int32) {
	a.emit(prefix)
	a.rexOpt(reg, base)
	a.emit(0x0F, op)
	a.emitMemOperand(reg, base, disp)
}

// MovdXmmReg32: movd xmm, reg32
func (a *Assembler) MovdXmmReg32(dst, src Reg) {
	a.emit(0x66)
	a.rexOpt(dst, src)
	a.emit(0x0F, 0x6E, modRM(0xC0, dst, src))
}

// MovdReg32Xmm: movd reg32, xmm
func (a *Assembler) MovdReg32Xmm(dst, src Reg) {
	a.emit(0x66)
	a.rexOpt(src, dst)
	a.emit(0x0F, 0x7E, modRM(0xC0, src, dst))
}

// MovapsRegReg: movaps dst, src (full register copy)
func (a *Assembler) MovapsRegReg(dst, src Reg) {
	a.rexOpt(dst, src)
	a.emit(0x0F, 0x28, modRM(0xC0, dst, src))
}

// MovqReg64Xmm: movq reg64, xmm
func (a *Assembler) MovqReg64Xmm(dst, src Reg) {
	a.emit(0x66, rex(true, src >= 8, false, dst >= 8), 0x0F, 0x7E, modRM(0xC0, src, dst))
}

// MovqXmmReg64: movq xmm, reg64
func (a *Assembler) MovqXmmReg64(dst, src Reg) {
	a.emit(0x66, rex(true, dst >= 8, false, src >= 8), 0x0F, 0x6E, modRM(0xC0, dst, src))
}

// BtcReg64Imm8: btc reg64, imm8 (complement one bit)
func (a *Assembler) BtcReg64Imm8(reg Reg, bit byte) {
	a.emit(rex(true, false, false, reg >= 8), 0x0F, 0xBA, modRM(0xC0, 7, reg), bit)
}
