package target

import (
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/target/x86"
)

const (
	// scratch is never allocated; multi-instruction expansions use it.
	scratch = x86.R11
	// xmmScratch likewise for SSE expansions.
	xmmScratch = x86.Reg(15)
)

// AMD64 returns the x86-64 target. RBX holds the thread, RBP the Dalvik
// frame and R12 the bytecode PC. RCX is reserved as the shift count register
// and R11 as encoder scratch.
func AMD64() *Target {
	fp := make([]Reg, 0, 7)
	for i := 8; i < 15; i++ {
		fp = append(fp, FPReg(i))
	}
	core := func(r x86.Reg) Reg { return Reg(r) }
	return &Target{
		Name: "amd64",
		CoreTemps: []Reg{
			core(x86.RAX), core(x86.RDX), core(x86.RSI), core(x86.RDI),
			core(x86.R8), core(x86.R9), core(x86.R10), core(x86.R13),
		},
		FPTemps:    fp,
		ArgRegs:    []Reg{core(x86.RDI), core(x86.RSI), core(x86.RDX), core(x86.R8)},
		CallerSave: []Reg{core(x86.RAX), core(x86.RDX), core(x86.RSI), core(x86.RDI), core(x86.R8), core(x86.R9), core(x86.R10)},
		Ret0:       core(x86.RAX),
		Ret1:       core(x86.RDX),
		RetAlt:     core(x86.RDX),
		RetAltWide: [2]Reg{core(x86.R8), core(x86.R9)},
		FP:         core(x86.RBP),
		Self:       core(x86.RBX),
		PC:         core(x86.R12),
		Preserved:  core(x86.R13),
		HasFPU:     true,
		Layout:     DefaultLayout(),
		Encoder:    &AMD64Encoder{},
	}
}

// AMD64Encoder lowers LIR into x86-64 instructions. Every branch uses its
// rel32 form so sizes are address independent.
type AMD64Encoder struct{}

func (e *AMD64Encoder) Name() string { return "amd64" }

func (e *AMD64Encoder) Size(l *lir.LIR) (int, error) {
	ctx := &lir.EncodeContext{Resolve: func(lir.SymbolKind, int64) (uintptr, bool) { return 0, true }}
	return e.Encode(nil, l, ctx)
}

func (e *AMD64Encoder) Pad(buf []byte) {
	for i := range buf {
		buf[i] = 0x90
	}
}

var x86Conds = map[lir.Cond]x86.Cond{
	lir.CondEQ: x86.CondE,
	lir.CondNE: x86.CondNE,
	lir.CondLT: x86.CondL,
	lir.CondGE: x86.CondGE,
	lir.CondGT: x86.CondG,
	lir.CondLE: x86.CondLE,
	lir.CondCS: x86.CondAE,
	lir.CondCC: x86.CondB,
	lir.CondHI: x86.CondA,
	lir.CondLS: x86.CondBE,
	lir.CondMI: x86.CondS,
	lir.CondPL: x86.CondNS,
}

// r/m,reg opcodes and 0x81 group extensions of the two-operand ALU ops.
var aluRR = map[lir.AluOp]byte{
	lir.AluAdd: 0x01, lir.AluAdc: 0x11, lir.AluSub: 0x29, lir.AluSbc: 0x19,
	lir.AluAnd: 0x21, lir.AluOr: 0x09, lir.AluXor: 0x31,
}

var aluExt = map[lir.AluOp]byte{
	lir.AluAdd: 0, lir.AluOr: 1, lir.AluAdc: 2, lir.AluSbc: 3,
	lir.AluAnd: 4, lir.AluSub: 5, lir.AluXor: 6,
}

var shiftExt = map[lir.AluOp]byte{
	lir.AluLsl: 4, lir.AluLsr: 5, lir.AluAsr: 7, lir.AluRor: 1,
}

var sseOps = map[lir.AluOp]byte{
	lir.AluFAdd: 0x58, lir.AluFSub: 0x5C, lir.AluFMul: 0x59, lir.AluFDiv: 0x5E,
}

func commutative(op lir.AluOp) bool {
	switch op {
	case lir.AluAdd, lir.AluAdc, lir.AluAnd, lir.AluOr, lir.AluXor, lir.AluMul, lir.AluFAdd, lir.AluFMul:
		return true
	}
	return false
}

func xr(r Reg) x86.Reg { return x86.Reg(r &^ lir.FPFlag) }

func unsupported(l *lir.LIR) error {
	return errors.Abortf(errors.ReasonUnsupportedFormat, "amd64: cannot encode %s", l)
}

func (e *AMD64Encoder) Encode(buf []byte, l *lir.LIR, ctx *lir.EncodeContext) (int, error) {
	if l.Flags&lir.IsNop != 0 || l.Op.IsPseudo() {
		return 0, nil
	}
	a := x86.NewAssembler(buf)
	r0, r1, r2 := l.Reg(0), l.Reg(1), l.Reg(2)
	rel := func(insnLen int) int32 {
		return int32(int64(ctx.TargetPC) - int64(ctx.PC) - int64(insnLen))
	}

	switch l.Op {
	case lir.OpNop:
		a.Nop()
	case lir.OpUndefined:
		a.Ud2()
	case lir.OpDataWord:
		a.Data32(uint32(l.Operands[0]))

	case lir.OpMovRR:
		switch {
		case r0.IsFP() && r1.IsFP():
			a.MovapsRegReg(xr(r0), xr(r1))
		case r0.IsFP():
			a.MovdXmmReg32(xr(r0), xr(r1))
		case r1.IsFP():
			a.MovdReg32Xmm(xr(r0), xr(r1))
		default:
			a.MovRegReg32(xr(r0), xr(r1))
		}
	case lir.OpMovRI:
		if r0.IsFP() {
			a.MovRegImm32(scratch, uint32(l.Operands[1]))
			a.MovdXmmReg32(xr(r0), scratch)
		} else {
			a.MovRegImm32(xr(r0), uint32(l.Operands[1]))
		}

	case lir.OpAluRRR:
		if err := e.aluRRR(a, l); err != nil {
			return 0, err
		}
	case lir.OpAluRRI:
		if err := e.aluRRI(a, l); err != nil {
			return 0, err
		}
	case lir.OpUnary:
		switch l.Alu {
		case lir.AluNeg, lir.AluMvn:
			if r0 != r1 {
				a.MovRegReg32(xr(r0), xr(r1))
			}
			if l.Alu == lir.AluNeg {
				a.NegReg32(xr(r0))
			} else {
				a.NotReg32(xr(r0))
			}
		case lir.AluSext8:
			a.MovsxRegReg8(xr(r0), xr(r1))
		case lir.AluSext16:
			a.MovsxRegReg16(xr(r0), xr(r1))
		case lir.AluZext16:
			a.MovzxRegReg16(xr(r0), xr(r1))
		default:
			return 0, unsupported(l)
		}

	case lir.OpCmpRR:
		a.AluRegReg32(0x39, xr(r0), xr(r1))
	case lir.OpCmpRI:
		a.CmpRegImm32(xr(r0), int32(l.Operands[1]))
	case lir.OpTstRR:
		a.AluRegReg32(0x85, xr(r0), xr(r1))

	case lir.OpLoad:
		disp := int32(l.Operands[2])
		if r0.IsFP() {
			a.SseRegMem(ssePrefix(l.Size), 0x10, xr(r0), xr(r1), disp)
			break
		}
		switch l.Size {
		case lir.SizeWord, lir.SizeSingle:
			a.MovRegMem32(xr(r0), xr(r1), disp)
		case lir.SizeByte:
			a.MovzxRegMem8(xr(r0), xr(r1), disp)
		case lir.SizeSignedByte:
			a.MovsxRegMem8(xr(r0), xr(r1), disp)
		case lir.SizeHalf:
			a.MovzxRegMem16(xr(r0), xr(r1), disp)
		case lir.SizeSignedHalf:
			a.MovsxRegMem16(xr(r0), xr(r1), disp)
		default:
			return 0, unsupported(l)
		}
	case lir.OpStore:
		disp := int32(l.Operands[2])
		if r0.IsFP() {
			a.SseRegMem(ssePrefix(l.Size), 0x11, xr(r0), xr(r1), disp)
			break
		}
		switch l.Size {
		case lir.SizeWord, lir.SizeSingle:
			a.MovMem32Reg(xr(r1), disp, xr(r0))
		case lir.SizeByte, lir.SizeSignedByte:
			a.MovMem8Reg(xr(r1), disp, xr(r0))
		case lir.SizeHalf, lir.SizeSignedHalf:
			a.MovMem16Reg(xr(r1), disp, xr(r0))
		default:
			return 0, unsupported(l)
		}
	case lir.OpLoadIndexed:
		if r0.IsFP() {
			return 0, unsupported(l)
		}
		var op byte
		switch l.Size {
		case lir.SizeWord:
			op = 0x8B
		case lir.SizeByte:
			op = 0xB6
		case lir.SizeSignedByte:
			op = 0xBE
		case lir.SizeHalf:
			op = 0xB7
		case lir.SizeSignedHalf:
			op = 0xBF
		default:
			return 0, unsupported(l)
		}
		a.MovRegMemIdx32(op, xr(r0), xr(r1), xr(r2), byte(l.Operands[3]))
	case lir.OpStoreIndexed:
		if r0.IsFP() {
			return 0, unsupported(l)
		}
		width := 4
		switch l.Size {
		case lir.SizeByte, lir.SizeSignedByte:
			width = 1
		case lir.SizeHalf, lir.SizeSignedHalf:
			width = 2
		}
		a.MovMemIdxReg(width, xr(r1), xr(r2), xr(r0), byte(l.Operands[3]))
	case lir.OpLoadPair:
		disp := int32(l.Operands[3])
		if r0.IsFP() {
			a.SseRegMem(0xF2, 0x10, xr(r0), xr(r2), disp)
		} else if r0 == r2 {
			a.MovRegMem32(xr(r1), xr(r2), disp+4)
			a.MovRegMem32(xr(r0), xr(r2), disp)
		} else {
			a.MovRegMem32(xr(r0), xr(r2), disp)
			a.MovRegMem32(xr(r1), xr(r2), disp+4)
		}
	case lir.OpStorePair:
		disp := int32(l.Operands[3])
		if r0.IsFP() {
			a.SseRegMem(0xF2, 0x11, xr(r0), xr(r2), disp)
		} else {
			a.MovMem32Reg(xr(r2), disp, xr(r0))
			a.MovMem32Reg(xr(r2), disp+4, xr(r1))
		}

	case lir.OpFpRRR:
		opc, ok := sseOps[l.Alu]
		if !ok {
			return 0, unsupported(l)
		}
		p := ssePrefix(l.Size)
		switch {
		case r0 == r2 && r0 != r1 && commutative(l.Alu):
			a.SseRegReg(p, opc, xr(r0), xr(r1))
		case r0 == r2 && r0 != r1:
			a.MovapsRegReg(xmmScratch, xr(r1))
			a.SseRegReg(p, opc, xmmScratch, xr(r2))
			a.MovapsRegReg(xr(r0), xmmScratch)
		default:
			if r0 != r1 {
				a.MovapsRegReg(xr(r0), xr(r1))
			}
			a.SseRegReg(p, opc, xr(r0), xr(r2))
		}
	case lir.OpFpUnary:
		if l.Alu != lir.AluFNeg {
			return 0, unsupported(l)
		}
		if l.Size == lir.SizeDouble {
			a.MovqReg64Xmm(scratch, xr(r1))
			a.BtcReg64Imm8(scratch, 63)
			a.MovqXmmReg64(xr(r0), scratch)
		} else {
			a.MovdReg32Xmm(scratch, xr(r1))
			a.AluRegImm32(6, scratch, -0x80000000)
			a.MovdXmmReg32(xr(r0), scratch)
		}
	case lir.OpFpConvert:
		switch l.Operands[2] {
		case lir.CvtI2F:
			a.SseRegReg(0xF3, 0x2A, xr(r0), xr(r1))
		case lir.CvtI2D:
			a.SseRegReg(0xF2, 0x2A, xr(r0), xr(r1))
		case lir.CvtF2I:
			a.SseRegReg(0xF3, 0x2C, xr(r0), xr(r1))
		case lir.CvtD2I:
			a.SseRegReg(0xF2, 0x2C, xr(r0), xr(r1))
		case lir.CvtF2D:
			a.SseRegReg(0xF3, 0x5A, xr(r0), xr(r1))
		case lir.CvtD2F:
			a.SseRegReg(0xF2, 0x5A, xr(r0), xr(r1))
		default:
			return 0, unsupported(l)
		}
	case lir.OpFpMovToCore:
		a.MovdReg32Xmm(xr(r0), xr(r1))
	case lir.OpFpMovFromCore:
		a.MovdXmmReg32(xr(r0), xr(r1))

	case lir.OpBranch:
		a.JmpRel32(rel(5))
	case lir.OpCondBranch:
		cc, ok := x86Conds[l.Cond]
		if !ok {
			return 0, unsupported(l)
		}
		a.JccNear(cc, rel(6))
	case lir.OpCallReg:
		a.CallReg(xr(r0))
	case lir.OpCallTemplate:
		addr, ok := ctx.Resolve(lir.SymTemplate, l.Operands[0])
		if !ok {
			return 0, errors.Abortf(errors.ReasonUnsupportedFormat, "amd64: unresolved template %d", l.Operands[0])
		}
		a.MovRegImm64(scratch, uint64(addr))
		a.CallReg(scratch)
	case lir.OpLoadHelper:
		addr, ok := ctx.Resolve(lir.SymHelper, l.Operands[1])
		if !ok {
			return 0, errors.Abortf(errors.ReasonUnsupportedFormat, "amd64: unresolved helper %d", l.Operands[1])
		}
		a.MovRegImm64(xr(r0), uint64(addr))
	case lir.OpLoadAddr:
		a.LeaRipRel(xr(r0), rel(7))
	default:
		return 0, unsupported(l)
	}
	return a.Offset(), nil
}

func ssePrefix(s lir.Size) byte {
	if s == lir.SizeDouble {
		return 0xF2
	}
	return 0xF3
}

func (e *AMD64Encoder) aluRRR(a *x86.Assembler, l *lir.LIR) error {
	dst, s1, s2 := xr(l.Reg(0)), xr(l.Reg(1)), xr(l.Reg(2))
	op := l.Alu
	if op == lir.AluRsub {
		op, s1, s2 = lir.AluSub, s2, s1
	}
	if ext, ok := shiftExt[op]; ok {
		a.MovRegReg32(x86.RCX, s2)
		if dst != s1 {
			a.MovRegReg32(dst, s1)
		}
		a.ShiftRegCL32(ext, dst)
		return nil
	}
	emit := func(d, s x86.Reg) error {
		if op == lir.AluMul {
			a.IMulRegReg32(d, s)
			return nil
		}
		opc, ok := aluRR[op]
		if !ok {
			return unsupported(l)
		}
		a.AluRegReg32(opc, d, s)
		return nil
	}
	switch {
	case dst == s2 && dst != s1 && commutative(op):
		return emit(dst, s1)
	case dst == s2 && dst != s1:
		a.MovRegReg32(scratch, s1)
		if err := emit(scratch, s2); err != nil {
			return err
		}
		a.MovRegReg32(dst, scratch)
		return nil
	}
	if dst != s1 {
		a.MovRegReg32(dst, s1)
	}
	return emit(dst, s2)
}

func (e *AMD64Encoder) aluRRI(a *x86.Assembler, l *lir.LIR) error {
	dst, src := xr(l.Reg(0)), xr(l.Reg(1))
	imm := int32(l.Operands[2])
	switch l.Alu {
	case lir.AluMul:
		a.IMulRegRegImm32(dst, src, imm)
		return nil
	case lir.AluRsub:
		if dst != src {
			a.MovRegReg32(dst, src)
		}
		a.NegReg32(dst)
		a.AluRegImm32(0, dst, imm)
		return nil
	}
	if dst != src {
		a.MovRegReg32(dst, src)
	}
	if ext, ok := shiftExt[l.Alu]; ok {
		a.ShiftRegImm8_32(ext, dst, byte(imm&31))
		return nil
	}
	ext, ok := aluExt[l.Alu]
	if !ok {
		return unsupported(l)
	}
	a.AluRegImm32(ext, dst, imm)
	return nil
}
