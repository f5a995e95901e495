package jit

import (
	"math/bits"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/mir"
	"github.com/ascrivener/tracejit/pkg/ralloc"
	"github.com/ascrivener/tracejit/pkg/target"
)

var intAluOps = map[bytecode.Opcode]lir.AluOp{
	bytecode.OpAddInt: lir.AluAdd, bytecode.OpSubInt: lir.AluSub, bytecode.OpMulInt: lir.AluMul,
	bytecode.OpAndInt: lir.AluAnd, bytecode.OpOrInt: lir.AluOr, bytecode.OpXorInt: lir.AluXor,
	bytecode.OpShlInt: lir.AluLsl, bytecode.OpShrInt: lir.AluAsr, bytecode.OpUshrInt: lir.AluLsr,

	bytecode.OpAddIntLit: lir.AluAdd, bytecode.OpMulIntLit: lir.AluMul,
	bytecode.OpAndIntLit: lir.AluAnd, bytecode.OpOrIntLit: lir.AluOr, bytecode.OpXorIntLit: lir.AluXor,
	bytecode.OpShlIntLit: lir.AluLsl, bytecode.OpShrIntLit: lir.AluAsr, bytecode.OpUshrIntLit: lir.AluLsr,
}

func isShift(op lir.AluOp) bool {
	return op == lir.AluLsl || op == lir.AluAsr || op == lir.AluLsr
}

func (cu *CompilationUnit) genUnaryOp(m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	switch in.Opcode {
	case bytecode.OpNegInt, bytecode.OpNotInt, bytecode.OpIntToByte, bytecode.OpIntToChar, bytecode.OpIntToShort:
		op := map[bytecode.Opcode]lir.AluOp{
			bytecode.OpNegInt: lir.AluNeg, bytecode.OpNotInt: lir.AluMvn,
			bytecode.OpIntToByte: lir.AluSext8, bytecode.OpIntToChar: lir.AluZext16, bytecode.OpIntToShort: lir.AluSext16,
		}[in.Opcode]
		src := p.LoadValue(vreg(in.B), ralloc.CoreReg)
		res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
		cu.unary(op, res.LowReg, src.LowReg)
		p.StoreValue(vreg(in.A), res)
	case bytecode.OpNegLong:
		src := p.LoadValueWide(vregWide(in.B), ralloc.CoreReg)
		res := p.EvalLoc(vregWide(in.A), ralloc.CoreReg, true)
		zero := p.AllocTemp()
		cu.movRI(zero, 0)
		cu.aluRRR(lir.AluSub, res.LowReg, zero, src.LowReg)
		cu.aluRRR(lir.AluSbc, res.HighReg, zero, src.HighReg)
		p.FreeTemp(zero)
		p.StoreValueWide(vregWide(in.A), res)
	case bytecode.OpNotLong:
		src := p.LoadValueWide(vregWide(in.B), ralloc.CoreReg)
		res := p.EvalLoc(vregWide(in.A), ralloc.CoreReg, true)
		cu.unary(lir.AluMvn, res.LowReg, src.LowReg)
		cu.unary(lir.AluMvn, res.HighReg, src.HighReg)
		p.StoreValueWide(vregWide(in.A), res)
	case bytecode.OpNegFloat:
		cu.genNegFloat(in)
	case bytecode.OpNegDouble:
		cu.genNegDouble(in)
	case bytecode.OpIntToLong:
		src := p.LoadValue(vreg(in.B), ralloc.CoreReg)
		res := p.EvalLoc(vregWide(in.A), ralloc.CoreReg, true)
		p.RegCopy(res.LowReg, src.LowReg)
		cu.aluRRI(lir.AluAsr, res.HighReg, res.LowReg, 31)
		p.StoreValueWide(vregWide(in.A), res)
	case bytecode.OpLongToInt:
		p.StoreValue(vreg(in.A), p.WideToNarrow(p.UpdateLocWide(vregWide(in.B))))
	default:
		cu.genConversion(m)
	}
}

func (cu *CompilationUnit) genArithInt(m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	switch in.Opcode {
	case bytecode.OpDivInt, bytecode.OpRemInt:
		p.FlushAll()
		p.LoadValueDirectFixed(vreg(in.C), cu.arg(1))
		p.LoadValueDirectFixed(vreg(in.B), cu.arg(0))
		h := target.HelperIdiv
		if in.Opcode == bytecode.OpRemInt {
			h = target.HelperIdivmod
		}
		cu.loadHelper(cu.arg(2), h)
		cu.genZeroCheck(cu.arg(1))
		cu.callReg(cu.arg(2))
		p.ClobberCallRegs()
		res := p.GetReturn()
		if in.Opcode == bytecode.OpRemInt {
			res = p.GetReturnAlt()
		}
		p.StoreValue(vreg(in.A), res)
		return
	}
	op := intAluOps[in.Opcode]
	src1 := p.LoadValue(vreg(in.B), ralloc.CoreReg)
	src2 := p.LoadValue(vreg(in.C), ralloc.CoreReg)
	res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
	if isShift(op) {
		t := p.AllocTemp()
		cu.aluRRI(lir.AluAnd, t, src2.LowReg, 31)
		cu.aluRRR(op, res.LowReg, src1.LowReg, t)
		p.FreeTemp(t)
	} else {
		cu.aluRRR(op, res.LowReg, src1.LowReg, src2.LowReg)
	}
	p.StoreValue(vreg(in.A), res)
}

func (cu *CompilationUnit) genArithIntLit(m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	lit := int64(int32(in.Literal))
	switch in.Opcode {
	case bytecode.OpRsubIntLit:
		src := p.LoadValue(vreg(in.B), ralloc.CoreReg)
		res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
		t := p.AllocTemp()
		cu.movRI(t, lit)
		cu.aluRRR(lir.AluSub, res.LowReg, t, src.LowReg)
		p.FreeTemp(t)
		p.StoreValue(vreg(in.A), res)
		return
	case bytecode.OpMulIntLit:
		if cu.handleEasyMultiply(in, lit) {
			return
		}
	case bytecode.OpDivIntLit, bytecode.OpRemIntLit:
		if lit == 0 {
			// The interpreter raises the exception.
			cu.genInterpSingleStep(m)
			return
		}
		if cu.handleEasyDivide(in, lit) {
			return
		}
		p.FlushAll()
		p.LoadValueDirectFixed(vreg(in.B), cu.arg(0))
		p.Clobber(cu.arg(0))
		h := target.HelperIdiv
		if in.Opcode == bytecode.OpRemIntLit {
			h = target.HelperIdivmod
		}
		cu.loadHelper(cu.arg(2), h)
		p.LockTemp(cu.arg(1))
		cu.movRI(cu.arg(1), lit)
		cu.genZeroCheck(cu.arg(1))
		cu.callReg(cu.arg(2))
		p.ClobberCallRegs()
		res := p.GetReturn()
		if in.Opcode == bytecode.OpRemIntLit {
			res = p.GetReturnAlt()
		}
		p.StoreValue(vreg(in.A), res)
		return
	}

	op := intAluOps[in.Opcode]
	if isShift(op) {
		lit &= 31
	}
	src := p.LoadValue(vreg(in.B), ralloc.CoreReg)
	res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
	if isShift(op) && lit == 0 {
		p.RegCopy(res.LowReg, src.LowReg)
	} else {
		cu.aluRRI(op, res.LowReg, src.LowReg, lit)
	}
	p.StoreValue(vreg(in.A), res)
}

func isPowerOfTwo(x int64) bool { return x > 0 && x&(x-1) == 0 }

func lowestSetBit(x int64) int64 { return int64(bits.TrailingZeros64(uint64(x))) }

// handleEasyDivide strength-reduces division and remainder by a positive
// power of two to shifts, rounding toward zero.
func (cu *CompilationUnit) handleEasyDivide(in *bytecode.Instruction, lit int64) bool {
	if lit < 2 || !isPowerOfTwo(lit) {
		return false
	}
	k := lowestSetBit(lit)
	if k >= 30 {
		return false
	}
	p := cu.Pool
	src := p.LoadValue(vreg(in.B), ralloc.CoreReg)
	res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
	if in.Opcode == bytecode.OpDivIntLit {
		t := p.AllocTemp()
		if lit == 2 {
			cu.aluRRI(lir.AluLsr, t, src.LowReg, 32-k)
		} else {
			cu.aluRRI(lir.AluAsr, t, src.LowReg, 31)
			cu.aluRRI(lir.AluLsr, t, t, 32-k)
		}
		cu.aluRRR(lir.AluAdd, t, t, src.LowReg)
		cu.aluRRI(lir.AluAsr, res.LowReg, t, k)
		p.FreeTemp(t)
	} else {
		mask := p.AllocTemp()
		cu.movRI(mask, lit-1)
		t1, t2 := p.AllocTemp(), p.AllocTemp()
		if lit == 2 {
			cu.aluRRI(lir.AluLsr, t1, src.LowReg, 32-k)
		} else {
			cu.aluRRI(lir.AluAsr, t1, src.LowReg, 31)
			cu.aluRRI(lir.AluLsr, t1, t1, 32-k)
		}
		cu.aluRRR(lir.AluAdd, t2, t1, src.LowReg)
		cu.aluRRR(lir.AluAnd, t2, t2, mask)
		cu.aluRRR(lir.AluSub, res.LowReg, t2, t1)
		p.FreeTemp(mask)
		p.FreeTemp(t1)
		p.FreeTemp(t2)
	}
	p.StoreValue(vreg(in.A), res)
	return true
}

// handleEasyMultiply turns a multiply by 2^n, by a two-bit constant or by
// 2^n-1 into shifts and an add or subtract.
func (cu *CompilationUnit) handleEasyMultiply(in *bytecode.Instruction, lit int64) bool {
	pow2, twoBits, pow2Minus1 := false, false, false
	switch {
	case lit < 2:
		return false
	case isPowerOfTwo(lit):
		pow2 = true
	case bits.OnesCount64(uint64(lit)) == 2:
		twoBits = true
	case isPowerOfTwo(lit + 1):
		pow2Minus1 = true
	default:
		return false
	}
	p := cu.Pool
	src := p.LoadValue(vreg(in.B), ralloc.CoreReg)
	res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
	switch {
	case pow2:
		cu.aluRRI(lir.AluLsl, res.LowReg, src.LowReg, lowestSetBit(lit))
	case twoBits:
		first := lowestSetBit(lit)
		second := lowestSetBit(lit ^ (1 << uint(first)))
		hi := p.AllocTemp()
		cu.aluRRI(lir.AluLsl, hi, src.LowReg, second)
		if first == 0 {
			cu.aluRRR(lir.AluAdd, res.LowReg, hi, src.LowReg)
		} else {
			lo := p.AllocTemp()
			cu.aluRRI(lir.AluLsl, lo, src.LowReg, first)
			cu.aluRRR(lir.AluAdd, res.LowReg, hi, lo)
			p.FreeTemp(lo)
		}
		p.FreeTemp(hi)
	case pow2Minus1:
		t := p.AllocTemp()
		cu.aluRRI(lir.AluLsl, t, src.LowReg, lowestSetBit(lit+1))
		cu.aluRRR(lir.AluSub, res.LowReg, t, src.LowReg)
		p.FreeTemp(t)
	}
	p.StoreValue(vreg(in.A), res)
	return true
}

var longTemplates = map[bytecode.Opcode]target.TemplateID{
	bytecode.OpMulLong:  target.TemplateMulLong,
	bytecode.OpShlLong:  target.TemplateShlLong,
	bytecode.OpShrLong:  target.TemplateShrLong,
	bytecode.OpUshrLong: target.TemplateUshrLong,
}

func (cu *CompilationUnit) genArithLong(m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	dest := vregWide(in.A)
	switch in.Opcode {
	case bytecode.OpMulLong:
		p.FlushAll()
		p.LoadValueDirectWideFixed(vregWide(in.B), cu.arg(0), cu.arg(1))
		p.LoadValueDirectWideFixed(vregWide(in.C), cu.arg(2), cu.arg(3))
		cu.callTemplate(longTemplates[in.Opcode])
		p.ClobberCallRegs()
		p.StoreValueWide(dest, p.GetReturnWide())
		return
	case bytecode.OpShlLong, bytecode.OpShrLong, bytecode.OpUshrLong:
		p.FlushAll()
		p.LoadValueDirectWideFixed(vregWide(in.B), cu.arg(0), cu.arg(1))
		p.LoadValueDirectFixed(vreg(in.C), cu.arg(2))
		cu.callTemplate(longTemplates[in.Opcode])
		p.ClobberCallRegs()
		p.StoreValueWide(dest, p.GetReturnWide())
		return
	case bytecode.OpDivLong, bytecode.OpRemLong:
		p.FlushAll()
		p.LoadValueDirectWideFixed(vregWide(in.C), cu.arg(2), cu.arg(3))
		p.LoadValueDirectWideFixed(vregWide(in.B), cu.arg(0), cu.arg(1))
		t := p.AllocTemp()
		cu.aluRRR(lir.AluOr, t, cu.arg(2), cu.arg(3))
		cu.genZeroCheck(t)
		cu.loadHelper(t, target.HelperLdivmod)
		cu.callReg(t)
		p.ClobberCallRegs()
		res := p.GetReturnWide()
		if in.Opcode == bytecode.OpRemLong {
			res = p.GetReturnWideAlt()
		}
		p.StoreValueWide(dest, res)
		return
	}

	var lo, hi lir.AluOp
	switch in.Opcode {
	case bytecode.OpAddLong:
		lo, hi = lir.AluAdd, lir.AluAdc
	case bytecode.OpSubLong:
		lo, hi = lir.AluSub, lir.AluSbc
	case bytecode.OpAndLong:
		lo, hi = lir.AluAnd, lir.AluAnd
	case bytecode.OpOrLong:
		lo, hi = lir.AluOr, lir.AluOr
	case bytecode.OpXorLong:
		lo, hi = lir.AluXor, lir.AluXor
	}
	src1 := p.LoadValueWide(vregWide(in.B), ralloc.CoreReg)
	src2 := p.LoadValueWide(vregWide(in.C), ralloc.CoreReg)
	res := p.EvalLoc(dest, ralloc.CoreReg, true)
	cu.aluRRR(lo, res.LowReg, src1.LowReg, src2.LowReg)
	cu.aluRRR(hi, res.HighReg, src1.HighReg, src2.HighReg)
	p.StoreValueWide(dest, res)
}

var fpHelpers = map[bytecode.Opcode]target.HelperID{
	bytecode.OpAddFloat: target.HelperFadd, bytecode.OpSubFloat: target.HelperFsub,
	bytecode.OpMulFloat: target.HelperFmul, bytecode.OpDivFloat: target.HelperFdiv,
	bytecode.OpRemFloat: target.HelperFmodf,
	bytecode.OpAddDouble: target.HelperDadd, bytecode.OpSubDouble: target.HelperDsub,
	bytecode.OpMulDouble: target.HelperDmul, bytecode.OpDivDouble: target.HelperDdiv,
	bytecode.OpRemDouble: target.HelperFmod,
}

var fpAluOps = map[bytecode.Opcode]lir.AluOp{
	bytecode.OpAddFloat: lir.AluFAdd, bytecode.OpSubFloat: lir.AluFSub,
	bytecode.OpMulFloat: lir.AluFMul, bytecode.OpDivFloat: lir.AluFDiv,
	bytecode.OpAddDouble: lir.AluFAdd, bytecode.OpSubDouble: lir.AluFSub,
	bytecode.OpMulDouble: lir.AluFMul, bytecode.OpDivDouble: lir.AluFDiv,
}

func isDoubleOp(op bytecode.Opcode) bool {
	return op >= bytecode.OpAddDouble && op <= bytecode.OpRemDouble
}

func (cu *CompilationUnit) genArithFP(m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	double := isDoubleOp(in.Opcode)
	alu, inline := fpAluOps[in.Opcode]
	if !cu.Target.HasFPU || !inline {
		cu.genArithFPCall(in, double)
		return
	}
	if double {
		src1 := p.LoadValueWide(vregWide(in.B).WithFP(), ralloc.FPRegClass)
		src2 := p.LoadValueWide(vregWide(in.C).WithFP(), ralloc.FPRegClass)
		res := p.EvalLoc(vregWide(in.A).WithFP(), ralloc.FPRegClass, true)
		cu.Emit(lir.LIR{Op: lir.OpFpRRR, Alu: alu, Size: lir.SizeDouble,
			Operands: ops(int64(res.LowReg), int64(src1.LowReg), int64(src2.LowReg))})
		p.StoreValueWide(vregWide(in.A).WithFP(), res)
		return
	}
	src1 := p.LoadValue(vreg(in.B).WithFP(), ralloc.FPRegClass)
	src2 := p.LoadValue(vreg(in.C).WithFP(), ralloc.FPRegClass)
	res := p.EvalLoc(vreg(in.A).WithFP(), ralloc.FPRegClass, true)
	cu.Emit(lir.LIR{Op: lir.OpFpRRR, Alu: alu, Size: lir.SizeSingle,
		Operands: ops(int64(res.LowReg), int64(src1.LowReg), int64(src2.LowReg))})
	p.StoreValue(vreg(in.A).WithFP(), res)
}

// genArithFPCall passes the operands in argument registers to a helper.
func (cu *CompilationUnit) genArithFPCall(in *bytecode.Instruction, double bool) {
	p := cu.Pool
	p.FlushAll()
	if double {
		p.LoadValueDirectWideFixed(vregWide(in.B), cu.arg(0), cu.arg(1))
		p.LoadValueDirectWideFixed(vregWide(in.C), cu.arg(2), cu.arg(3))
	} else {
		p.LoadValueDirectFixed(vreg(in.B), cu.arg(0))
		p.LoadValueDirectFixed(vreg(in.C), cu.arg(1))
	}
	fn := p.AllocTemp()
	cu.callHelper(fn, fpHelpers[in.Opcode])
	p.ClobberCallRegs()
	if double {
		p.StoreValueWide(vregWide(in.A), p.GetReturnWide())
	} else {
		p.StoreValue(vreg(in.A), p.GetReturn())
	}
}

func (cu *CompilationUnit) genNegFloat(in *bytecode.Instruction) {
	p := cu.Pool
	if cu.Target.HasFPU {
		src := p.LoadValue(vreg(in.B).WithFP(), ralloc.FPRegClass)
		res := p.EvalLoc(vreg(in.A).WithFP(), ralloc.FPRegClass, true)
		cu.Emit(lir.LIR{Op: lir.OpFpUnary, Alu: lir.AluFNeg, Size: lir.SizeSingle,
			Operands: ops(int64(res.LowReg), int64(src.LowReg))})
		p.StoreValue(vreg(in.A).WithFP(), res)
		return
	}
	src := p.LoadValue(vreg(in.B), ralloc.CoreReg)
	res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
	cu.aluRRI(lir.AluAdd, res.LowReg, src.LowReg, 0x80000000)
	p.StoreValue(vreg(in.A), res)
}

func (cu *CompilationUnit) genNegDouble(in *bytecode.Instruction) {
	p := cu.Pool
	if cu.Target.HasFPU {
		src := p.LoadValueWide(vregWide(in.B).WithFP(), ralloc.FPRegClass)
		res := p.EvalLoc(vregWide(in.A).WithFP(), ralloc.FPRegClass, true)
		cu.Emit(lir.LIR{Op: lir.OpFpUnary, Alu: lir.AluFNeg, Size: lir.SizeDouble,
			Operands: ops(int64(res.LowReg), int64(src.LowReg))})
		p.StoreValueWide(vregWide(in.A).WithFP(), res)
		return
	}
	src := p.LoadValueWide(vregWide(in.B), ralloc.CoreReg)
	res := p.EvalLoc(vregWide(in.A), ralloc.CoreReg, true)
	cu.aluRRI(lir.AluAdd, res.HighReg, src.HighReg, 0x80000000)
	p.RegCopy(res.LowReg, src.LowReg)
	p.StoreValueWide(vregWide(in.A), res)
}

type conversion struct {
	helper   target.HelperID
	kind     int64 // inline conversion, or -1
	srcWide  bool
	destWide bool
	srcFP    bool
	destFP   bool
}

var conversions = map[bytecode.Opcode]conversion{
	bytecode.OpIntToFloat:    {target.HelperI2f, lir.CvtI2F, false, false, false, true},
	bytecode.OpFloatToInt:    {target.HelperF2i, lir.CvtF2I, false, false, true, false},
	bytecode.OpIntToDouble:   {target.HelperI2d, lir.CvtI2D, false, true, false, true},
	bytecode.OpDoubleToInt:   {target.HelperD2i, lir.CvtD2I, true, false, true, false},
	bytecode.OpFloatToDouble: {target.HelperF2d, lir.CvtF2D, false, true, true, true},
	bytecode.OpDoubleToFloat: {target.HelperD2f, lir.CvtD2F, true, false, true, true},
	bytecode.OpFloatToLong:   {target.HelperF2l, -1, false, true, true, false},
	bytecode.OpDoubleToLong:  {target.HelperD2l, -1, true, true, true, false},
	bytecode.OpLongToFloat:   {target.HelperL2f, -1, true, false, false, true},
	bytecode.OpLongToDouble:  {target.HelperL2d, -1, true, true, false, true},
}

func (cu *CompilationUnit) genConversion(m *mir.MIR) {
	in := &m.Insn
	cv, ok := conversions[in.Opcode]
	if !ok {
		abortf("no lowering for %s", in.Opcode)
	}
	inline := cv.kind >= 0 && cu.Target.HasFPU
	if cv.kind == lir.CvtF2I || cv.kind == lir.CvtD2I {
		inline = inline && cu.Target.FPToIntInline
	}
	if !inline {
		cu.genConversionCall(in, cv)
		return
	}

	p := cu.Pool
	class := func(fp bool) ralloc.RegClass {
		if fp {
			return ralloc.FPRegClass
		}
		return ralloc.CoreReg
	}
	loc := func(r uint32, wide, fp bool) ralloc.RegLocation {
		l := vreg(r)
		if wide {
			l = vregWide(r)
		}
		if fp {
			l = l.WithFP()
		}
		return l
	}
	srcLoc, destLoc := loc(in.B, cv.srcWide, cv.srcFP), loc(in.A, cv.destWide, cv.destFP)
	var src ralloc.RegLocation
	if cv.srcWide {
		src = p.LoadValueWide(srcLoc, class(cv.srcFP))
	} else {
		src = p.LoadValue(srcLoc, class(cv.srcFP))
	}
	res := p.EvalLoc(destLoc, class(cv.destFP), true)
	size := lir.SizeWord
	switch {
	case cv.destFP && cv.destWide:
		size = lir.SizeDouble
	case cv.destFP:
		size = lir.SizeSingle
	}
	cu.Emit(lir.LIR{Op: lir.OpFpConvert, Size: size, Operands: ops(int64(res.LowReg), int64(src.LowReg), cv.kind)})
	if cv.destWide {
		p.StoreValueWide(destLoc, res)
	} else {
		p.StoreValue(destLoc, res)
	}
}

// genConversionCall converts through a helper with the source in the first
// argument registers.
func (cu *CompilationUnit) genConversionCall(in *bytecode.Instruction, cv conversion) {
	p := cu.Pool
	p.FlushAll()
	if cv.srcWide {
		p.LoadValueDirectWideFixed(vregWide(in.B), cu.arg(0), cu.arg(1))
	} else {
		p.LoadValueDirectFixed(vreg(in.B), cu.arg(0))
	}
	cu.callHelper(cu.arg(2), cv.helper)
	p.ClobberCallRegs()
	if cv.destWide {
		p.StoreValueWide(vregWide(in.A), p.GetReturnWide())
	} else {
		p.StoreValue(vreg(in.A), p.GetReturn())
	}
}

func (cu *CompilationUnit) genCmp(m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	p.FlushAll()
	var tmpl target.TemplateID
	switch in.Opcode {
	case bytecode.OpCmpLong, bytecode.OpCmplDouble, bytecode.OpCmpgDouble:
		p.LoadValueDirectWideFixed(vregWide(in.B), cu.arg(0), cu.arg(1))
		p.LoadValueDirectWideFixed(vregWide(in.C), cu.arg(2), cu.arg(3))
		tmpl = map[bytecode.Opcode]target.TemplateID{
			bytecode.OpCmpLong:    target.TemplateCmpLong,
			bytecode.OpCmplDouble: target.TemplateCmplDouble,
			bytecode.OpCmpgDouble: target.TemplateCmpgDouble,
		}[in.Opcode]
	default:
		p.LoadValueDirectFixed(vreg(in.B), cu.arg(0))
		p.LoadValueDirectFixed(vreg(in.C), cu.arg(1))
		tmpl = target.TemplateCmplFloat
		if in.Opcode == bytecode.OpCmpgFloat {
			tmpl = target.TemplateCmpgFloat
		}
	}
	cu.callTemplate(tmpl)
	p.ClobberCallRegs()
	p.StoreValue(vreg(in.A), p.GetReturn())
}
