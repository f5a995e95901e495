package jit

import (
	"log"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/mir"
	"github.com/ascrivener/tracejit/pkg/ralloc"
	"github.com/ascrivener/tracejit/pkg/target"
)

// accessSize maps the seven variants of a load or store family (plain, wide,
// object, boolean, byte, char, short) to the width they touch.
func accessSize(variant int) lir.Size {
	switch variant {
	case 3:
		return lir.SizeByte
	case 4:
		return lir.SizeSignedByte
	case 5:
		return lir.SizeHalf
	case 6:
		return lir.SizeSignedHalf
	}
	return lir.SizeWord
}

func scaleOf(size lir.Size) int64 {
	switch size {
	case lir.SizeByte, lir.SizeSignedByte:
		return 0
	case lir.SizeHalf, lir.SizeSignedHalf:
		return 1
	}
	return 2
}

func (cu *CompilationUnit) genInstanceField(m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	disp := int32(m.Resolved)
	switch op := in.Opcode; {
	case op == bytecode.OpIgetWide:
		obj := p.LoadValue(vreg(in.B), ralloc.CoreReg)
		cu.genNullCheck(obj.SReg, obj.LowReg, m)
		res := p.EvalLoc(vregWide(in.A), ralloc.CoreReg, true)
		cu.heapLoadPair(res.LowReg, res.HighReg, obj.LowReg, disp)
		p.StoreValueWide(vregWide(in.A), res)
	case op == bytecode.OpIputWide:
		obj := p.LoadValue(vreg(in.B), ralloc.CoreReg)
		val := p.LoadValueWide(vregWide(in.A), ralloc.CoreReg)
		cu.genNullCheck(obj.SReg, obj.LowReg, m)
		cu.heapStorePair(val.LowReg, val.HighReg, obj.LowReg, disp)
	case op >= bytecode.OpIget && op <= bytecode.OpIgetShort:
		size := accessSize(int(op - bytecode.OpIget))
		obj := p.LoadValue(vreg(in.B), ralloc.CoreReg)
		res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
		cu.genNullCheck(obj.SReg, obj.LowReg, m)
		cu.heapLoad(size, res.LowReg, obj.LowReg, disp)
		p.StoreValue(vreg(in.A), res)
	default:
		size := accessSize(int(op - bytecode.OpIput))
		obj := p.LoadValue(vreg(in.B), ralloc.CoreReg)
		val := p.LoadValue(vreg(in.A), ralloc.CoreReg)
		cu.genNullCheck(obj.SReg, obj.LowReg, m)
		cu.heapStore(size, val.LowReg, obj.LowReg, disp)
		if op == bytecode.OpIputObject {
			cu.markCard(val.LowReg, obj.LowReg)
		}
	}
}

func (cu *CompilationUnit) genStaticField(m *mir.MIR) {
	if m.Resolved == 0 {
		log.Printf("[jit] %s: unresolved static field, single-stepping", m)
		cu.genInterpSingleStep(m)
		return
	}
	in := &m.Insn
	p := cu.Pool
	addr := p.AllocTemp()
	cu.movRI(addr, int64(m.Resolved))
	switch op := in.Opcode; op {
	case bytecode.OpSgetWide:
		res := p.EvalLoc(vregWide(in.A), ralloc.CoreReg, true)
		cu.heapLoadPair(res.LowReg, res.HighReg, addr, 0)
		p.StoreValueWide(vregWide(in.A), res)
	case bytecode.OpSputWide:
		val := p.LoadValueWide(vregWide(in.A), ralloc.CoreReg)
		cu.heapStorePair(val.LowReg, val.HighReg, addr, 0)
	case bytecode.OpSget, bytecode.OpSgetObject:
		res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
		cu.heapLoad(lir.SizeWord, res.LowReg, addr, 0)
		p.StoreValue(vreg(in.A), res)
	default:
		val := p.LoadValue(vreg(in.A), ralloc.CoreReg)
		cu.heapStore(lir.SizeWord, val.LowReg, addr, 0)
		if op == bytecode.OpSputObject {
			cu.markCard(val.LowReg, addr)
		}
	}
	p.FreeTemp(addr)
}

func (cu *CompilationUnit) genArrayAccess(m *mir.MIR) {
	op := m.Insn.Opcode
	switch {
	case op == bytecode.OpAputObject:
		cu.genArrayObjectPut(m)
	case op <= bytecode.OpAgetShort:
		cu.genArrayGet(m, int(op-bytecode.OpAget))
	default:
		cu.genArrayPut(m, int(op-bytecode.OpAput))
	}
}

// arrayPrologue checks the array and index and returns a pointer to the
// first element. Checks hoisted out of a loop are not repeated.
func (cu *CompilationUnit) arrayPrologue(m *mir.MIR, arr, idx ralloc.RegLocation) lir.Reg {
	p := cu.Pool
	lay := &cu.Target.Layout
	cu.genNullCheck(arr.SReg, arr.LowReg, m)
	ptr := p.AllocTemp()
	if m.Flags&mir.IgnoreRangeCheck == 0 {
		length := p.AllocTemp()
		cu.heapLoad(lir.SizeWord, length, arr.LowReg, lay.ArrayLength)
		cu.aluRRI(lir.AluAdd, ptr, arr.LowReg, int64(lay.ArrayContents))
		cu.genBoundsCheck(idx.LowReg, length)
		p.FreeTemp(length)
	} else {
		cu.aluRRI(lir.AluAdd, ptr, arr.LowReg, int64(lay.ArrayContents))
	}
	return ptr
}

func (cu *CompilationUnit) genArrayGet(m *mir.MIR, variant int) {
	in := &m.Insn
	p := cu.Pool
	arr := p.LoadValue(vreg(in.B), ralloc.CoreReg)
	idx := p.LoadValue(vreg(in.C), ralloc.CoreReg)
	ptr := cu.arrayPrologue(m, arr, idx)
	if variant == 1 {
		cu.aluRRR(lir.AluAdd, ptr, ptr, cu.scaled(idx.LowReg, 3))
		res := p.EvalLoc(vregWide(in.A), ralloc.CoreReg, true)
		cu.heapLoadPair(res.LowReg, res.HighReg, ptr, 0)
		p.FreeTemp(ptr)
		p.StoreValueWide(vregWide(in.A), res)
		return
	}
	size := accessSize(variant)
	res := p.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
	cu.heapLoadIndexed(size, res.LowReg, ptr, idx.LowReg, scaleOf(size))
	p.FreeTemp(ptr)
	p.StoreValue(vreg(in.A), res)
}

func (cu *CompilationUnit) genArrayPut(m *mir.MIR, variant int) {
	in := &m.Insn
	p := cu.Pool
	arr := p.LoadValue(vreg(in.B), ralloc.CoreReg)
	idx := p.LoadValue(vreg(in.C), ralloc.CoreReg)
	ptr := cu.arrayPrologue(m, arr, idx)
	if variant == 1 {
		cu.aluRRR(lir.AluAdd, ptr, ptr, cu.scaled(idx.LowReg, 3))
		val := p.LoadValueWide(vregWide(in.A), ralloc.CoreReg)
		cu.heapStorePair(val.LowReg, val.HighReg, ptr, 0)
		p.FreeTemp(ptr)
		return
	}
	size := accessSize(variant)
	val := p.LoadValue(vreg(in.A), ralloc.CoreReg)
	cu.heapStoreIndexed(size, val.LowReg, ptr, idx.LowReg, scaleOf(size))
	p.FreeTemp(ptr)
}

// scaled returns a temp holding r<<shift.
func (cu *CompilationUnit) scaled(r lir.Reg, shift int64) lir.Reg {
	t := cu.Pool.AllocTemp()
	cu.aluRRI(lir.AluLsl, t, r, shift)
	return t
}

// genArrayObjectPut stores a reference after the runtime confirms the value's
// class is assignable to the array's element type.
func (cu *CompilationUnit) genArrayObjectPut(m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	lay := &cu.Target.Layout
	p.FlushAll()
	regArray, regIndex := cu.arg(1), cu.Target.Preserved
	regPtr, regLen := cu.Target.PC, cu.arg(0)
	cu.lockFixed(regArray, regIndex, cu.arg(0), cu.arg(2))

	p.LoadValueDirectFixed(vreg(in.B), regArray)
	p.LoadValueDirectFixed(vreg(in.C), regIndex)
	cu.genNullCheck(int(in.B), regArray, m)
	if m.Flags&mir.IgnoreRangeCheck == 0 {
		cu.heapLoad(lir.SizeWord, regLen, regArray, lay.ArrayLength)
		cu.aluRRI(lir.AluAdd, regPtr, regArray, int64(lay.ArrayContents))
		cu.genBoundsCheck(regIndex, regLen)
	} else {
		cu.aluRRI(lir.AluAdd, regPtr, regArray, int64(lay.ArrayContents))
	}

	p.LoadValueDirectFixed(vreg(in.A), cu.arg(0))
	cu.loadHelper(cu.arg(2), target.HelperCanPutArrayElement)
	skip := cu.genCmpImmBranch(lir.CondEQ, cu.arg(0), 0)

	cu.heapLoad(lir.SizeWord, cu.arg(1), regArray, lay.ObjectClass)
	cu.heapLoad(lir.SizeWord, cu.arg(0), cu.arg(0), lay.ObjectClass)
	cu.callReg(cu.arg(2))
	p.ClobberCallRegs()
	cu.lockFixed(regArray, regIndex, cu.arg(0), cu.arg(2))
	cu.genRegImmCheck(lir.CondEQ, cu.Target.Ret0, 0)

	// The call clobbered the value and the array; reload both.
	p.LoadValueDirectFixed(vreg(in.A), cu.arg(0))
	p.LoadValueDirectFixed(vreg(in.B), cu.arg(1))

	cu.setTarget(skip, cu.genLabel())
	cu.heapStoreIndexed(lir.SizeWord, cu.arg(0), regPtr, regIndex, 2)
	cu.markCard(cu.arg(0), cu.arg(1))
}

// markCard dirties the card of obj after a reference store of val, unless the
// stored value is null.
func (cu *CompilationUnit) markCard(val, obj lir.Reg) {
	p := cu.Pool
	lay := &cu.Target.Layout
	base, idx := p.AllocTemp(), p.AllocTemp()
	skip := cu.genCmpImmBranch(lir.CondEQ, val, 0)
	cu.loadSelf(base, lay.SelfCardTable)
	cu.aluRRI(lir.AluLsr, idx, obj, lay.CardShift)
	cu.Emit(lir.LIR{Op: lir.OpStoreIndexed, Size: lir.SizeByte,
		Operands: ops(int64(base), int64(base), int64(idx), 0)})
	cu.setTarget(skip, cu.genLabel())
	p.FreeTemp(base)
	p.FreeTemp(idx)
}

func (cu *CompilationUnit) genCheckCast(m *mir.MIR) {
	if m.Resolved == 0 {
		log.Printf("[jit] %s: unresolved class, single-stepping", m)
		cu.genInterpSingleStep(m)
		return
	}
	in := &m.Insn
	p := cu.Pool
	p.FlushAll()
	cu.lockFixed(cu.arg(0), cu.arg(1), cu.arg(2))
	cu.movRI(cu.arg(1), int64(m.Resolved))
	obj := p.LoadValue(vreg(in.A), ralloc.CoreReg)
	isNull := cu.genCmpImmBranch(lir.CondEQ, obj.LowReg, 0)
	cu.heapLoad(lir.SizeWord, cu.arg(0), obj.LowReg, cu.Target.Layout.ObjectClass)
	cu.loadHelper(cu.arg(2), target.HelperInstanceofNonTrivial)
	cu.cmpRR(cu.arg(0), cu.arg(1))
	same := cu.genCondBranch(lir.CondEQ)
	cu.callReg(cu.arg(2))
	p.ClobberCallRegs()
	// A zero result means the cast fails; the interpreter throws.
	cu.genZeroCheck(cu.Target.Ret0)
	done := cu.genLabel()
	cu.setTarget(isNull, done)
	cu.setTarget(same, done)
}

func (cu *CompilationUnit) genInstanceOf(m *mir.MIR) {
	if m.Resolved == 0 {
		log.Printf("[jit] %s: unresolved class, single-stepping", m)
		cu.genInterpSingleStep(m)
		return
	}
	in := &m.Insn
	p := cu.Pool
	ret := cu.Target.Ret0
	p.FlushAll()
	cu.lockFixed(cu.arg(0), cu.arg(1), cu.arg(2), cu.arg(3), ret)
	p.LoadValueDirectFixed(vreg(in.B), cu.arg(0))
	// A null reference is an instance of nothing; the null itself is the 0.
	p.RegCopy(ret, cu.arg(0))
	isNull := cu.genCmpImmBranch(lir.CondEQ, cu.arg(0), 0)
	cu.heapLoad(lir.SizeWord, cu.arg(1), cu.arg(0), cu.Target.Layout.ObjectClass)
	cu.movRI(cu.arg(2), int64(m.Resolved))
	cu.loadHelper(cu.arg(3), target.HelperInstanceofNonTrivial)
	cu.movRI(ret, 1)
	cu.cmpRR(cu.arg(1), cu.arg(2))
	same := cu.genCondBranch(lir.CondEQ)
	p.RegCopy(cu.arg(0), cu.arg(1))
	p.RegCopy(cu.arg(1), cu.arg(2))
	cu.callReg(cu.arg(3))
	p.ClobberCallRegs()
	done := cu.genLabel()
	cu.setTarget(isNull, done)
	cu.setTarget(same, done)
	p.StoreValue(vreg(in.A), p.GetReturn())
}

func (cu *CompilationUnit) genNewInstance(m *mir.MIR) {
	if m.Resolved == 0 {
		log.Printf("[jit] %s: unresolved class, single-stepping", m)
		cu.genInterpSingleStep(m)
		return
	}
	in := &m.Insn
	p := cu.Pool
	p.FlushAll()
	cu.genExportPC()
	cu.lockFixed(cu.arg(0), cu.arg(1), cu.arg(2))
	cu.movRI(cu.arg(0), int64(m.Resolved))
	cu.movRI(cu.arg(1), 0)
	cu.callHelper(cu.arg(2), target.HelperAllocObject)
	p.ClobberCallRegs()
	cu.genAllocResult(m, vreg(in.A))
}

func (cu *CompilationUnit) genNewArray(m *mir.MIR) {
	if m.Resolved == 0 {
		log.Printf("[jit] %s: unresolved class, single-stepping", m)
		cu.genInterpSingleStep(m)
		return
	}
	in := &m.Insn
	p := cu.Pool
	p.FlushAll()
	cu.genExportPC()
	cu.lockFixed(cu.arg(0), cu.arg(1), cu.arg(2), cu.arg(3))
	p.LoadValueDirectFixed(vreg(in.B), cu.arg(1))
	// Negative sizes throw in the interpreter.
	cu.genRegImmCheck(lir.CondMI, cu.arg(1), 0)
	cu.movRI(cu.arg(0), int64(m.Resolved))
	cu.movRI(cu.arg(2), 0)
	cu.callHelper(cu.arg(3), target.HelperAllocArrayByClass)
	p.ClobberCallRegs()
	cu.genAllocResult(m, vreg(in.A))
}

// genAllocResult throws when an allocation helper returned null and stores
// the new object otherwise.
func (cu *CompilationUnit) genAllocResult(m *mir.MIR, dest ralloc.RegLocation) {
	ok := cu.genCmpImmBranch(lir.CondNE, cu.Target.Ret0, 0)
	cu.genThrow(m.Offset)
	cu.setTarget(ok, cu.genLabel())
	cu.Pool.StoreValue(dest, cu.Pool.GetReturn())
}

func (cu *CompilationUnit) genMonitor(m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	p.FlushAll()
	cu.genExportPC()
	cu.lockFixed(cu.arg(0), cu.arg(1), cu.arg(2))
	p.LoadValueDirectFixed(vreg(in.A), cu.arg(1))
	p.RegCopy(cu.arg(0), cu.Target.Self)
	cu.genNullCheck(int(in.A), cu.arg(1), m)
	resume := int64(m.Offset) + int64(m.Insn.Opcode.Width())
	if in.Opcode == bytecode.OpMonitorEnter {
		cu.movRI(cu.Target.PC, resume)
		cu.callTemplate(target.TemplateMonitorEnter)
		p.ClobberCallRegs()
		return
	}
	cu.callHelper(cu.arg(2), target.HelperUnlockObject)
	p.ClobberCallRegs()
	ok := cu.genCmpImmBranch(lir.CondNE, cu.Target.Ret0, 0)
	cu.genThrow(uint32(resume))
	cu.setTarget(ok, cu.genLabel())
}
