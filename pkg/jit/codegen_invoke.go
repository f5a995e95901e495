package jit

import (
	"log"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/mir"
	"github.com/ascrivener/tracejit/pkg/target"
)

func isVirtualInvoke(op bytecode.Opcode) bool {
	switch op {
	case bytecode.OpInvokeVirtual, bytecode.OpInvokeVirtualRange:
		return true
	}
	return false
}

func isInterfaceInvoke(op bytecode.Opcode) bool {
	return op == bytecode.OpInvokeInterface || op == bytecode.OpInvokeInterfaceRange
}

func (cu *CompilationUnit) genInvoke(bb *mir.BasicBlock, m *mir.MIR) {
	if bb.FallThrough == mir.NoBlock {
		abortf("%s has no return block", m)
	}
	if m.Flags&mir.InlinedPred != 0 {
		cu.genLandingPad(bb, m)
	}
	op := m.Insn.Opcode
	switch {
	case isVirtualInvoke(op):
		cu.genProcessArgs(m)
		cu.genInvokePredicted(bb, m)
	case isInterfaceInvoke(op):
		cu.genProcessArgs(m)
		cu.genInvokeInterface(bb, m)
	default:
		cu.genInvokeSingleton(bb, m)
	}
}

// genProcessArgs copies the arguments into the outs area below the caller's
// frame. Preserved ends up pointing at the first out.
func (cu *CompilationUnit) genProcessArgs(m *mir.MIR) {
	p := cu.Pool
	args := m.Insn.ArgRegs()
	p.FlushAll()
	p.LockAllTemps()
	outs := cu.Target.Preserved
	frame := cu.Target.Layout.StackSaveAreaSize + int32(4*len(args))
	cu.aluRRI(lir.AluSub, outs, cu.Target.FP, int64(frame))
	nullCheck := m.Insn.Opcode.DataFlow()&bytecode.DfNullCheckArg0 != 0
	for i, a := range args {
		p.LoadValueDirectFixed(vreg(a), cu.arg(0))
		if i == 0 && nullCheck {
			cu.genNullCheck(int(a), cu.arg(0), m)
		}
		cu.store(lir.SizeWord, cu.arg(0), outs, int32(4*i))
	}
}

// genInvokeSingleton calls a statically known callee. Interpreted callees
// return through the singleton cell; native ones are called directly.
// Invoke sites emit no suspend poll: every invoke template checks the
// thread's suspend count before it enters the callee.
func (cu *CompilationUnit) genInvokeSingleton(bb *mir.BasicBlock, m *mir.MIR) {
	callee := bytecode.MethodRef(m.Resolved)
	info, ok := cu.res.Method(callee)
	if !ok {
		log.Printf("[jit] %s: no frame info for callee %d, single-stepping", m, callee)
		cu.genInterpSingleStep(m)
		return
	}
	cu.genProcessArgs(m)
	cu.genLoadAddrOfBlock(cu.arg(1), bb.FallThrough)
	cu.movRI(cu.Target.PC, int64(m.Offset))
	cu.movRI(cu.Target.Preserved, int64(info.Registers))
	cu.movRI(cu.arg(0), int64(callee))
	if info.Native {
		cu.callTemplate(target.TemplateInvokeMethodNative)
	} else {
		cu.movRI(cu.arg(2), int64(info.Outs))
		cu.callTemplate(target.TemplateInvokeMethodChain)
		if bb.Taken != mir.NoBlock {
			cu.genBranchToBlock(bb.Taken)
		}
	}
	cu.genTrap(m.Offset)
	cu.Pool.ClobberCallRegs()
}

// genPredictedDispatch enters the predicted-chain template. It returns to
// the chaining cell when the class matches, and falls out to reconstruction
// or to a full method resolution otherwise.
func (cu *CompilationUnit) genPredictedDispatch(bb *mir.BasicBlock, m *mir.MIR) {
	if bb.Taken == mir.NoBlock {
		abortf("%s has no predicted cell", m)
	}
	cu.movRI(cu.Target.PC, int64(m.Offset))
	cu.genLoadAddrOfBlock(cu.arg(1), bb.FallThrough)
	cu.genLoadAddrOfBlock(cu.arg(2), bb.Taken)
	cu.callTemplate(target.TemplateInvokeMethodPredictedChain)
	cu.genBranchToBlock(bb.Taken)
	cu.genTrap(m.Offset)
}

// genRechain patches the predicted cell with the method in a0 unless the
// rechain counter in a1 says the cell was patched recently, then calls the
// method without chaining.
func (cu *CompilationUnit) genRechain(bb *mir.BasicBlock, m *mir.MIR, restore func()) {
	bypass := cu.genCmpImmBranch(lir.CondGT, cu.arg(1), 0)
	cu.loadHelper(cu.Target.Preserved, target.HelperPatchPredictedChain)
	cu.Pool.RegCopy(cu.arg(1), cu.Target.Self)
	if restore != nil {
		restore()
	}
	cu.callReg(cu.Target.Preserved)
	cu.setTarget(bypass, cu.genLoadAddrOfBlock(cu.arg(1), bb.FallThrough))
	cu.callTemplate(target.TemplateInvokeMethodNoOpt)
	cu.genTrap(m.Offset)
	cu.Pool.ClobberCallRegs()
}

func (cu *CompilationUnit) genInvokePredicted(bb *mir.BasicBlock, m *mir.MIR) {
	cu.genPredictedDispatch(bb, m)
	// The template left the receiver's vtable in Preserved.
	cu.load(lir.SizeWord, cu.arg(0), cu.Target.Preserved, int32(4*m.Insn.Index))
	cu.genRechain(bb, m, nil)
}

// genInvokeInterface resolves the callee through the interface cache before
// rechaining. The registers the template left for the patch call are parked
// in the thread's scratch area across the lookup.
func (cu *CompilationUnit) genInvokeInterface(bb *mir.BasicBlock, m *mir.MIR) {
	self := cu.Target.Self
	scratch := cu.Target.Layout.SelfScratch
	cu.genPredictedDispatch(bb, m)
	cu.store(lir.SizeWord, cu.arg(1), self, scratch)
	cu.store(lir.SizeWord, cu.arg(2), self, scratch+4)
	cu.store(lir.SizeWord, cu.arg(3), self, scratch+8)

	cu.Pool.RegCopy(cu.arg(0), cu.arg(3))
	cu.movRI(cu.arg(1), int64(m.Insn.Index))
	var method bytecode.MethodRef
	if m.Callsite != nil {
		method = m.Callsite.Method
	}
	cu.movRI(cu.arg(2), int64(method))
	cu.movRI(cu.arg(3), 0)
	cu.callHelper(cu.Target.Preserved, target.HelperFindInterfaceMethodInCache)
	cu.Pool.ClobberCallRegs()
	cu.Pool.LockAllTemps()
	found := cu.genCmpImmBranch(lir.CondNE, cu.Target.Ret0, 0)
	cu.genThrow(m.Offset)
	cu.setTarget(found, cu.genLabel())

	cu.Pool.RegCopy(cu.arg(0), cu.Target.Ret0)
	cu.load(lir.SizeWord, cu.arg(1), self, scratch)
	cu.genRechain(bb, m, func() {
		cu.load(lir.SizeWord, cu.arg(2), self, scratch+4)
		cu.load(lir.SizeWord, cu.arg(3), self, scratch+8)
	})
}

// genLandingPad closes the inlined fast path of a predicted inline and opens
// the slow path that the guard's mismatch branch lands on.
func (cu *CompilationUnit) genLandingPad(bb *mir.BasicBlock, m *mir.MIR) {
	ft := cu.Graph.Block(bb.FallThrough)
	if first := cu.firstMIR(ft); first != nil && first.Flags&mir.InlinedPred != 0 && isMoveResult(first.Opcode()) {
		cu.resume[ft.ID] = append(cu.resume[ft.ID], cu.genBranch())
	} else {
		cu.genBranchToBlock(ft.ID)
	}
	cu.Pool.ResetPool()
	cu.Pool.ClobberAll()
	cu.Pool.ResetNullChecks()
	pad := cu.genLabel()
	if m.Callsite == nil || m.Callsite.MisPredBranchOver < 0 {
		abortf("%s: slow path without a guard", m)
	}
	cu.setTarget(int(m.Callsite.MisPredBranchOver), pad)
}

func (cu *CompilationUnit) firstMIR(bb *mir.BasicBlock) *mir.MIR {
	if bb == nil || bb.Empty() {
		return nil
	}
	return cu.Graph.MIR(bb.FirstMIR)
}
