package jit

import (
	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/mir"
	"github.com/ascrivener/tracejit/pkg/ralloc"
)

var ifConds = [...]lir.Cond{lir.CondEQ, lir.CondNE, lir.CondLT, lir.CondGE, lir.CondGT, lir.CondLE}

// pollsBackEdges reports whether backward branches check for a pending
// suspend before they are taken.
func (cu *CompilationUnit) pollsBackEdges() bool {
	return cu.Trace.LoopMode || !cu.opts.NoSuspendPoll
}

func (cu *CompilationUnit) genGoto(bb *mir.BasicBlock, m *mir.MIR) {
	if m.Insn.Target <= 0 && cu.pollsBackEdges() {
		cu.genSuspendPoll(m.Offset)
	}
	if bb.Taken != mir.NoBlock && !cu.isNext(bb.Taken) {
		cu.genBranchToBlock(bb.Taken)
	}
}

func (cu *CompilationUnit) genIf(bb *mir.BasicBlock, m *mir.MIR) {
	in := &m.Insn
	p := cu.Pool
	if in.Target <= 0 && cu.pollsBackEdges() {
		cu.genSuspendPoll(m.Offset)
	}
	var cond lir.Cond
	if in.Opcode >= bytecode.OpIfEqz {
		cond = ifConds[in.Opcode-bytecode.OpIfEqz]
		src := p.LoadValue(vreg(in.A), ralloc.CoreReg)
		cu.cmpRI(src.LowReg, 0)
	} else {
		cond = ifConds[in.Opcode-bytecode.OpIfEq]
		a := p.LoadValue(vreg(in.A), ralloc.CoreReg)
		b := p.LoadValue(vreg(in.B), ralloc.CoreReg)
		cu.cmpRR(a.LowReg, b.LowReg)
	}
	if bb.Taken == mir.NoBlock {
		cu.genCheckBranch(cond, uint32(int64(m.Offset)+int64(in.Target)))
		return
	}
	cu.genCondBranchToBlock(cond, bb.Taken)
}

// genSwitch compares the key against each chained case in order. Cases the
// trace had no cell for load their target offset and leave through the
// shared no-chain pad.
func (cu *CompilationUnit) genSwitch(bb *mir.BasicBlock, m *mir.MIR) {
	in := &m.Insn
	tab := in.Switch
	if tab == nil {
		abortf("%s without a table", m)
	}
	p := cu.Pool
	val := p.LoadValue(vreg(in.A), ralloc.CoreReg)
	key := func(i int) int64 {
		if in.Opcode == bytecode.OpPackedSwitch {
			return int64(tab.FirstKey) + int64(i)
		}
		return int64(tab.Keys[i])
	}
	for i, succ := range bb.Successors {
		cu.cmpRI(val.LowReg, key(i))
		cu.genCondBranchToBlock(lir.CondEQ, succ)
	}
	for i := len(bb.Successors); i < len(tab.Targets); i++ {
		cu.cmpRI(val.LowReg, key(i))
		skip := cu.genCondBranch(lir.CondNE)
		cu.movRI(cu.arg(1), int64(tab.Targets[i]))
		cu.addFixup(cu.genBranch(), fixSwitchPad, 0)
		cu.setTarget(skip, cu.genLabel())
	}
}

// emitSwitchOverflowPad hands the interpreter the switch's resume PC, built
// from the switch offset and the relative target each overflow case loaded.
func (cu *CompilationUnit) emitSwitchOverflowPad() {
	if !cu.Trace.SwitchOverflow {
		return
	}
	cu.offset = cu.Trace.SwitchOffset
	cu.Pool.ResetPool()
	cu.switchPad = cu.genLabel()
	cu.movRI(cu.arg(0), int64(cu.Trace.SwitchOffset))
	cu.loadSelf(cu.arg(2), cu.Target.Layout.SelfNoChain)
	cu.aluRRR(lir.AluAdd, cu.Target.PC, cu.arg(0), cu.arg(1))
	cu.callReg(cu.arg(2))
}
