package jit

import (
	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/mir"
	"github.com/ascrivener/tracejit/pkg/ralloc"
)

// loopEntryPCR is the reconstruction point every hoisted check leaves
// through: the loop restarts in the interpreter from its first instruction.
func (cu *CompilationUnit) loopEntryPCR() int {
	if cu.loopEntry < 0 {
		cu.loopEntry = cu.pcrFor(cu.Graph.Block(cu.Trace.Entry).StartOffset)
	}
	return cu.loopEntry
}

// genLoopArrayChecks leaves the loop when the array is null or when
// idx+delta reaches its length.
func (cu *CompilationUnit) genLoopArrayChecks(array, idx int, delta int32) {
	p := cu.Pool
	pcr := cu.loopEntryPCR()
	arr := p.LoadValue(ralloc.VReg(array), ralloc.CoreReg)
	reg := p.LoadValue(ralloc.VReg(idx), ralloc.CoreReg).LowReg
	cu.cmpRI(arr.LowReg, 0)
	cu.genCondBranchToPCR(lir.CondEQ, pcr)
	length := p.AllocTemp()
	cu.heapLoad(lir.SizeWord, length, arr.LowReg, cu.Target.Layout.ArrayLength)
	if delta != 0 {
		t := p.AllocTemp()
		cu.aluRRI(lir.AluAdd, t, reg, int64(delta))
		reg = t
	}
	cu.cmpRR(reg, length)
	cu.genCondBranchToPCR(lir.CondGE, pcr)
}

func (cu *CompilationUnit) genHoistedChecksForCountUpLoop(c mir.NullRangeUpCheck) {
	delta := c.MaxC
	// With an if-ge exit the last index is End-1.
	if c.ExitCond == bytecode.OpIfGe {
		delta--
	}
	cu.genLoopArrayChecks(c.Array, c.End, delta)
}

func (cu *CompilationUnit) genHoistedChecksForCountDownLoop(c mir.NullRangeDownCheck) {
	cu.genLoopArrayChecks(c.Array, c.Index, c.MaxC)
}

func (cu *CompilationUnit) genHoistedLowerBoundCheck(c mir.LowerBoundCheck) {
	idx := cu.Pool.LoadValue(ralloc.VReg(c.Index), ralloc.CoreReg)
	cu.cmpRI(idx.LowReg, -int64(c.MinC))
	cu.genCondBranchToPCR(lir.CondLT, cu.loopEntryPCR())
}
