package jit

import (
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/mir"
	"github.com/ascrivener/tracejit/pkg/ralloc"
)

// genValidationForPredictedInline compares the receiver's class with the one
// the inlined body was specialized for. The mismatch branch is recorded on
// the callsite and later retargeted to the slow-path invoke.
func (cu *CompilationUnit) genValidationForPredictedInline(m *mir.MIR, ext mir.CheckInlinePrediction) {
	if ext.Callsite == nil {
		abortf("%s without a callsite", m)
	}
	p := cu.Pool
	this := p.LoadValue(ralloc.VReg(ext.This), ralloc.CoreReg)
	predicted := p.AllocTemp()
	cu.movRI(predicted, int64(ext.Callsite.PredictedClass))
	cu.genNullCheck(this.SReg, this.LowReg, m)
	actual := p.AllocTemp()
	cu.heapLoad(lir.SizeWord, actual, this.LowReg, cu.Target.Layout.ObjectClass)
	cu.cmpRR(predicted, actual)
	ext.Callsite.MisPredBranchOver = int32(cu.genCondBranch(lir.CondNE))
}

// bindResume places the label the inlined fast paths rejoin at, after the
// slow path's move-result has been lowered.
func (cu *CompilationUnit) bindResume(bb *mir.BasicBlock) {
	branches := cu.resume[bb.ID]
	if len(branches) == 0 {
		return
	}
	label := cu.genLabel()
	for _, b := range branches {
		cu.setTarget(b, label)
	}
	delete(cu.resume, bb.ID)
	cu.Pool.ClobberAll()
	cu.Pool.ResetNullChecks()
}
