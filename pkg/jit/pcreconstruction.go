package jit

import (
	"github.com/ascrivener/tracejit/pkg/lir"
)

// emitPCReconstructionCells places one cell per deopt point. Each loads the
// bytecode offset to resume at and joins the exception block, which punts to
// the interpreter.
func (cu *CompilationUnit) emitPCReconstructionCells() {
	if len(cu.pcrs) == 0 {
		return
	}
	cu.Emit(lir.LIR{Op: lir.PseudoPCReconstructionBlockLabel})
	for i := range cu.pcrs {
		pcr := &cu.pcrs[i]
		cu.offset = pcr.offset
		cu.Pool.ResetPool()
		pcr.label = cu.Emit(lir.LIR{Op: lir.PseudoPCReconstructionCell,
			Operands: ops(int64(pcr.offset), int64(pcr.offset))})
		cu.movRI(cu.arg(0), int64(pcr.offset))
		cu.addFixup(cu.genBranch(), fixException, 0)
	}
}

func (cu *CompilationUnit) emitExceptionBlock() {
	cu.Pool.ResetPool()
	cu.ehLabel = cu.Emit(lir.LIR{Op: lir.PseudoEHBlockLabel})
	cu.loadSelf(cu.arg(1), cu.Target.Layout.SelfPunt)
	cu.callReg(cu.arg(1))
}
