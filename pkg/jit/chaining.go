package jit

import (
	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/mir"
)

// cellData is the value a cell of bb's kind resumes with.
func cellData(bb *mir.BasicBlock) uint32 {
	switch chain.Kind(bb.Kind) {
	case chain.KindInvokeSingleton:
		return uint32(bb.Method)
	case chain.KindInvokePredicted:
		return uint32(bb.PredictedClass)
	}
	return bb.StartOffset
}

// emitChainingCells places the cells grouped by kind, in kind order. A cold
// trampoline cell calls the interpreter entry for its kind; a predicted cell
// is pure data read by the predicted-chain template.
func (cu *CompilationUnit) emitChainingCells() {
	lay := &cu.Target.Layout
	entries := [chain.NumKinds]int32{
		chain.KindNormal:          lay.SelfInterpNormal,
		chain.KindHot:             lay.SelfTraceSelect,
		chain.KindInvokeSingleton: lay.SelfTraceSelect,
		chain.KindBackwardBranch:  lay.SelfBackwardBranch,
	}
	for k := chain.Kind(0); k < chain.NumKinds; k++ {
		for _, bb := range cu.cells[k] {
			cu.offset = bb.StartOffset
			cu.Pool.ResetPool()
			data := cellData(bb)
			cu.Emit(lir.LIR{Op: lir.PseudoAlign4})
			label := cu.Emit(lir.LIR{Op: lir.PseudoChainingCell, Operands: ops(int64(k), int64(data))})
			cu.cellLabels[k] = append(cu.cellLabels[k], label)
			cu.blockLabel[bb.ID] = label
			words := chain.InitialWords(k, data)
			if !k.Trampoline() {
				for _, w := range words {
					cu.dataWord(w)
				}
				continue
			}
			for _, w := range words[:chain.WordData+1] {
				cu.dataWord(w)
			}
			cu.loadSelf(cu.arg(0), entries[k])
			cu.callReg(cu.arg(0))
		}
	}
	cu.Emit(lir.LIR{Op: lir.PseudoChainingCellBottom})
}
