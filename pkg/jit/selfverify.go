package jit

import (
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/target"
)

// insertMemOpVerification routes each heap access through the memory-op
// decoder, which replays it against a shadow heap.
func (cu *CompilationUnit) insertMemOpVerification() {
	var at []int
	cu.LIR.Walk(func(l *lir.LIR) {
		if l.Flags&lir.NeedsVerify != 0 && l.Flags&lir.IsNop == 0 {
			at = append(at, l.Index())
		}
	})
	for _, i := range at {
		cu.LIR.InsertBefore(i, lir.LIR{
			Op:           lir.OpCallTemplate,
			Operands:     ops(int64(target.TemplateMemOpDecode)),
			DalvikOffset: cu.LIR.Node(i).DalvikOffset,
			Comment:      target.TemplateMemOpDecode.String(),
		})
	}
}
