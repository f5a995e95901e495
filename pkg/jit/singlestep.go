package jit

import (
	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/mir"
)

// genInterpSingleStep hands one instruction to the interpreter. Loop traces
// cannot leave and re-enter mid-body, so they are abandoned instead and
// recompiled without loop formation.
func (cu *CompilationUnit) genInterpSingleStep(m *mir.MIR) {
	if cu.Trace.LoopMode {
		cu.QuitLoopMode = true
		return
	}
	p := cu.Pool
	lay := &cu.Target.Layout
	p.FlushAll()
	f := m.Insn.Opcode.Flags()
	if m.Next == mir.NoMIR || f&(bytecode.CanBranch|bytecode.CanSwitch|bytecode.CanReturn|bytecode.CanThrow) != 0 {
		// The next instruction is unknown; the interpreter keeps going.
		cu.lockFixed(cu.arg(0), cu.arg(1))
		cu.movRI(cu.arg(0), int64(m.Offset))
		cu.loadSelf(cu.arg(1), lay.SelfPunt)
		cu.callReg(cu.arg(1))
		p.ClobberCallRegs()
		cu.killSteppedDefs(m)
		return
	}
	next := cu.Graph.MIR(m.Next)
	cu.lockFixed(cu.arg(0), cu.arg(1), cu.arg(2))
	cu.loadSelf(cu.arg(2), lay.SelfSingleStep)
	cu.movRI(cu.arg(0), int64(m.Offset))
	cu.movRI(cu.arg(1), int64(next.Offset))
	cu.callReg(cu.arg(2))
	p.ClobberCallRegs()
	cu.killSteppedDefs(m)
}

// killSteppedDefs forgets what was known about the registers the interpreter
// wrote on the trace's behalf.
func (cu *CompilationUnit) killSteppedDefs(m *mir.MIR) {
	for _, d := range m.Defs {
		cu.Pool.ClobberSReg(d)
		cu.Pool.ForgetNullChecked(d)
	}
}
