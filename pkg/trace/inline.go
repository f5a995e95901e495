package trace

import (
	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/mir"
)

type bodyKind uint8

const (
	bodyOther bodyKind = iota
	bodyEmpty
	bodyGetter
	bodySetter
)

// analyzeBody classifies a callee whose code is a single field access
// followed by a return, or just a return-void.
func (b *builder) analyzeBody(callee bytecode.MethodRef) (bodyKind, bytecode.Instruction, uint32) {
	info, ok := b.res.Method(callee)
	if !ok || info.Native {
		return bodyOther, bytecode.Instruction{}, 0
	}
	first, err := b.dec.Decode(callee, 0)
	if err != nil {
		return bodyOther, first, 0
	}
	if first.Opcode == bytecode.OpReturnVoid {
		return bodyEmpty, first, 0
	}
	df := first.Opcode.DataFlow()
	if df&(bytecode.DfIsGetter|bytecode.DfIsSetter) == 0 {
		return bodyOther, first, 0
	}
	field, ok := b.res.ResolveField(callee, first.Index)
	if !ok {
		return bodyOther, first, 0
	}
	next, err := b.dec.Decode(callee, uint32(first.Opcode.Width()))
	if err != nil {
		return bodyOther, first, 0
	}
	switch {
	case df&bytecode.DfIsGetter != 0 && next.Opcode >= bytecode.OpReturn && next.Opcode <= bytecode.OpReturnObject && next.A == first.A:
		return bodyGetter, first, field
	case df&bytecode.DfIsSetter != 0 && next.Opcode == bytecode.OpReturnVoid:
		return bodySetter, first, field
	}
	return bodyOther, first, 0
}

// argReg maps a callee register to the caller register passed for it.
func argReg(invoke *bytecode.Instruction, info MethodInfo, calleeReg uint32) (uint32, bool) {
	rank := int(calleeReg) - (info.Registers - info.Ins)
	args := invoke.ArgRegs()
	if rank < 0 || rank >= len(args) {
		return 0, false
	}
	return args[rank], true
}

// inline rewrites invokes of trivial callees. A statically bound callee is
// inlined outright; a virtual callee seen by the profiler is inlined behind a
// class check with the full invoke as the slow path.
func (b *builder) inline() {
	for _, bb := range b.code {
		if bb.Empty() {
			continue
		}
		invoke := b.g.MIR(bb.LastMIR)
		op := invoke.Opcode()
		if !op.IsInvoke() || invoke.Flags&mir.SingleStep != 0 || invoke.Callsite == nil {
			continue
		}
		callee := invoke.Callsite.Method
		if callee == 0 {
			continue
		}
		predicted := isVirtual(op)
		if predicted && len(invoke.Insn.ArgRegs()) == 0 {
			continue
		}
		kind, body, field := b.analyzeBody(callee)
		switch kind {
		case bodyEmpty:
			if predicted {
				b.predict(bb, invoke, nil)
			} else {
				invoke.Flags |= mir.Inlined
				bb.NeedFallThroughBranch = true
			}
		case bodyGetter:
			b.inlineGetter(bb, invoke, callee, body, field, predicted)
		case bodySetter:
			b.inlineSetter(bb, invoke, callee, body, field, predicted)
		}
	}
}

func (b *builder) moveResultAfter(bb *mir.BasicBlock) *mir.MIR {
	next := b.g.Block(bb.FallThrough)
	if next == nil || next.Kind != mir.BytecodeBlock || next.Empty() {
		return nil
	}
	m := b.g.MIR(next.FirstMIR)
	switch m.Opcode() {
	case bytecode.OpMoveResult, bytecode.OpMoveResultWide, bytecode.OpMoveResultObject:
		return m
	}
	return nil
}

func (b *builder) calleeMIR(invoke *mir.MIR, callee bytecode.MethodRef, in bytecode.Instruction, field uint32) *mir.MIR {
	m := &mir.MIR{
		Insn:     in,
		Offset:   invoke.Offset,
		Width:    in.Opcode.Width(),
		Flags:    mir.Callee,
		Callee:   callee,
		Resolved: field,
	}
	fillDataFlow(m)
	return m
}

func (b *builder) inlineGetter(bb *mir.BasicBlock, invoke *mir.MIR, callee bytecode.MethodRef, in bytecode.Instruction, field uint32, predicted bool) {
	moveResult := b.moveResultAfter(bb)
	if moveResult == nil {
		return
	}
	info, _ := b.res.Method(callee)
	obj, ok := argReg(&invoke.Insn, info, in.B)
	if !ok {
		return
	}
	in.B = obj
	in.A = moveResult.Insn.A
	getter := b.calleeMIR(invoke, callee, in, field)
	if predicted {
		b.predict(bb, invoke, getter)
		moveResult.Flags |= mir.InlinedPred
		return
	}
	b.g.InsertMIRAfter(bb, invoke.ID, getter)
	invoke.Flags |= mir.Inlined
	moveResult.Flags |= mir.Inlined
}

func (b *builder) inlineSetter(bb *mir.BasicBlock, invoke *mir.MIR, callee bytecode.MethodRef, in bytecode.Instruction, field uint32, predicted bool) {
	info, _ := b.res.Method(callee)
	val, ok1 := argReg(&invoke.Insn, info, in.A)
	obj, ok2 := argReg(&invoke.Insn, info, in.B)
	if !ok1 || !ok2 {
		return
	}
	in.A, in.B = val, obj
	setter := b.calleeMIR(invoke, callee, in, field)
	if predicted {
		b.predict(bb, invoke, setter)
		return
	}
	b.g.InsertMIRAfter(bb, invoke.ID, setter)
	invoke.Flags |= mir.Inlined
	bb.NeedFallThroughBranch = true
}

// predict turns invoke into a class-check guard followed by the inlined body
// (if any) and a copy of the invoke as the slow path.
func (b *builder) predict(bb *mir.BasicBlock, invoke *mir.MIR, body *mir.MIR) {
	slow := *invoke
	slow.Flags |= mir.InlinedPred
	slow.Uses = append([]int(nil), invoke.Uses...)
	slow.FPUses = append([]bool(nil), invoke.FPUses...)

	this := invoke.Insn.ArgRegs()[0]
	invoke.Ext = mir.CheckInlinePrediction{This: int(this), Callsite: invoke.Callsite}
	invoke.Uses = []int{int(this)}
	invoke.FPUses = []bool{false}
	invoke.Defs, invoke.FPDefs = nil, nil

	after := invoke.ID
	if body != nil {
		after = b.g.InsertMIRAfter(bb, after, body).ID
	}
	b.g.InsertMIRAfter(bb, after, &slow)
}
