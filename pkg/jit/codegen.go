package jit

import (
	"log"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/mir"
	"github.com/ascrivener/tracejit/pkg/ralloc"
	"github.com/ascrivener/tracejit/pkg/target"
	"github.com/ascrivener/tracejit/pkg/trace"
)

// lower translates the whole graph. Code blocks come first in layout order,
// then the reconstruction cells, the exception block, the chaining cells
// grouped by kind and the switch overflow pad.
func (cu *CompilationUnit) lower() {
	order := cu.layout()
	for i, bb := range order {
		cu.next = nil
		if i+1 < len(order) {
			cu.next = order[i+1]
		}
		cu.lowerBlock(bb)
	}
	cu.next = nil

	cu.emitPCReconstructionCells()
	cu.emitExceptionBlock()
	cu.emitChainingCells()
	cu.emitSwitchOverflowPad()

	cu.resolveFixups()
	if cu.opts.SelfVerify {
		cu.insertMemOpVerification()
	}
	cu.LIR.Seal()
}

// layout orders the entry and bytecode blocks by id, pulling the single-
// predecessor target of a goto up behind it to form a superblock. Chaining
// cells are collected per kind on the way.
func (cu *CompilationUnit) layout() []*mir.BasicBlock {
	g := cu.Graph
	g.ClearVisited()
	superblocks := !cu.Trace.Desc.DisabledOpts.Has(trace.OptSuperblocks)
	var order []*mir.BasicBlock
	for _, bb := range g.Blocks {
		switch {
		case bb.Kind.IsChainingCell():
			cu.addCell(bb)
			continue
		case bb.Kind != mir.EntryBlock && bb.Kind != mir.BytecodeBlock:
			continue
		}
		for cur := bb; cur != nil && !cur.Visited; {
			cur.Visited = true
			order = append(order, cur)
			if !superblocks {
				break
			}
			cur = cu.superblockSuccessor(cur)
		}
	}
	return order
}

func (cu *CompilationUnit) superblockSuccessor(bb *mir.BasicBlock) *mir.BasicBlock {
	if bb.Empty() {
		return nil
	}
	last := cu.Graph.MIR(bb.LastMIR)
	if last.Ext != nil || last.Opcode() != bytecode.OpGoto || bb.Taken == mir.NoBlock {
		return nil
	}
	to := cu.Graph.Block(bb.Taken)
	if to.Kind != mir.BytecodeBlock || to.Visited || to.Predecessors.Count() != 1 {
		return nil
	}
	to.Hidden = true
	return to
}

func (cu *CompilationUnit) addCell(bb *mir.BasicBlock) {
	k := chain.Kind(bb.Kind)
	if len(cu.cells[k]) >= cu.opts.MaxChainingCells {
		panic(errors.Exhaustedf(errors.ReasonCellListOverflow,
			"more than %d %s chaining cells", cu.opts.MaxChainingCells, k))
	}
	cu.cells[k] = append(cu.cells[k], bb)
}

func (cu *CompilationUnit) isNext(id mir.BlockID) bool {
	return cu.next != nil && cu.next.ID == id
}

func (cu *CompilationUnit) lowerBlock(bb *mir.BasicBlock) {
	cu.offset = bb.StartOffset
	cu.Pool.ResetPool()
	cu.Pool.ClobberAll()
	cu.Pool.ResetNullChecks()

	op := lir.PseudoNormalBlockLabel
	if bb.Kind == mir.EntryBlock {
		op = lir.PseudoEntryBlock
	}
	cu.blockLabel[bb.ID] = cu.Emit(lir.LIR{Op: op, Operands: ops(int64(bb.ID), int64(bb.StartOffset))})
	if bb.Kind == mir.EntryBlock {
		cu.genEntryChecks(bb)
	}

	for _, m := range cu.Graph.BlockMIRs(bb) {
		cu.offset = m.Offset
		cu.Pool.ResetPool()
		cu.Emit(lir.LIR{Op: lir.PseudoBytecodeBoundary, Operands: ops(int64(m.Offset), int64(m.Insn.Opcode)), Comment: m.String()})
		if m.Ext != nil {
			cu.lowerExtended(bb, m)
		} else {
			cu.lowerMIR(bb, m)
		}
		if err := cu.Pool.Check(); err != nil {
			panic(err)
		}
	}
	cu.finishBlock(bb)
}

// finishBlock branches to the fall-through successor unless it is laid out
// next or the block ended in a call that returns through a chaining cell.
func (cu *CompilationUnit) finishBlock(bb *mir.BasicBlock) {
	if bb.FallThrough == mir.NoBlock {
		return
	}
	if !bb.Empty() {
		last := cu.Graph.MIR(bb.LastMIR)
		if last.Ext == nil && last.Opcode().IsInvoke() && last.Flags&mir.Inlined == 0 {
			return
		}
	}
	if bb.NeedFallThroughBranch || !cu.isNext(bb.FallThrough) {
		cu.genBranchToBlock(bb.FallThrough)
	}
}

// genEntryChecks polls for a suspend request before the first instruction
// runs.
func (cu *CompilationUnit) genEntryChecks(bb *mir.BasicBlock) {
	cu.genSuspendPoll(bb.StartOffset)
}

// genSuspendPoll leaves the trace through the reconstruction cell of offset
// when the thread has a pending break request.
func (cu *CompilationUnit) genSuspendPoll(offset uint32) {
	t := cu.Pool.AllocTemp()
	cu.load(lir.SizeByte, t, cu.Target.Self, cu.Target.Layout.SelfBreakFlags)
	cu.cmpRI(t, 0)
	cu.genCheckBranch(lir.CondNE, offset)
	cu.Pool.FreeTemp(t)
}

// lowerMIR dispatches one bytecode instruction.
func (cu *CompilationUnit) lowerMIR(bb *mir.BasicBlock, m *mir.MIR) {
	op := m.Opcode()
	if m.Flags&mir.SingleStep != 0 {
		cu.genInterpSingleStep(m)
		return
	}
	if m.Flags&mir.Inlined != 0 && (op.IsInvoke() || isMoveResult(op)) {
		return
	}

	switch {
	case op == bytecode.OpNop:
	case op >= bytecode.OpMove && op <= bytecode.OpMoveResultObject:
		cu.genMove(bb, m)
	case op == bytecode.OpReturnVoid, op >= bytecode.OpReturn && op <= bytecode.OpReturnObject:
		cu.genReturn(m)
	case op >= bytecode.OpConst && op <= bytecode.OpConstClass:
		cu.genConst(m)
	case op == bytecode.OpMonitorEnter, op == bytecode.OpMonitorExit:
		cu.genMonitor(m)
	case op == bytecode.OpCheckCast:
		cu.genCheckCast(m)
	case op == bytecode.OpInstanceOf:
		cu.genInstanceOf(m)
	case op == bytecode.OpArrayLength:
		cu.genArrayLength(m)
	case op == bytecode.OpNewInstance:
		cu.genNewInstance(m)
	case op == bytecode.OpNewArray:
		cu.genNewArray(m)
	case op == bytecode.OpGoto:
		cu.genGoto(bb, m)
	case op == bytecode.OpPackedSwitch, op == bytecode.OpSparseSwitch:
		cu.genSwitch(bb, m)
	case op >= bytecode.OpCmplFloat && op <= bytecode.OpCmpLong:
		cu.genCmp(m)
	case op.IsConditionalBranch():
		cu.genIf(bb, m)
	case op >= bytecode.OpAget && op <= bytecode.OpAputShort:
		cu.genArrayAccess(m)
	case op >= bytecode.OpIget && op <= bytecode.OpIputShort:
		cu.genInstanceField(m)
	case op >= bytecode.OpSget && op <= bytecode.OpSputObject:
		cu.genStaticField(m)
	case op.IsInvoke():
		cu.genInvoke(bb, m)
	case op >= bytecode.OpNegInt && op <= bytecode.OpIntToShort:
		cu.genUnaryOp(m)
	case op >= bytecode.OpAddInt && op <= bytecode.OpUshrInt:
		cu.genArithInt(m)
	case op >= bytecode.OpAddLong && op <= bytecode.OpUshrLong:
		cu.genArithLong(m)
	case op >= bytecode.OpAddFloat && op <= bytecode.OpRemDouble:
		cu.genArithFP(m)
	case op >= bytecode.OpAddIntLit && op <= bytecode.OpUshrIntLit:
		cu.genArithIntLit(m)
	default:
		// throw, filled-new-array, fill-array-data and move-exception are
		// left to the interpreter.
		cu.genInterpSingleStep(m)
	}
}

func isMoveResult(op bytecode.Opcode) bool {
	return op >= bytecode.OpMoveResult && op <= bytecode.OpMoveResultObject
}

func vreg(r uint32) ralloc.RegLocation     { return ralloc.VReg(int(r)) }
func vregWide(r uint32) ralloc.RegLocation { return ralloc.VRegWide(int(r)) }

func (cu *CompilationUnit) genMove(bb *mir.BasicBlock, m *mir.MIR) {
	in := &m.Insn
	switch in.Opcode {
	case bytecode.OpMove, bytecode.OpMoveObject:
		cu.Pool.StoreValue(vreg(in.A), vreg(in.B))
	case bytecode.OpMoveWide:
		cu.Pool.StoreValueWide(vregWide(in.A), vregWide(in.B))
	case bytecode.OpMoveResult, bytecode.OpMoveResultObject:
		cu.Pool.StoreValue(vreg(in.A), ralloc.Retval(false))
	case bytecode.OpMoveResultWide:
		cu.Pool.StoreValueWide(vregWide(in.A), ralloc.Retval(true))
	}
	if isMoveResult(in.Opcode) && m.Flags&mir.InlinedPred != 0 {
		cu.bindResume(bb)
	}
}

func (cu *CompilationUnit) genConst(m *mir.MIR) {
	in := &m.Insn
	switch in.Opcode {
	case bytecode.OpConst:
		res := cu.Pool.EvalLoc(vreg(in.A), ralloc.AnyReg, true)
		cu.movRI(res.LowReg, int64(int32(in.Literal)))
		cu.Pool.StoreValue(vreg(in.A), res)
	case bytecode.OpConstWide:
		res := cu.Pool.EvalLoc(vregWide(in.A), ralloc.CoreReg, true)
		cu.movRI(res.LowReg, int64(int32(in.Literal)))
		cu.movRI(res.HighReg, int64(int32(in.Literal>>32)))
		cu.Pool.StoreValueWide(vregWide(in.A), res)
	case bytecode.OpConstString, bytecode.OpConstClass:
		if m.Resolved == 0 {
			log.Printf("[jit] null %s at %#x, single-stepping", in.Opcode, m.Offset)
			cu.genInterpSingleStep(m)
			return
		}
		res := cu.Pool.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
		cu.movRI(res.LowReg, int64(m.Resolved))
		cu.Pool.StoreValue(vreg(in.A), res)
	}
}

func (cu *CompilationUnit) genReturn(m *mir.MIR) {
	in := &m.Insn
	switch in.Opcode {
	case bytecode.OpReturn, bytecode.OpReturnObject:
		cu.Pool.StoreValue(ralloc.Retval(false), vreg(in.A))
	case bytecode.OpReturnWide:
		cu.Pool.StoreValueWide(ralloc.Retval(true), vregWide(in.A))
	}
	cu.callTemplate(target.TemplateReturn)
	// The template returns here only when the caller is not compiled.
	cu.genTrap(m.Offset)
}

// genArrayLength loads the length word of a non-null array.
func (cu *CompilationUnit) genArrayLength(m *mir.MIR) {
	in := &m.Insn
	obj := cu.Pool.LoadValue(vreg(in.B), ralloc.CoreReg)
	cu.genNullCheck(obj.SReg, obj.LowReg, m)
	res := cu.Pool.EvalLoc(vreg(in.A), ralloc.CoreReg, true)
	cu.heapLoad(lir.SizeWord, res.LowReg, obj.LowReg, cu.Target.Layout.ArrayLength)
	cu.Pool.StoreValue(vreg(in.A), res)
}

// lowerExtended lowers the meta-ops the trace builder inserts.
func (cu *CompilationUnit) lowerExtended(bb *mir.BasicBlock, m *mir.MIR) {
	cu.Emit(lir.LIR{Op: lir.PseudoExtended, Comment: m.Ext.Name()})
	switch ext := m.Ext.(type) {
	case mir.Phi:
	case mir.NullRangeUpCheck:
		cu.genHoistedChecksForCountUpLoop(ext)
	case mir.NullRangeDownCheck:
		cu.genHoistedChecksForCountDownLoop(ext)
	case mir.LowerBoundCheck:
		cu.genHoistedLowerBoundCheck(ext)
	case mir.Punt:
		cu.genBranchToPCR(cu.loopEntryPCR())
	case mir.CheckInlinePrediction:
		cu.genValidationForPredictedInline(m, ext)
	default:
		abortf("unknown extended op %s", m.Ext.Name())
	}
}
