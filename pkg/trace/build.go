package trace

import (
	"log"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/mir"
)

// Options change how a graph is built.
type Options struct {
	// SelfVerify routes branches back into their own block through
	// backward-branch cells.
	SelfVerify bool
}

// Trace is the block graph of one request plus what construction learned
// about it.
type Trace struct {
	Desc        *Descriptor
	Info        MethodInfo
	Graph       *mir.Graph
	Fingerprint Fingerprint

	Entry            mir.BlockID
	PCReconstruction mir.BlockID
	ExceptionBlock   mir.BlockID
	// BackChain is the backward-branch cell of a loop, NoBlock otherwise.
	BackChain mir.BlockID

	LoopMode  bool
	HasInvoke bool
	// SwitchOverflow is set when a switch has more cases than get cells;
	// SwitchOffset is the offset of that switch.
	SwitchOverflow bool
	SwitchOffset   uint32
}

// Block returns the block with the given id.
func (t *Trace) Block(id mir.BlockID) *mir.BasicBlock { return t.Graph.Block(id) }

const unknownTarget = ^uint32(0)

// Build decodes the runs of desc and constructs the block graph with its
// chaining cells, the PC-reconstruction block and the exception block.
func Build(desc *Descriptor, dec bytecode.Decoder, res Resolver, opts Options) (*Trace, error) {
	if len(desc.Runs) == 0 || desc.Runs[0].NumInsns <= 0 {
		return nil, errors.Abortf(errors.ReasonInvariantViolation, "trace %s has no instructions", desc)
	}
	if n := desc.NumInsns(); n > desc.Budget() {
		return nil, errors.Exhaustedf(errors.ReasonInstructionBudget,
			"trace %s has %d instructions, budget %d", desc, n, desc.Budget())
	}
	info, ok := res.Method(desc.Method)
	if !ok || info.Registers <= 0 {
		return nil, errors.Abortf(errors.ReasonUnresolvedFrame, "no frame description for method %d", desc.Method)
	}

	b := &builder{
		desc: desc,
		dec:  dec,
		res:  res,
		opts: opts,
		g:    mir.NewGraph(desc.Method),
	}
	t := &Trace{
		Desc:        desc,
		Info:        info,
		Graph:       b.g,
		Fingerprint: desc.Fingerprint(),
		BackChain:   mir.NoBlock,
	}
	b.t = t

	entry := b.g.NewBlock(mir.EntryBlock, desc.StartOffset())
	t.Entry = entry.ID
	if err := b.decodeRuns(); err != nil {
		return nil, err
	}
	if len(b.code) > 0 {
		b.g.Link(entry, b.code[0], false)
	}
	b.linkBlocks()

	t.PCReconstruction = b.g.NewBlock(mir.PCReconstruction, 0).ID
	t.ExceptionBlock = b.g.NewBlock(mir.ExceptionHandling, 0).ID

	if t.HasInvoke && !desc.DisabledOpts.Has(OptMethodInlining) {
		b.inline()
	}
	if t.LoopMode {
		b.hoistLoopChecks(entry)
	}
	if err := b.g.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ReasonInvariantViolation, "trace graph")
	}
	return t, nil
}

type builder struct {
	desc *Descriptor
	dec  bytecode.Decoder
	res  Resolver
	opts Options
	g    *mir.Graph
	t    *Trace
	// code holds the bytecode blocks in decode order.
	code []*mir.BasicBlock
}

func (b *builder) newCodeBlock(start uint32) *mir.BasicBlock {
	bb := b.g.NewBlock(mir.BytecodeBlock, start)
	b.code = append(b.code, bb)
	return bb
}

func (b *builder) decodeRuns() error {
	method := b.desc.Method
	for ri, run := range b.desc.Runs {
		if run.NumInsns <= 0 {
			break
		}
		var cur *mir.BasicBlock
		off := run.Start
		for i := 0; i < run.NumInsns; i++ {
			in, err := b.dec.Decode(method, off)
			if err != nil {
				if ri == 0 && i == 0 {
					return errors.Wrap(err, errors.ReasonUndecodableInstruction, "trace head")
				}
				// The interpreter executes the rest of the trace.
				log.Printf("[trace] method %d: truncating trace at %#x: %v", method, off, err)
				if cur != nil {
					b.g.Link(cur, b.g.NewBlock(mir.ChainingCellNormal, off), false)
					cur.NeedFallThroughBranch = true
				}
				return nil
			}
			if cur == nil {
				cur = b.newCodeBlock(off)
			}
			b.g.AppendMIR(cur, b.newMIR(in, off, run.Callsite))
			off += uint32(in.Opcode.Width())
			if in.Opcode.IsInvoke() {
				b.t.HasInvoke = true
			}
			if in.Opcode.EndsBlock() {
				cur = nil
			}
		}
	}
	return nil
}

func (b *builder) newMIR(in bytecode.Instruction, off uint32, hint *CallsiteHint) *mir.MIR {
	m := &mir.MIR{Insn: in, Offset: off, Width: in.Opcode.Width()}
	fillDataFlow(m)
	b.resolve(m, hint)
	return m
}

func (b *builder) resolve(m *mir.MIR, hint *CallsiteHint) {
	method := b.desc.Method
	in := &m.Insn
	op := in.Opcode
	ok := true
	switch {
	case op >= bytecode.OpIget && op <= bytecode.OpSputObject:
		m.Resolved, ok = b.res.ResolveField(method, in.Index)
	case op == bytecode.OpConstString:
		var s bytecode.ObjectRef
		s, ok = b.res.ResolveString(method, in.Index)
		m.Resolved = uint32(s)
	case op == bytecode.OpConstClass, op == bytecode.OpCheckCast, op == bytecode.OpInstanceOf,
		op == bytecode.OpNewInstance, op == bytecode.OpNewArray, op == bytecode.OpFilledNewArray:
		var c bytecode.ClassRef
		c, ok = b.res.ResolveClass(method, in.Index)
		m.Resolved = uint32(c)
	case op.IsInvoke():
		var callee bytecode.MethodRef
		callee, ok = b.res.ResolveMethod(method, in.Index)
		m.Resolved = uint32(callee)
		if isVirtual(op) {
			cs := mir.NewCallsite(0, 0)
			if hint != nil {
				cs.Method, cs.PredictedClass = hint.Method, hint.Class
			}
			m.Callsite = cs
		} else if ok {
			m.Callsite = mir.NewCallsite(callee, 0)
		}
	}
	if !ok {
		m.Flags |= mir.SingleStep
		log.Printf("[trace] method %d: unresolved %s at %#x, single-stepping", method, op, m.Offset)
	}
}

func isVirtual(op bytecode.Opcode) bool {
	switch op {
	case bytecode.OpInvokeVirtual, bytecode.OpInvokeVirtualRange,
		bytecode.OpInvokeInterface, bytecode.OpInvokeInterfaceRange:
		return true
	}
	return false
}

// fillDataFlow derives the use and def lists from the opcode table.
func fillDataFlow(m *mir.MIR) {
	in := &m.Insn
	df := in.Opcode.DataFlow()
	use := func(reg uint32, wide, fp bool) {
		m.Uses = append(m.Uses, int(reg))
		m.FPUses = append(m.FPUses, fp)
		if wide {
			m.Uses = append(m.Uses, int(reg)+1)
			m.FPUses = append(m.FPUses, fp)
		}
	}
	switch {
	case df&bytecode.DfUAWide != 0:
		use(in.A, true, df&bytecode.DfFPA != 0)
	case df&bytecode.DfUA != 0:
		use(in.A, false, df&bytecode.DfFPA != 0)
	}
	switch {
	case df&bytecode.DfUBWide != 0:
		use(in.B, true, df&bytecode.DfFPB != 0)
	case df&bytecode.DfUB != 0:
		use(in.B, false, df&bytecode.DfFPB != 0)
	}
	switch {
	case df&bytecode.DfUCWide != 0:
		use(in.C, true, df&bytecode.DfFPC != 0)
	case df&bytecode.DfUC != 0:
		use(in.C, false, df&bytecode.DfFPC != 0)
	}
	if df&bytecode.DfUsesArgs != 0 {
		for _, r := range in.ArgRegs() {
			use(r, false, false)
		}
	}
	fp := df&bytecode.DfFPA != 0
	switch {
	case df&bytecode.DfDAWide != 0:
		m.Defs = []int{int(in.A), int(in.A) + 1}
		m.FPDefs = []bool{fp, fp}
	case df&bytecode.DfDA != 0:
		m.Defs = []int{int(in.A)}
		m.FPDefs = []bool{fp}
	}
}

// boundary returns the static branch target and invoke facts of the last
// instruction of a block.
func (b *builder) boundary(last *mir.MIR) (target uint32, isInvoke bool, callee bytecode.MethodRef) {
	in := &last.Insn
	op := in.Opcode
	target = last.Offset
	switch {
	case op >= bytecode.OpReturnVoid && op <= bytecode.OpReturnObject, op == bytecode.OpThrow:
		target = unknownTarget
	case op.IsInvoke():
		isInvoke = true
		if !isVirtual(op) && last.Flags&mir.SingleStep == 0 {
			callee = bytecode.MethodRef(last.Resolved)
		}
	case op == bytecode.OpGoto, op.IsConditionalBranch():
		target = uint32(int64(last.Offset) + int64(in.Target))
	}
	return target, isInvoke, callee
}

func isUnconditional(op bytecode.Opcode) bool {
	return op == bytecode.OpGoto || (op >= bytecode.OpReturnVoid && op <= bytecode.OpReturnObject)
}

func (b *builder) findCode(offset uint32, from int) *mir.BasicBlock {
	for _, bb := range b.code[from:] {
		if bb.StartOffset == offset {
			return bb
		}
	}
	return nil
}

// linkBlocks connects taken and fall-through edges between decoded blocks
// and creates chaining cells for every destination outside the trace.
func (b *builder) linkBlocks() {
	code := append([]*mir.BasicBlock(nil), b.code...)
	for i, bb := range code {
		if bb.Empty() {
			continue
		}
		last := b.g.MIR(bb.LastMIR)
		op := last.Opcode()
		flags := op.Flags()
		target, isInvoke, callee := b.boundary(last)
		fallOff := last.Offset + uint32(last.Width)

		backward := !isInvoke && flags&bytecode.CanBranch != 0 && target < last.Offset
		if backward && !b.desc.NoLoop && !b.desc.DisabledOpts.Has(OptLoop) {
			if head := b.findCode(target, 0); head != nil {
				b.linkBackChain(bb, head)
			}
		}
		if bb.Taken == mir.NoBlock && target != unknownTarget && !backward {
			if to := b.findCode(target, i+1); to != nil {
				b.g.Link(bb, to, true)
			}
		}
		if bb.FallThrough == mir.NoBlock {
			if to := b.findCode(fallOff, i+1); to != nil && flags&bytecode.CanContinue != 0 && !isUnconditional(op) {
				b.g.Link(bb, to, false)
				if isInvoke {
					to.IsFallThroughFromInvoke = true
				}
			}
		}

		bb.NeedFallThroughBranch = bb.NeedFallThroughBranch ||
			flags&(bytecode.CanBranch|bytecode.CanSwitch|bytecode.CanReturn|bytecode.Invoke) == 0

		switch {
		case op == bytecode.OpPackedSwitch || op == bytecode.OpSparseSwitch:
			b.switchCells(bb, last)
		case !isUnconditional(op) && bb.FallThrough == mir.NoBlock && flags&bytecode.CanContinue != 0:
			kind := mir.ChainingCellNormal
			if isInvoke || (bb.NeedFallThroughBranch && b.cutByBudget(bb)) {
				kind = mir.ChainingCellHot
			}
			b.g.Link(bb, b.g.NewBlock(kind, fallOff), false)
		}

		if bb.Taken == mir.NoBlock &&
			(op == bytecode.OpGoto || isInvoke || (target != unknownTarget && target != last.Offset)) {
			if cell := b.takenCell(bb, last, target, isInvoke, callee); cell != nil {
				b.g.Link(bb, cell, true)
			}
		}
	}
}

// cutByBudget reports whether bb ends the trace because the instruction
// budget ran out there.
func (b *builder) cutByBudget(bb *mir.BasicBlock) bool {
	return bb == b.code[len(b.code)-1] && b.desc.NumInsns() >= b.desc.Budget()
}

func (b *builder) takenCell(bb *mir.BasicBlock, last *mir.MIR, target uint32, isInvoke bool, callee bytecode.MethodRef) *mir.BasicBlock {
	if isInvoke {
		if last.Flags&mir.SingleStep != 0 {
			return nil
		}
		if callee != 0 {
			info, ok := b.res.Method(callee)
			if ok && info.Native {
				return nil
			}
			cell := b.g.NewBlock(mir.ChainingCellInvokeSingleton, 0)
			cell.Method = callee
			return cell
		}
		cell := b.g.NewBlock(mir.ChainingCellInvokePredicted, 0)
		if cs := last.Callsite; cs != nil {
			cell.PredictedClass = cs.PredictedClass
			cell.Method = cs.Method
		}
		return cell
	}
	if b.opts.SelfVerify {
		first := b.g.MIR(bb.FirstMIR)
		if target >= first.Offset && target <= last.Offset {
			return b.g.NewBlock(mir.ChainingCellBackwardBranch, target)
		}
	}
	kind := mir.ChainingCellNormal
	if last.Opcode() == bytecode.OpGoto {
		kind = mir.ChainingCellHot
	}
	return b.g.NewBlock(kind, target)
}

// linkBackChain turns the back edge of bb to head into an edge to the loop's
// backward-branch cell.
func (b *builder) linkBackChain(bb, head *mir.BasicBlock) {
	t := b.t
	if t.BackChain == mir.NoBlock {
		cell := b.g.NewBlock(mir.ChainingCellBackwardBranch, head.StartOffset)
		t.BackChain = cell.ID
		t.LoopMode = true
	}
	b.g.Link(bb, b.g.Block(t.BackChain), true)
}

func (b *builder) switchCells(bb *mir.BasicBlock, last *mir.MIR) {
	tab := last.Insn.Switch
	if tab == nil {
		return
	}
	n := len(tab.Targets)
	chained := n
	if chained > MaxChainedSwitchCases {
		chained = MaxChainedSwitchCases
		b.t.SwitchOverflow = true
		b.t.SwitchOffset = last.Offset
	}
	for i := 0; i < chained; i++ {
		off := uint32(int64(last.Offset) + int64(tab.Targets[i]))
		b.g.AddSuccessor(bb, b.g.NewBlock(mir.ChainingCellNormal, off))
	}
	if bb.FallThrough == mir.NoBlock {
		b.g.Link(bb, b.g.NewBlock(mir.ChainingCellNormal, last.Offset+uint32(last.Width)), false)
	}
}

// hoistLoopChecks places the descriptor's loop checks in the entry block and
// lets covered array accesses skip their own checks.
// A check is dropped unless the body leaves its array and end registers
// unchanged and changes its index only by induction increments.
func (b *builder) hoistLoopChecks(entry *mir.BasicBlock) {
	for _, lc := range b.desc.LoopChecks {
		if !b.loopInvariant(lc) {
			log.Printf("[trace] method %d: loop check on v%d[v%d] not invariant, keeping per-access checks",
				b.desc.Method, lc.Array, lc.Index)
			continue
		}
		var ext mir.ExtendedOp
		switch lc.Kind {
		case CountUp:
			ext = mir.NullRangeUpCheck{Array: lc.Array, Index: lc.Index, End: lc.End, MaxC: lc.MaxC, MinC: lc.MinC, ExitCond: lc.ExitCond}
		case CountDown:
			ext = mir.NullRangeDownCheck{Array: lc.Array, Index: lc.Index, MaxC: lc.MaxC, MinC: lc.MinC}
		case LowerBound:
			ext = mir.LowerBoundCheck{Index: lc.Index, MinC: lc.MinC}
		default:
			continue
		}
		b.g.AppendMIR(entry, &mir.MIR{Ext: ext, Offset: entry.StartOffset})
		if lc.Kind == LowerBound {
			continue
		}
		for _, m := range b.g.MIRs {
			if m.Ext != nil {
				continue
			}
			df := m.Opcode().DataFlow()
			if df&bytecode.DfRangeCheckC != 0 && int(m.Insn.B) == lc.Array && int(m.Insn.C) == lc.Index {
				m.Flags |= mir.IgnoreNullCheck | mir.IgnoreRangeCheck
			}
		}
	}
}

// loopInvariant reports whether the loop body preserves what lc assumes.
func (b *builder) loopInvariant(lc LoopCheck) bool {
	for _, m := range b.g.MIRs {
		if m.Ext != nil {
			continue
		}
		for _, d := range m.Defs {
			switch {
			case d == lc.Index:
				induction := m.Opcode() == bytecode.OpAddIntLit && int(m.Insn.A) == lc.Index && int(m.Insn.B) == lc.Index
				if !induction {
					return false
				}
			case lc.Kind == LowerBound:
			case d == lc.Array:
				return false
			case lc.Kind == CountUp && d == lc.End:
				return false
			}
		}
	}
	return true
}
