// Package jit lowers a trace graph to LIR, assembles it with its chaining
// cells and PC-reconstruction cells, and installs the result in a code cache.
package jit

import (
	"fmt"

	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/mir"
	"github.com/ascrivener/tracejit/pkg/ralloc"
	"github.com/ascrivener/tracejit/pkg/target"
	"github.com/ascrivener/tracejit/pkg/trace"
)

const (
	DefaultMaxChainingCells     = 128
	DefaultMaxPCReconstructions = 256
)

// Options bound the per-trace lists and select optional passes.
type Options struct {
	// MaxChainingCells bounds the cells of each kind in one trace.
	MaxChainingCells int
	// MaxPCReconstructions bounds the distinct deopt points of one trace.
	MaxPCReconstructions int
	// SelfVerify routes every heap access through the memory-op decoder.
	SelfVerify bool
	// NoSuspendPoll drops the break-flag poll on backward branches of plain
	// traces. Loop traces always poll.
	NoSuspendPoll bool
	// Symbols resolves helper and template ids; DefaultSymbols if nil.
	Symbols SymbolTable
}

func DefaultOptions() Options {
	return Options{
		MaxChainingCells:     DefaultMaxChainingCells,
		MaxPCReconstructions: DefaultMaxPCReconstructions,
		Symbols:              DefaultSymbols,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxChainingCells <= 0 {
		o.MaxChainingCells = DefaultMaxChainingCells
	}
	if o.MaxPCReconstructions <= 0 {
		o.MaxPCReconstructions = DefaultMaxPCReconstructions
	}
	if o.Symbols == nil {
		o.Symbols = DefaultSymbols
	}
	return o
}

type fixupKind uint8

const (
	fixBlock fixupKind = iota
	fixPCR
	fixException
	fixSwitchPad
)

// fixup is a branch whose label is emitted after it.
type fixup struct {
	lir  int
	kind fixupKind
	id   int
}

// pcReconstruction is one deopt point: the bytecode offset the interpreter
// resumes at and the label of its cell once emitted.
type pcReconstruction struct {
	offset uint32
	label  int
}

// CompilationUnit is the per-trace state of lowering. It owns the LIR list
// and acts as the allocator's sink, so every node is stamped with the bytecode
// offset being lowered.
type CompilationUnit struct {
	Trace  *trace.Trace
	Graph  *mir.Graph
	Target *target.Target
	Pool   *ralloc.Pool
	LIR    *lir.List

	res trace.Resolver

	// QuitLoopMode is set when an instruction cannot be compiled inside a
	// loop trace; the request is then recompiled without loop formation.
	QuitLoopMode bool

	opts Options

	cells      [chain.NumKinds][]*mir.BasicBlock
	cellLabels [chain.NumKinds][]int
	blockLabel []int
	fixups     []fixup

	pcrs        []pcReconstruction
	pcrByOffset map[uint32]int
	loopEntry   int

	// resume holds fast-path branches of predicted inlines waiting for the
	// label after the move-result of the keyed block.
	resume map[mir.BlockID][]int

	ehLabel   int
	switchPad int

	next   *mir.BasicBlock
	offset uint32
}

func newUnit(t *trace.Trace, tgt *target.Target, res trace.Resolver, opts Options) *CompilationUnit {
	cu := &CompilationUnit{
		Trace:       t,
		res:         res,
		Graph:       t.Graph,
		Target:      tgt,
		LIR:         lir.NewList(),
		opts:        opts.withDefaults(),
		blockLabel:  make([]int, len(t.Graph.Blocks)),
		pcrByOffset: make(map[uint32]int),
		loopEntry:   -1,
		resume:      make(map[mir.BlockID][]int),
		ehLabel:     -1,
		switchPad:   -1,
	}
	for i := range cu.blockLabel {
		cu.blockLabel[i] = -1
	}
	cu.Pool = ralloc.NewPool(tgt, cu, t.Info.Registers)
	return cu
}

// Emit appends l. Control transfers and labels end the window in which a
// home-slot write may still be dropped.
func (cu *CompilationUnit) Emit(l lir.LIR) int {
	l.DalvikOffset = cu.offset
	i := cu.LIR.Append(l)
	switch l.Op {
	case lir.OpBranch, lir.OpCondBranch, lir.OpCallReg, lir.OpCallTemplate,
		lir.PseudoTargetLabel, lir.PseudoNormalBlockLabel, lir.PseudoEntryBlock,
		lir.PseudoPCReconstructionCell, lir.PseudoChainingCell:
		if cu.Pool != nil {
			cu.Pool.ResetDefTracking()
		}
	}
	return i
}

func (cu *CompilationUnit) NullifyRange(start, end int) { cu.LIR.NullifyRange(start, end) }

func abortf(format string, args ...interface{}) {
	panic(errors.Abortf(errors.ReasonInvariantViolation, format, args...))
}

func (cu *CompilationUnit) nullCheckElimination() bool {
	return !cu.Trace.Desc.DisabledOpts.Has(trace.OptNullCheckElimination)
}

// Labels and branches.

func (cu *CompilationUnit) genLabel() int {
	return cu.Emit(lir.LIR{Op: lir.PseudoTargetLabel})
}

func (cu *CompilationUnit) setTarget(branch, label int) {
	cu.LIR.Node(branch).Target = label
}

func (cu *CompilationUnit) addFixup(i int, kind fixupKind, id int) int {
	cu.fixups = append(cu.fixups, fixup{lir: i, kind: kind, id: id})
	return i
}

// genBranch emits an unconditional branch whose target is set later.
func (cu *CompilationUnit) genBranch() int {
	return cu.Emit(lir.LIR{Op: lir.OpBranch, Cond: lir.CondAL, Target: lir.NoTarget})
}

func (cu *CompilationUnit) genCondBranch(cond lir.Cond) int {
	return cu.Emit(lir.LIR{Op: lir.OpCondBranch, Cond: cond, Target: lir.NoTarget})
}

func (cu *CompilationUnit) genBranchToBlock(id mir.BlockID) int {
	return cu.addFixup(cu.genBranch(), fixBlock, int(id))
}

func (cu *CompilationUnit) genCondBranchToBlock(cond lir.Cond, id mir.BlockID) int {
	return cu.addFixup(cu.genCondBranch(cond), fixBlock, int(id))
}

func (cu *CompilationUnit) genLoadAddrOfBlock(r lir.Reg, id mir.BlockID) int {
	i := cu.Emit(lir.LIR{Op: lir.OpLoadAddr, Operands: [4]int64{int64(r)}, Target: lir.NoTarget})
	return cu.addFixup(i, fixBlock, int(id))
}

func (cu *CompilationUnit) genLoadAddr(r lir.Reg, label int) int {
	return cu.Emit(lir.LIR{Op: lir.OpLoadAddr, Operands: [4]int64{int64(r)}, Target: label})
}

// pcrFor returns the reconstruction point for offset, creating it on first
// use. Points are shared by every check that resumes at the same offset.
func (cu *CompilationUnit) pcrFor(offset uint32) int {
	if i, ok := cu.pcrByOffset[offset]; ok {
		return i
	}
	if len(cu.pcrs) >= cu.opts.MaxPCReconstructions {
		panic(errors.Exhaustedf(errors.ReasonWorklistOverflow,
			"more than %d reconstruction points", cu.opts.MaxPCReconstructions))
	}
	cu.pcrs = append(cu.pcrs, pcReconstruction{offset: offset, label: -1})
	i := len(cu.pcrs) - 1
	cu.pcrByOffset[offset] = i
	return i
}

// genCheckBranch leaves the trace through the reconstruction cell of offset
// when cond holds.
func (cu *CompilationUnit) genCheckBranch(cond lir.Cond, offset uint32) int {
	return cu.addFixup(cu.genCondBranch(cond), fixPCR, cu.pcrFor(offset))
}

// genTrap unconditionally leaves through the reconstruction cell of offset.
func (cu *CompilationUnit) genTrap(offset uint32) int {
	return cu.addFixup(cu.genBranch(), fixPCR, cu.pcrFor(offset))
}

func (cu *CompilationUnit) genBranchToPCR(pcr int) int {
	return cu.addFixup(cu.genBranch(), fixPCR, pcr)
}

func (cu *CompilationUnit) genCondBranchToPCR(cond lir.Cond, pcr int) int {
	return cu.addFixup(cu.genCondBranch(cond), fixPCR, pcr)
}

func (cu *CompilationUnit) resolveFixups() {
	for _, f := range cu.fixups {
		label := -1
		switch f.kind {
		case fixBlock:
			if f.id >= 0 && f.id < len(cu.blockLabel) {
				label = cu.blockLabel[f.id]
			}
		case fixPCR:
			label = cu.pcrs[f.id].label
		case fixException:
			label = cu.ehLabel
		case fixSwitchPad:
			label = cu.switchPad
		}
		if label < 0 {
			abortf("branch @%d to unplaced %s", f.lir, f)
		}
		cu.setTarget(f.lir, label)
	}
}

func (f fixup) String() string {
	switch f.kind {
	case fixBlock:
		return fmt.Sprintf("block%d", f.id)
	case fixPCR:
		return fmt.Sprintf("pcr%d", f.id)
	case fixException:
		return "exception block"
	}
	return "switch pad"
}

// Register-level emitters.

func ops(a ...int64) [4]int64 {
	var o [4]int64
	copy(o[:], a)
	return o
}

func (cu *CompilationUnit) movRR(d, s lir.Reg) int {
	return cu.Emit(lir.LIR{Op: lir.OpMovRR, Operands: ops(int64(d), int64(s))})
}

func (cu *CompilationUnit) movRI(r lir.Reg, imm int64) int {
	return cu.Emit(lir.LIR{Op: lir.OpMovRI, Operands: ops(int64(r), imm)})
}

func (cu *CompilationUnit) aluRRR(op lir.AluOp, d, s1, s2 lir.Reg) int {
	return cu.Emit(lir.LIR{Op: lir.OpAluRRR, Alu: op, Operands: ops(int64(d), int64(s1), int64(s2))})
}

// aluRRI materializes imm in a temp when the target cannot encode it.
func (cu *CompilationUnit) aluRRI(op lir.AluOp, d, s lir.Reg, imm int64) int {
	if cu.Target.AluImmFits(op, imm) {
		return cu.Emit(lir.LIR{Op: lir.OpAluRRI, Alu: op, Operands: ops(int64(d), int64(s), imm)})
	}
	t := cu.Pool.AllocTemp()
	cu.movRI(t, imm)
	i := cu.aluRRR(op, d, s, t)
	cu.Pool.FreeTemp(t)
	return i
}

func (cu *CompilationUnit) unary(op lir.AluOp, d, s lir.Reg) int {
	return cu.Emit(lir.LIR{Op: lir.OpUnary, Alu: op, Operands: ops(int64(d), int64(s))})
}

func (cu *CompilationUnit) cmpRR(a, b lir.Reg) int {
	return cu.Emit(lir.LIR{Op: lir.OpCmpRR, Operands: ops(int64(a), int64(b))})
}

func (cu *CompilationUnit) cmpRI(r lir.Reg, imm int64) int {
	if cu.Target.CmpImmFits(imm) {
		return cu.Emit(lir.LIR{Op: lir.OpCmpRI, Operands: ops(int64(r), imm)})
	}
	t := cu.Pool.AllocTemp()
	cu.movRI(t, imm)
	i := cu.cmpRR(r, t)
	cu.Pool.FreeTemp(t)
	return i
}

func (cu *CompilationUnit) load(size lir.Size, r, base lir.Reg, disp int32) int {
	return cu.Emit(lir.LIR{Op: lir.OpLoad, Size: size, Operands: ops(int64(r), int64(base), int64(disp))})
}

func (cu *CompilationUnit) store(size lir.Size, r, base lir.Reg, disp int32) int {
	return cu.Emit(lir.LIR{Op: lir.OpStore, Size: size, Operands: ops(int64(r), int64(base), int64(disp))})
}

func (cu *CompilationUnit) loadSelf(r lir.Reg, disp int32) int {
	return cu.load(lir.SizeWord, r, cu.Target.Self, disp)
}

// heap marks l for the memory-op decoder when self-verification is on.
func (cu *CompilationUnit) heap(l lir.LIR) int {
	if cu.opts.SelfVerify {
		l.Flags |= lir.NeedsVerify
	}
	return cu.Emit(l)
}

func (cu *CompilationUnit) heapLoad(size lir.Size, r, base lir.Reg, disp int32) int {
	return cu.heap(lir.LIR{Op: lir.OpLoad, Size: size, Operands: ops(int64(r), int64(base), int64(disp))})
}

func (cu *CompilationUnit) heapStore(size lir.Size, r, base lir.Reg, disp int32) int {
	return cu.heap(lir.LIR{Op: lir.OpStore, Size: size, Operands: ops(int64(r), int64(base), int64(disp))})
}

func (cu *CompilationUnit) heapLoadIndexed(size lir.Size, r, base, idx lir.Reg, scale int64) int {
	return cu.heap(lir.LIR{Op: lir.OpLoadIndexed, Size: size, Operands: ops(int64(r), int64(base), int64(idx), scale)})
}

func (cu *CompilationUnit) heapStoreIndexed(size lir.Size, r, base, idx lir.Reg, scale int64) int {
	return cu.heap(lir.LIR{Op: lir.OpStoreIndexed, Size: size, Operands: ops(int64(r), int64(base), int64(idx), scale)})
}

func (cu *CompilationUnit) heapLoadPair(lo, hi, base lir.Reg, disp int32) int {
	return cu.heap(lir.LIR{Op: lir.OpLoadPair, Operands: ops(int64(lo), int64(hi), int64(base), int64(disp))})
}

func (cu *CompilationUnit) heapStorePair(lo, hi, base lir.Reg, disp int32) int {
	return cu.heap(lir.LIR{Op: lir.OpStorePair, Operands: ops(int64(lo), int64(hi), int64(base), int64(disp))})
}

func (cu *CompilationUnit) callReg(r lir.Reg) int {
	return cu.Emit(lir.LIR{Op: lir.OpCallReg, Operands: ops(int64(r))})
}

func (cu *CompilationUnit) loadHelper(r lir.Reg, h target.HelperID) int {
	return cu.Emit(lir.LIR{Op: lir.OpLoadHelper, Operands: ops(int64(r), int64(h)), Comment: h.String()})
}

// callHelper loads helper h into r and calls it.
func (cu *CompilationUnit) callHelper(r lir.Reg, h target.HelperID) int {
	cu.loadHelper(r, h)
	return cu.callReg(r)
}

func (cu *CompilationUnit) callTemplate(id target.TemplateID) int {
	return cu.Emit(lir.LIR{Op: lir.OpCallTemplate, Operands: ops(int64(id)), Comment: id.String()})
}

func (cu *CompilationUnit) dataWord(w uint32) int {
	return cu.Emit(lir.LIR{Op: lir.OpDataWord, Operands: ops(int64(w))})
}

func (cu *CompilationUnit) arg(i int) lir.Reg { return cu.Target.ArgReg(i) }

// lockFixed pins the given registers that belong to the temp pool.
func (cu *CompilationUnit) lockFixed(regs ...lir.Reg) {
	for _, r := range regs {
		if cu.Pool.Info(r) != nil {
			cu.Pool.LockTemp(r)
		}
	}
}

// Checks.

// genNullCheck leaves through the reconstruction cell of the current offset
// when r is null, unless sreg is already known non-null in this block.
func (cu *CompilationUnit) genNullCheck(sreg int, r lir.Reg, m *mir.MIR) {
	if m != nil && m.Flags&mir.IgnoreNullCheck != 0 {
		return
	}
	if cu.nullCheckElimination() && cu.Pool.NullChecked(sreg) {
		return
	}
	cu.Pool.SetNullChecked(sreg)
	cu.cmpRI(r, 0)
	cu.genCheckBranch(lir.CondEQ, cu.offset)
}

// genZeroCheck is a null check for values that are not references.
func (cu *CompilationUnit) genZeroCheck(r lir.Reg) {
	cu.cmpRI(r, 0)
	cu.genCheckBranch(lir.CondEQ, cu.offset)
}

// genRegImmCheck leaves when r compared with imm satisfies cond.
func (cu *CompilationUnit) genRegImmCheck(cond lir.Cond, r lir.Reg, imm int64) {
	cu.cmpRI(r, imm)
	cu.genCheckBranch(cond, cu.offset)
}

// genBoundsCheck leaves when the unsigned index is not below length.
func (cu *CompilationUnit) genBoundsCheck(idx, length lir.Reg) {
	cu.cmpRR(idx, length)
	cu.genCheckBranch(lir.CondCS, cu.offset)
}

// genCmpImmBranch emits a compare and a conditional branch whose target the
// caller sets.
func (cu *CompilationUnit) genCmpImmBranch(cond lir.Cond, r lir.Reg, imm int64) int {
	cu.cmpRI(r, imm)
	return cu.genCondBranch(cond)
}

// genExportPC writes the current bytecode PC into the frame's save area so
// a helper that throws reports the right location.
func (cu *CompilationUnit) genExportPC() {
	dpc := cu.Pool.AllocTemp()
	cu.movRI(dpc, int64(cu.offset))
	lay := &cu.Target.Layout
	cu.store(lir.SizeWord, dpc, cu.Target.FP, -(lay.StackSaveAreaSize - lay.SaveAreaCurrentPC))
	cu.Pool.FreeTemp(dpc)
}

// genThrow raises the pending exception through the shared template.
func (cu *CompilationUnit) genThrow(offset uint32) {
	cu.movRI(cu.arg(0), int64(offset))
	cu.callTemplate(target.TemplateThrowExceptionCommon)
}
