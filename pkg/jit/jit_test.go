package jit

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/codecache"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/target"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/google/go-cmp/cmp"
)

const caller bytecode.MethodRef = 1

type fixture struct {
	prog     bytecode.Program
	res      *trace.StaticResolver
	tgt      *target.Target
	cache    *codecache.Cache
	registry *chain.Registry
	opts     Options
}

func newFixture(insns ...bytecode.Instruction) *fixture {
	f := &fixture{
		prog:  bytecode.Program{},
		res:   trace.NewStaticResolver(),
		tgt:   target.RISC32(),
		cache: codecache.NewHeap(1 << 16),
		opts:  DefaultOptions(),
	}
	f.registry = chain.NewRegistry(f.cache)
	f.prog.Add(bytecode.NewListing(caller, insns))
	f.res.Methods[caller] = trace.MethodInfo{Registers: 8}
	return f
}

func (f *fixture) compiler() *Compiler {
	return NewCompiler(f.tgt, f.cache, f.registry, f.prog, f.res, f.opts)
}

func (f *fixture) compile(t *testing.T, d *trace.Descriptor) *Result {
	t.Helper()
	res, err := f.compiler().Compile(context.Background(), d)
	if err != nil {
		t.Fatalf("Compile(%s): %v", d, err)
	}
	return res
}

func (f *fixture) lower(t *testing.T, d *trace.Descriptor) *CompilationUnit {
	t.Helper()
	cu, err := f.compiler().Lower(d)
	if err != nil {
		t.Fatalf("Lower(%s): %v", d, err)
	}
	return cu
}

func run(n int) *trace.Descriptor {
	return &trace.Descriptor{Method: caller, Runs: []trace.Run{{Start: 0, NumInsns: n}}}
}

func insn(op bytecode.Opcode, a, b, c uint32) bytecode.Instruction {
	return bytecode.Instruction{Opcode: op, A: a, B: b, C: c}
}

// live returns the nodes that survived lowering.
func live(cu *CompilationUnit) []*lir.LIR {
	var out []*lir.LIR
	cu.LIR.Walk(func(l *lir.LIR) {
		if l.Flags&lir.IsNop == 0 {
			out = append(out, l)
		}
	})
	return out
}

func count(cu *CompilationUnit, match func(l *lir.LIR) bool) int {
	n := 0
	for _, l := range live(cu) {
		if match(l) {
			n++
		}
	}
	return n
}

func isHelper(h target.HelperID) func(l *lir.LIR) bool {
	return func(l *lir.LIR) bool { return l.Op == lir.OpLoadHelper && l.Operands[1] == int64(h) }
}

func isTemplate(id target.TemplateID) func(l *lir.LIR) bool {
	return func(l *lir.LIR) bool { return l.Op == lir.OpCallTemplate && l.Operands[0] == int64(id) }
}

func isOp(op lir.Op) func(l *lir.LIR) bool {
	return func(l *lir.LIR) bool { return l.Op == op }
}

var straightLine = []bytecode.Instruction{
	{Opcode: bytecode.OpConst, A: 0, Literal: 5},
	{Opcode: bytecode.OpConst, A: 1, Literal: 7},
	insn(bytecode.OpAddInt, 2, 0, 1),
	insn(bytecode.OpMulInt, 3, 2, 2),
}

func TestCompileStraightLine(t *testing.T) {
	f := newFixture(straightLine...)
	res := f.compile(t, run(4))

	want := [chain.NumKinds]int{chain.KindNormal: 1}
	if diff := cmp.Diff(want, res.CellCounts); diff != "" {
		t.Fatalf("cell counts (-want +got):\n%s", diff)
	}
	if res.Entry != res.Fragment.Start+HeaderSize {
		t.Errorf("entry %#x, fragment starts at %#x", res.Entry, res.Fragment.Start)
	}
	if res.LoopMode || res.Recompiled {
		t.Errorf("loop=%v recompiled=%v", res.LoopMode, res.Recompiled)
	}

	cu := f.lower(t, run(4))
	if n := count(cu, isOp(lir.OpLoadHelper)); n != 0 {
		t.Errorf("straight-line arithmetic loads %d helpers", n)
	}
	if n := count(cu, isOp(lir.OpCallTemplate)); n != 0 {
		t.Errorf("straight-line arithmetic calls %d templates", n)
	}
	mul := 0
	for _, l := range live(cu) {
		if l.Op == lir.OpAluRRR && l.Alu == lir.AluMul {
			mul++
		}
	}
	if mul != 1 {
		t.Errorf("%d inline multiplies", mul)
	}
}

func TestFragmentHeaderAndTrailer(t *testing.T) {
	f := newFixture(straightLine...)
	res := f.compile(t, run(4))
	code := f.cache.GetBytes(res.Fragment.Start, res.CodeSize)

	hdr := binary.LittleEndian.Uint32(code)
	if hdr>>16 != HeaderMagic {
		t.Fatalf("header %#x lacks the magic", hdr)
	}
	trailer := int(hdr & 0xffff)
	if trailer%4 != 0 || trailer+TrailerSize != res.CodeSize {
		t.Fatalf("trailer at %d in %d bytes", trailer, res.CodeSize)
	}
	for k := chain.Kind(0); k < chain.NumKinds; k++ {
		if got := int(code[trailer+int(k)]); got != res.CellCounts[k] {
			t.Errorf("trailer count for %s = %d, want %d", k, got, res.CellCounts[k])
		}
	}
	for _, ref := range res.Cells {
		if ref.Addr&3 != 0 {
			t.Errorf("cell %s is not word aligned", ref)
		}
	}
}

func TestDivideByLiteral(t *testing.T) {
	for _, tt := range []struct {
		name   string
		lit    int64
		helper bool
	}{
		{"power of two", 8, false},
		{"odd", 7, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(bytecode.Instruction{Opcode: bytecode.OpDivIntLit, A: 0, B: 1, Literal: tt.lit})
			cu := f.lower(t, run(1))
			if got := count(cu, isHelper(target.HelperIdiv)) == 1; got != tt.helper {
				t.Errorf("div by %d calls the helper: %v", tt.lit, got)
			}
			shifts := 0
			for _, l := range live(cu) {
				if l.Op == lir.OpAluRRI && (l.Alu == lir.AluAsr || l.Alu == lir.AluLsr) {
					shifts++
				}
			}
			if tt.helper && shifts != 0 || !tt.helper && shifts < 2 {
				t.Errorf("div by %d: %d shifts", tt.lit, shifts)
			}
		})
	}
}

func TestDivideByZeroLiteralSingleSteps(t *testing.T) {
	f := newFixture(
		bytecode.Instruction{Opcode: bytecode.OpDivIntLit, A: 0, B: 1, Literal: 0},
		bytecode.Instruction{Opcode: bytecode.OpConst, A: 2, Literal: 1},
	)
	cu := f.lower(t, run(2))
	if count(cu, isHelper(target.HelperIdiv)) != 0 {
		t.Error("division by literal zero calls the helper")
	}
	// A throwing instruction punts; the exception block is the other user.
	punts := 0
	for _, l := range live(cu) {
		if l.Op == lir.OpLoad && l.Reg(1) == f.tgt.Self && l.Operands[2] == int64(f.tgt.Layout.SelfPunt) {
			punts++
		}
	}
	if punts != 2 {
		t.Errorf("%d punt entries", punts)
	}
}

func TestMultiplyByLiteral(t *testing.T) {
	for _, lit := range []int64{4, 10, 7} {
		f := newFixture(bytecode.Instruction{Opcode: bytecode.OpMulIntLit, A: 0, B: 1, Literal: lit})
		cu := f.lower(t, run(1))
		for _, l := range live(cu) {
			if (l.Op == lir.OpAluRRR || l.Op == lir.OpAluRRI) && l.Alu == lir.AluMul {
				t.Errorf("multiply by %d was not strength-reduced", lit)
			}
		}
	}
}

func virtualInvokeFixture() *fixture {
	f := newFixture(
		bytecode.Instruction{Opcode: bytecode.OpInvokeVirtual, Args: []uint32{0}, Index: 3},
		bytecode.Instruction{Opcode: bytecode.OpMoveResult, A: 1},
	)
	f.res.MethodRefs[trace.PoolKey{Method: caller, Index: 3}] = 9
	return f
}

func virtualInvokeDescriptor() *trace.Descriptor {
	return &trace.Descriptor{Method: caller, Runs: []trace.Run{
		{Start: 0, NumInsns: 1, Callsite: &trace.CallsiteHint{Class: 0x40, Method: 9}},
	}}
}

func predictedCell(t *testing.T, res *Result) chain.Ref {
	t.Helper()
	for _, ref := range res.Cells {
		if ref.Kind == chain.KindInvokePredicted {
			return ref
		}
	}
	t.Fatal("no predicted cell")
	return chain.Ref{}
}

func TestVirtualInvokePredictedCell(t *testing.T) {
	f := virtualInvokeFixture()
	res := f.compile(t, virtualInvokeDescriptor())
	if res.CellCounts[chain.KindInvokePredicted] != 1 {
		t.Fatalf("cell counts = %v", res.CellCounts)
	}
	ref := predictedCell(t, res)
	cell, err := f.registry.Snapshot(ref.Addr)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if cell.State() != chain.Cold || cell.Class() != 0x40 || cell.Method() != 0 || cell.Counter() != 0 {
		t.Errorf("fresh cell = %s", cell)
	}

	cu := f.lower(t, virtualInvokeDescriptor())
	if count(cu, isTemplate(target.TemplateInvokeMethodPredictedChain)) != 1 {
		t.Error("no predicted-chain template call")
	}
	if count(cu, isHelper(target.HelperPatchPredictedChain)) != 1 {
		t.Error("no rechain helper")
	}
}

func TestPredictedCellDispatch(t *testing.T) {
	f := virtualInvokeFixture()
	res := f.compile(t, virtualInvokeDescriptor())
	addr := predictedCell(t, res).Addr
	resolve := func(class bytecode.ClassRef) (bytecode.MethodRef, error) {
		return bytecode.MethodRef(0x100 + class), nil
	}

	out, err := f.registry.Dispatch(addr, 0x40, resolve)
	if err != nil || out.Outcome != chain.Unresolved {
		t.Fatalf("first dispatch = %v, %v", out.Outcome, err)
	}
	for i := 0; i < 3; i++ {
		if out, err = f.registry.Dispatch(addr, 0x40, resolve); err != nil || out.Outcome != chain.Hit {
			t.Fatalf("dispatch %d = %v, %v", i, out.Outcome, err)
		}
	}
	linked, _ := f.registry.Snapshot(addr)
	if linked.State() != chain.Linked || linked.Method() != 0x140 || linked.Counter() != f.registry.CounterLimit() {
		t.Fatalf("linked cell = %s", linked)
	}

	out, err = f.registry.Dispatch(addr, 0x41, resolve)
	if err != nil || out.Outcome != chain.Mispredicted || out.Method != 0x141 {
		t.Fatalf("mismatch = %+v, %v", out, err)
	}
	after, _ := f.registry.Snapshot(addr)
	if diff := cmp.Diff(linked.Words, after.Words); diff != "" {
		t.Errorf("misprediction changed the cell (-before +after):\n%s", diff)
	}

	prev, err := f.registry.PatchPredictedCell(addr, 0x41, 0x141)
	if err != nil || prev != 0x140 {
		t.Fatalf("PatchPredictedCell = %d, %v", prev, err)
	}
	if cell, _ := f.registry.Snapshot(addr); cell.Class() != 0x41 || cell.Method() != 0x141 {
		t.Errorf("patched cell = %s", cell)
	}
}

func TestArrayObjectPutChecksStore(t *testing.T) {
	f := newFixture(insn(bytecode.OpAputObject, 0, 1, 2))
	cu := f.lower(t, run(1))

	nodes := live(cu)
	at := -1
	for i, l := range nodes {
		if isHelper(target.HelperCanPutArrayElement)(l) {
			at = i
			break
		}
	}
	if at < 0 {
		t.Fatal("aput-object does not check the element type")
	}
	found := false
	for _, l := range nodes[at:] {
		if l.Op == lir.OpCondBranch && l.Cond == lir.CondEQ && l.Target != lir.NoTarget &&
			cu.LIR.Node(l.Target).Op == lir.PseudoPCReconstructionCell {
			found = true
			break
		}
	}
	if !found {
		t.Error("a failed element check does not leave through reconstruction")
	}
	cards := 0
	for _, l := range nodes {
		if l.Op == lir.OpStoreIndexed && l.Size == lir.SizeByte {
			cards++
		}
	}
	if cards != 1 {
		t.Errorf("%d card marks", cards)
	}
}

func TestOverBudgetInstallsNothing(t *testing.T) {
	f := newFixture(straightLine...)
	d := run(4)
	d.MaxInsns = 3
	_, err := f.compiler().Compile(context.Background(), d)
	if !errors.IsResourceExhaustion(err) || errors.ReasonOf(err) != errors.ReasonInstructionBudget {
		t.Fatalf("err = %v", err)
	}
	if f.cache.Used() != 0 || f.registry.Len() != 0 {
		t.Errorf("used=%d cells=%d after a failed compile", f.cache.Used(), f.registry.Len())
	}
}

func TestCodeCacheFull(t *testing.T) {
	f := newFixture(straightLine...)
	f.cache = codecache.NewHeap(32)
	f.registry = chain.NewRegistry(f.cache)
	_, err := f.compiler().Compile(context.Background(), run(4))
	if errors.ReasonOf(err) != errors.ReasonCodeCacheFull {
		t.Fatalf("err = %v", err)
	}
	if f.cache.Used() != 0 || f.registry.Len() != 0 {
		t.Errorf("used=%d cells=%d", f.cache.Used(), f.registry.Len())
	}
}

func TestCancelledBeforeCompile(t *testing.T) {
	f := newFixture(straightLine...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.compiler().Compile(ctx, run(4))
	if errors.ReasonOf(err) != errors.ReasonCancelled {
		t.Fatalf("err = %v", err)
	}
}

func TestRecompileIsIdempotent(t *testing.T) {
	d := virtualInvokeDescriptor()
	a := virtualInvokeFixture().compile(t, d)
	b := virtualInvokeFixture().compile(t, d)
	if diff := cmp.Diff(a.Ops, b.Ops); diff != "" {
		t.Fatalf("LIR differs between compiles (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(a.CellCounts, b.CellCounts); diff != "" {
		t.Errorf("cell counts (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(a.PCRecords, b.PCRecords); diff != "" {
		t.Errorf("reconstruction records (-first +second):\n%s", diff)
	}
	if a.Fingerprint != b.Fingerprint {
		t.Errorf("fingerprints differ")
	}
}

func TestPCReconstructionRecordsResumeOffset(t *testing.T) {
	f := newFixture(
		bytecode.Instruction{Opcode: bytecode.OpIget, A: 0, B: 1, Index: 5},
		bytecode.Instruction{Opcode: bytecode.OpArrayLength, A: 2, B: 3},
	)
	f.res.Fields[trace.PoolKey{Method: caller, Index: 5}] = 12
	res := f.compile(t, run(2))
	if len(res.PCRecords) == 0 {
		t.Fatal("no reconstruction records")
	}
	code := f.cache.GetBytes(res.Fragment.Start, res.CodeSize)
	seen := make(map[uint32]bool)
	for _, rec := range res.PCRecords {
		if seen[rec.Offset] {
			t.Errorf("offset %#x has two cells", rec.Offset)
		}
		seen[rec.Offset] = true
		op, r0, _, _, _ := target.DecodeHeader(binary.LittleEndian.Uint32(code[rec.CodeOffset:]))
		if op != lir.OpMovRI || r0 != f.tgt.ArgReg(0) {
			t.Errorf("cell for %#x starts with %s %s", rec.Offset, op, r0)
			continue
		}
		if got := binary.LittleEndian.Uint32(code[rec.CodeOffset+4:]); got != rec.Offset {
			t.Errorf("cell for %#x resumes at %#x", rec.Offset, got)
		}
	}
	for _, off := range []uint32{0, 2} {
		if !seen[off] {
			t.Errorf("no reconstruction cell for %#x", off)
		}
	}
}

func TestNullCheckElision(t *testing.T) {
	insns := []bytecode.Instruction{
		{Opcode: bytecode.OpIget, A: 0, B: 1, Index: 5},
		{Opcode: bytecode.OpIget, A: 2, B: 1, Index: 6},
	}
	nullChecks := func(disabled trace.Opt) int {
		f := newFixture(insns...)
		f.res.Fields[trace.PoolKey{Method: caller, Index: 5}] = 8
		f.res.Fields[trace.PoolKey{Method: caller, Index: 6}] = 12
		d := run(2)
		d.DisabledOpts = disabled
		cu := f.lower(t, d)
		return count(cu, func(l *lir.LIR) bool { return l.Op == lir.OpCondBranch && l.Cond == lir.CondEQ })
	}
	if on, off := nullChecks(0), nullChecks(trace.OptNullCheckElimination); on != 1 || off != 2 {
		t.Errorf("null checks with elimination %d, without %d", on, off)
	}
}

func TestSingleStepKillsNullCheck(t *testing.T) {
	f := newFixture(
		bytecode.Instruction{Opcode: bytecode.OpIgetObject, A: 1, B: 0, Index: 5},
		bytecode.Instruction{Opcode: bytecode.OpIget, A: 3, B: 1, Index: 6},
		bytecode.Instruction{Opcode: bytecode.OpIgetObject, A: 1, B: 0, Index: 9},
		bytecode.Instruction{Opcode: bytecode.OpIget, A: 2, B: 1, Index: 6},
	)
	f.res.Fields[trace.PoolKey{Method: caller, Index: 5}] = 8
	f.res.Fields[trace.PoolKey{Method: caller, Index: 6}] = 12
	cu := f.lower(t, run(4))
	// v0 once, then v1 before and after the interpreter redefines it.
	if n := count(cu, func(l *lir.LIR) bool { return l.Op == lir.OpCondBranch && l.Cond == lir.CondEQ }); n != 3 {
		t.Errorf("%d null checks, want 3", n)
	}
}

func selfLoads(f *fixture, cu *CompilationUnit, disp int32) int {
	n := 0
	for _, l := range live(cu) {
		if l.Op == lir.OpLoad && l.Reg(1) == f.tgt.Self && l.Operands[2] == int64(disp) {
			n++
		}
	}
	return n
}

func TestBackwardIfPollsSuspend(t *testing.T) {
	insns := []bytecode.Instruction{
		{Opcode: bytecode.OpAddIntLit, A: 0, B: 0, Literal: 1},
		{Opcode: bytecode.OpIfNez, A: 0, Target: -2},
	}
	polls := func(off bool) int {
		f := newFixture(insns...)
		f.opts.NoSuspendPoll = off
		d := run(2)
		d.NoLoop = true
		cu := f.lower(t, d)
		if cu.Trace.LoopMode {
			t.Fatal("NoLoop trace lowered in loop mode")
		}
		return selfLoads(f, cu, f.tgt.Layout.SelfBreakFlags)
	}
	on, off := polls(false), polls(true)
	if on != off+1 {
		t.Errorf("break-flag loads %d with polling, %d without", on, off)
	}
}

func TestOversizedTraceIsShortened(t *testing.T) {
	const n = 20000
	insns := make([]bytecode.Instruction, n)
	for i := range insns {
		insns[i] = insn(bytecode.OpAddInt, uint32(2+i%4), 0, 1)
	}
	f := newFixture(insns...)
	f.cache = codecache.NewHeap(1 << 18)
	f.registry = chain.NewRegistry(f.cache)
	d := run(n)
	d.MaxInsns = n
	res, err := f.compiler().Compile(context.Background(), d)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !res.Recompiled || res.Insns >= n || res.Insns == 0 {
		t.Errorf("recompiled=%v with %d instructions", res.Recompiled, res.Insns)
	}
	if res.CodeSize > 0xffff+TrailerSize {
		t.Errorf("installed %d bytes", res.CodeSize)
	}
	if f.cache.Full() {
		t.Error("oversized trace marked the cache full")
	}
}

func TestLoopModeAbandonedForSingleStep(t *testing.T) {
	f := newFixture(
		bytecode.Instruction{Opcode: bytecode.OpAddIntLit, A: 0, B: 0, Literal: 1},
		bytecode.Instruction{Opcode: bytecode.OpIget, A: 3, B: 2, Index: 9},
		bytecode.Instruction{Opcode: bytecode.OpIfLt, A: 0, B: 1, Target: -4},
	)
	res := f.compile(t, run(3))
	if !res.Recompiled || res.LoopMode {
		t.Fatalf("recompiled=%v loop=%v", res.Recompiled, res.LoopMode)
	}
	if res.Fingerprint != run(3).WithoutLoop().Fingerprint() {
		t.Error("result carries the loop descriptor's fingerprint")
	}
}

func TestLoopModeHoistsRangeCheck(t *testing.T) {
	f := newFixture(
		bytecode.Instruction{Opcode: bytecode.OpAddIntLit, A: 0, B: 0, Literal: 1},
		insn(bytecode.OpAget, 3, 2, 0),
		bytecode.Instruction{Opcode: bytecode.OpIfLt, A: 0, B: 1, Target: -4},
	)
	d := run(3)
	d.LoopChecks = []trace.LoopCheck{{Kind: trace.CountUp, Array: 2, Index: 0, End: 1, ExitCond: bytecode.OpIfGe}}
	res := f.compile(t, d)
	if !res.LoopMode || res.Recompiled {
		t.Fatalf("loop=%v recompiled=%v", res.LoopMode, res.Recompiled)
	}
	if res.CellCounts[chain.KindBackwardBranch] != 1 {
		t.Errorf("cell counts = %v", res.CellCounts)
	}
}

func getterFixture() *fixture {
	f := newFixture(
		bytecode.Instruction{Opcode: bytecode.OpInvokeVirtual, Args: []uint32{1}, Index: 2},
		bytecode.Instruction{Opcode: bytecode.OpMoveResult, A: 3},
		bytecode.Instruction{Opcode: bytecode.OpReturn, A: 3},
	)
	f.prog.Add(bytecode.NewListing(12, []bytecode.Instruction{
		{Opcode: bytecode.OpIget, A: 0, B: 1, Index: 1},
		{Opcode: bytecode.OpReturn, A: 0},
	}))
	f.res.Methods[12] = trace.MethodInfo{Registers: 2, Ins: 1}
	f.res.MethodRefs[trace.PoolKey{Method: caller, Index: 2}] = 12
	f.res.Fields[trace.PoolKey{Method: 12, Index: 1}] = 16
	return f
}

func TestPredictedGetterInline(t *testing.T) {
	f := getterFixture()
	d := &trace.Descriptor{Method: caller, Runs: []trace.Run{
		{Start: 0, NumInsns: 1, Callsite: &trace.CallsiteHint{Class: 0x50, Method: 12}},
		{Start: 3, NumInsns: 2},
	}}
	cu := f.lower(t, d)

	guard := -1
	for _, l := range live(cu) {
		if l.Op == lir.OpMovRI && l.Operands[1] == 0x50 {
			guard = l.Index()
			break
		}
	}
	if guard < 0 {
		t.Fatal("predicted class never materialized")
	}
	var mispredict *lir.LIR
	for i := guard; i >= 0; i = cu.LIR.Node(i).Next() {
		if n := cu.LIR.Node(i); n.Op == lir.OpCondBranch && n.Cond == lir.CondNE {
			mispredict = n
			break
		}
	}
	if mispredict == nil || mispredict.Target == lir.NoTarget {
		t.Fatal("guard has no mispredict branch")
	}
	if count(cu, isTemplate(target.TemplateInvokeMethodPredictedChain)) != 1 {
		t.Error("slow path lost its predicted invoke")
	}

	if _, err := f.compiler().Compile(context.Background(), d); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

func TestSwitchOverflowPad(t *testing.T) {
	n := trace.MaxChainedSwitchCases + 6
	targets := make([]int32, n)
	for i := range targets {
		targets[i] = int32(10 * (i + 1))
	}
	f := newFixture(bytecode.Instruction{Opcode: bytecode.OpPackedSwitch, A: 0, Switch: &bytecode.SwitchTable{Targets: targets}})
	cu := f.lower(t, run(1))
	if cu.switchPad < 0 {
		t.Fatal("no overflow pad")
	}
	noChain := 0
	for _, l := range live(cu) {
		if l.Op == lir.OpLoad && l.Reg(1) == f.tgt.Self && l.Operands[2] == int64(f.tgt.Layout.SelfNoChain) {
			noChain++
		}
	}
	if noChain != 1 {
		t.Errorf("pad loads the no-chain entry %d times", noChain)
	}

	res := f.compile(t, run(1))
	if got := res.CellCounts[chain.KindNormal]; got != trace.MaxChainedSwitchCases+1 {
		t.Errorf("%d normal cells", got)
	}
}

func TestSelfVerifyDecodesMemoryOps(t *testing.T) {
	f := newFixture(bytecode.Instruction{Opcode: bytecode.OpIget, A: 0, B: 1, Index: 5})
	f.res.Fields[trace.PoolKey{Method: caller, Index: 5}] = 8
	f.opts.SelfVerify = true
	cu := f.lower(t, run(1))

	verified := 0
	for _, l := range live(cu) {
		if l.Flags&lir.NeedsVerify == 0 {
			continue
		}
		verified++
		prev := l.Prev()
		for prev >= 0 && cu.LIR.Node(prev).Flags&lir.IsNop != 0 {
			prev = cu.LIR.Node(prev).Prev()
		}
		if prev < 0 || !isTemplate(target.TemplateMemOpDecode)(cu.LIR.Node(prev)) {
			t.Errorf("%s is not preceded by the decoder", l)
		}
	}
	if verified == 0 {
		t.Fatal("no memory op flagged")
	}
	if n := count(cu, isTemplate(target.TemplateMemOpDecode)); n != verified {
		t.Errorf("%d decoder calls for %d memory ops", n, verified)
	}
}

func TestCompileAMD64(t *testing.T) {
	f := newFixture(straightLine...)
	f.tgt = target.AMD64()
	res := f.compile(t, run(4))
	if res.CellCounts[chain.KindNormal] != 1 || res.CodeSize <= HeaderSize+TrailerSize {
		t.Errorf("amd64 result: cells=%v size=%d", res.CellCounts, res.CodeSize)
	}
	for _, ref := range res.Cells {
		cell, err := f.registry.Snapshot(ref.Addr)
		if err != nil || cell.State() != chain.Cold || cell.Data() != 10 {
			t.Errorf("cell %s = %s, %v", ref, cell, err)
		}
	}
}
