package ralloc

import (
	"testing"

	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/target"
	"github.com/google/go-cmp/cmp"
)

func newTestPool(t *testing.T) (*Pool, *lir.List) {
	t.Helper()
	ls := lir.NewList()
	return NewPool(target.RISC32(), ListSink(ls), 16), ls
}

func mustPanicCompileError(t *testing.T, reason errors.Reason, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok {
			t.Fatalf("expected a compile error panic, got %v", r)
		}
		if errors.ReasonOf(err) != reason {
			t.Fatalf("panic reason = %v, want %v (%v)", errors.ReasonOf(err), reason, err)
		}
	}()
	fn()
}

func TestLoadValueReusesLiveRegister(t *testing.T) {
	p, ls := newTestPool(t)

	a := p.LoadValue(VReg(3), CoreReg)
	if a.Location != LocPhysReg || a.LowReg != target.R0 {
		t.Fatalf("first load = %s", a)
	}
	p.ResetPool()
	b := p.LoadValue(VReg(3), CoreReg)
	if b.LowReg != a.LowReg {
		t.Errorf("second load got %s, want reuse of %s", b.LowReg, a.LowReg)
	}
	want := []string{"ldr.w r0, [r5, #12]"}
	if diff := cmp.Diff(want, ls.Ops()); diff != "" {
		t.Errorf("ops (-want +got):\n%s", diff)
	}
	if err := p.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreValueWritesHomeImmediately(t *testing.T) {
	p, ls := newTestPool(t)

	src := p.LoadValue(VReg(1), CoreReg)
	p.StoreValue(VReg(2), src)

	ops := ls.Ops()
	if len(ops) != 3 {
		t.Fatalf("ops = %v", ops)
	}
	last := ls.Node(ls.Last())
	if last.Op != lir.OpStore || last.Operands[2] != 8 || last.Flags&lir.Barrier == 0 {
		t.Errorf("home write = %s flags=%d", last, last.Flags)
	}
	ri := p.Info(last.Reg(0))
	if !ri.Live || ri.Dirty || ri.SReg != 2 {
		t.Errorf("dest register state = %s", ri)
	}
}

func TestRedefinitionDropsDeadHomeWrite(t *testing.T) {
	p, ls := newTestPool(t)

	x := p.LoadValue(VReg(1), CoreReg)
	p.StoreValue(VReg(2), x)
	first := ls.Last()
	p.ResetPool()

	y := p.LoadValue(VReg(2), CoreReg)
	tmp := p.AllocTemp()
	p.sink.Emit(lir.LIR{Op: lir.OpAluRRI, Alu: lir.AluAdd, Operands: [4]int64{int64(tmp), int64(y.LowReg), 1}})
	p.StoreValue(VReg(2), RegLocation{Location: LocPhysReg, LowReg: tmp, HighReg: lir.NoReg, SReg: InvalidSReg})

	if ls.Node(first).Flags&lir.IsNop == 0 {
		t.Errorf("first home write of v2 should have been dropped")
	}
	last := ls.Node(ls.Last())
	if last.Op != lir.OpStore || last.Operands[2] != 8 {
		t.Errorf("final write = %s", last)
	}
}

func TestExitKeepsHomeWrite(t *testing.T) {
	p, ls := newTestPool(t)

	x := p.LoadValue(VReg(1), CoreReg)
	p.StoreValue(VReg(2), x)
	first := ls.Last()
	// A possible trace exit reads the frame.
	p.ResetDefTracking()
	p.ResetPool()
	y := p.LoadValue(VReg(0), CoreReg)
	p.StoreValue(VReg(2), y)

	if ls.Node(first).Flags&lir.IsNop != 0 {
		t.Errorf("home write before an exit must survive")
	}
}

func TestSuppressLoadsKeepsWrites(t *testing.T) {
	p, ls := newTestPool(t)
	p.SuppressLoads = true

	x := p.LoadValue(VReg(1), CoreReg)
	p.StoreValue(VReg(2), x)
	first := ls.Last()
	p.StoreValue(VReg(2), x)
	if ls.Node(first).Flags&lir.IsNop != 0 {
		t.Errorf("write dropped with load suppression disabled")
	}
}

func TestWideValuesBindAsPair(t *testing.T) {
	p, ls := newTestPool(t)

	w := p.LoadValueWide(VRegWide(4), CoreReg)
	if !w.Wide || w.Location != LocPhysReg {
		t.Fatalf("wide load = %s", w)
	}
	lo, hi := p.Info(w.LowReg), p.Info(w.HighReg)
	if !lo.Pair || !hi.Pair || lo.Partner != w.HighReg || hi.Partner != w.LowReg {
		t.Fatalf("pair not bound: %s / %s", lo, hi)
	}
	if lo.SReg != 4 || hi.SReg != 5 {
		t.Errorf("pair sregs = %d, %d", lo.SReg, hi.SReg)
	}
	if n := ls.Count(lir.OpLoadPair); n != 1 {
		t.Errorf("pair loads = %d", n)
	}

	// Reading only the high half as a narrow value breaks the pair.
	p.ResetPool()
	narrow := p.UpdateLoc(VReg(5))
	if narrow.Location != LocDalvikFrame {
		t.Errorf("narrow view of a pair half must not reuse it: %s", narrow)
	}
	if lo.Live || hi.Live || lo.Pair || hi.Pair {
		t.Errorf("both halves must be unbound together: %s / %s", lo, hi)
	}
	if err := p.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreValueWide(t *testing.T) {
	p, ls := newTestPool(t)

	src := p.LoadValueWide(VRegWide(0), CoreReg)
	p.StoreValueWide(VRegWide(6), src)
	last := ls.Node(ls.Last())
	if last.Op != lir.OpStorePair || last.Operands[3] != 24 {
		t.Errorf("wide home write = %s", last)
	}
	dest := p.UpdateLocWide(VRegWide(6))
	if dest.Location != LocPhysReg {
		t.Errorf("wide dest should be live, got %s", dest)
	}
	if err := p.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestWideFPPairIsAligned(t *testing.T) {
	p, _ := newTestPool(t)
	p.AllocTempFloat()
	lo := p.AllocTempDouble()
	if lo&1 != 0 || !lo.IsFP() {
		t.Errorf("double temp %s not even-aligned", lo)
	}
	if ri := p.Info(lo + 1); ri == nil || !ri.InUse {
		t.Errorf("high half of %s not pinned", lo)
	}
}

func TestCheckDetectsDoubleBinding(t *testing.T) {
	p, _ := newTestPool(t)
	a, b := p.Info(target.R0), p.Info(target.R1)
	a.Live, a.SReg = true, 7
	b.Live, b.SReg = true, 7
	err := p.Check()
	if !errors.IsFatal(err) || errors.ReasonOf(err) != errors.ReasonRegisterConflict {
		t.Fatalf("Check = %v", err)
	}
}

func TestCheckDetectsAsymmetricPair(t *testing.T) {
	p, _ := newTestPool(t)
	a := p.Info(target.R2)
	a.Pair, a.Partner = true, target.R3
	if err := p.Check(); errors.ReasonOf(err) != errors.ReasonRegisterConflict {
		t.Fatalf("Check = %v", err)
	}
}

func TestMarkLiveUnbindsPreviousHolder(t *testing.T) {
	p, _ := newTestPool(t)
	p.MarkLive(target.R0, 3)
	p.MarkLive(target.R1, 3)
	if p.IsLive(target.R0) != nil {
		t.Errorf("r0 still live for v3")
	}
	if err := p.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestAllocTempExhaustion(t *testing.T) {
	p, _ := newTestPool(t)
	for range p.Target().CoreTemps {
		p.AllocTemp()
	}
	if r := p.AllocFreeTemp(); r != lir.NoReg {
		t.Errorf("AllocFreeTemp = %s, want none", r)
	}
	mustPanicCompileError(t, errors.ReasonInvariantViolation, func() { p.AllocTemp() })
}

func TestAllocPrefersDeadTemps(t *testing.T) {
	p, _ := newTestPool(t)
	v := p.LoadValue(VReg(9), CoreReg)
	p.ResetPool()
	for i := 0; i < len(p.Target().CoreTemps)-1; i++ {
		if r := p.AllocTemp(); r == v.LowReg {
			t.Fatalf("allocation %d evicted live %s while dead temps remained", i, r)
		}
	}
}

func TestClobberFlushesDirty(t *testing.T) {
	p, ls := newTestPool(t)
	r := p.AllocTemp()
	p.MarkLive(r, 5)
	p.MarkDirty(r)
	p.Clobber(r)
	last := ls.Node(ls.Last())
	if last.Op != lir.OpStore || last.Operands[2] != 20 {
		t.Errorf("clobber did not write back: %s", last)
	}
	if p.IsLive(r) != nil {
		t.Errorf("%s still live", r)
	}
}

func TestFlushAll(t *testing.T) {
	p, ls := newTestPool(t)
	lo, hi := p.AllocTemp(), p.AllocTemp()
	p.MarkLive(lo, 2)
	p.MarkLive(hi, 3)
	p.MarkPair(lo, hi)
	p.MarkDirty(lo)
	p.MarkDirty(hi)
	p.FlushAll()
	if n := ls.Count(lir.OpStorePair); n != 1 {
		t.Errorf("pair flushes = %d, want 1", n)
	}
	for _, r := range []lir.Reg{lo, hi} {
		if p.IsLive(r) != nil {
			t.Errorf("%s live after FlushAll", r)
		}
	}
}

func TestClobberCallRegs(t *testing.T) {
	p, _ := newTestPool(t)
	p.MarkLive(target.R0, 1)
	p.MarkLive(target.R8, 2)
	p.ClobberCallRegs()
	if p.IsLive(target.R0) != nil {
		t.Errorf("r0 survives a call")
	}
	if p.IsLive(target.R8) == nil {
		t.Errorf("r8 is callee-saved and should stay live")
	}
}

func TestRetvalLocations(t *testing.T) {
	p, ls := newTestPool(t)
	v := p.LoadValue(Retval(false), CoreReg)
	first := ls.Node(ls.First())
	if first.Op != lir.OpLoad || first.Reg(1) != target.R6 || first.Operands[2] != int64(p.Target().Layout.SelfRetval) {
		t.Errorf("retval load = %s", first)
	}
	if p.IsLive(v.LowReg) != nil {
		t.Errorf("retval temps are never live")
	}
	p.StoreValue(Retval(false), p.LoadValue(VReg(0), CoreReg))
	last := ls.Node(ls.Last())
	if last.Op != lir.OpStore || last.Reg(1) != target.R6 {
		t.Errorf("retval store = %s", last)
	}
}

func TestNullCheckedTracking(t *testing.T) {
	p, _ := newTestPool(t)
	p.SetNullChecked(3)
	if !p.NullChecked(3) {
		t.Fatal("v3 should be checked")
	}
	p.StoreValue(VReg(3), p.LoadValue(VReg(1), CoreReg))
	if p.NullChecked(3) {
		t.Errorf("redefinition must forget the non-null fact")
	}
	p.SetNullChecked(4)
	p.ResetNullChecks()
	if p.NullChecked(4) || p.NullChecked(InvalidSReg) {
		t.Errorf("reset left facts behind")
	}
}

func TestEvalLocMovesAcrossClasses(t *testing.T) {
	p, ls := newTestPool(t)
	f := p.LoadValue(VReg(2).WithFP(), FPRegClass)
	if !f.LowReg.IsFP() {
		t.Fatalf("fp load landed in %s", f.LowReg)
	}
	p.ResetPool()
	c := p.LoadValue(VReg(2), CoreReg)
	if c.LowReg.IsFP() {
		t.Fatalf("core eval returned %s", c.LowReg)
	}
	if ls.Count(lir.OpMovRR) != 1 {
		t.Errorf("expected one cross-class copy, ops = %v", ls.Ops())
	}
	if p.IsLive(f.LowReg) != nil {
		t.Errorf("old FP binding must be released")
	}
	if err := p.Check(); err != nil {
		t.Fatal(err)
	}
}

func TestSoftFPUsesCoreTemps(t *testing.T) {
	ls := lir.NewList()
	p := NewPool(target.RISC32SoftFP(), ListSink(ls), 8)
	if r := p.AllocTypedTemp(true, AnyReg); r.IsFP() {
		t.Errorf("soft-float target allocated %s", r)
	}
	lo, hi := p.AllocTypedTempPair(true, AnyReg)
	if lo.IsFP() || hi.IsFP() || lo == hi {
		t.Errorf("soft-float pair = %s, %s", lo, hi)
	}
}
