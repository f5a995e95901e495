package lir

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mov(dst, src Reg) LIR {
	return LIR{Op: OpMovRR, Operands: [4]int64{int64(dst), int64(src)}}
}

func TestAppendAndInsert(t *testing.T) {
	ls := NewList()
	a := ls.Append(mov(0, 1))
	c := ls.Append(mov(2, 3))
	b := ls.InsertAfter(a, mov(1, 2))
	z := ls.InsertBefore(a, LIR{Op: PseudoLabel})

	var order []int
	ls.Walk(func(l *LIR) { order = append(order, l.Index()) })
	if diff := cmp.Diff([]int{z, a, b, c}, order); diff != "" {
		t.Errorf("chain order mismatch (-want +got):\n%s", diff)
	}
	if ls.First() != z || ls.Last() != c {
		t.Errorf("first/last = %d/%d", ls.First(), ls.Last())
	}
	if ls.Node(a).Target != NoTarget {
		t.Errorf("non-branch node should have NoTarget")
	}
}

func TestInsertIntoSealedRegionPanics(t *testing.T) {
	ls := NewList()
	a := ls.Append(mov(0, 1))
	ls.Seal()
	b := ls.Append(mov(1, 2))
	ls.InsertBefore(b, mov(3, 3)) // unsealed, allowed

	defer func() {
		if recover() == nil {
			t.Errorf("expected panic inserting at sealed node")
		}
	}()
	ls.InsertAfter(a, mov(4, 4))
}

func TestNullifyAndOps(t *testing.T) {
	ls := NewList()
	a := ls.Append(mov(0, 1))
	b := ls.Append(LIR{Op: OpStore, Operands: [4]int64{0, 5, 8}})
	c := ls.Append(LIR{Op: OpBranch, Target: a})
	ls.NullifyRange(a, b)

	want := []string{"b -> @0"}
	if diff := cmp.Diff(want, ls.Ops()); diff != "" {
		t.Errorf("Ops mismatch (-want +got):\n%s", diff)
	}
	if ls.Count(OpBranch) != 1 || ls.Count(OpMovRR) != 0 {
		t.Errorf("counts wrong after nullify")
	}
	_ = c
}

func TestCondInvert(t *testing.T) {
	for _, c := range []Cond{CondEQ, CondNE, CondLT, CondGE, CondGT, CondLE, CondCS, CondCC, CondHI, CondLS} {
		if c.Invert().Invert() != c {
			t.Errorf("%s: double inversion changed condition", c)
		}
		if c.Invert() == c {
			t.Errorf("%s: inversion is identity", c)
		}
	}
}

func TestLIRString(t *testing.T) {
	l := LIR{Op: OpAluRRI, Alu: AluAdd, Operands: [4]int64{1, 2, 7}, Target: NoTarget}
	if got := l.String(); got != "alui.add r1, r2, #7" {
		t.Errorf("String = %q", got)
	}
	f := LIR{Op: OpMovRR, Operands: [4]int64{int64(FPFlag | 3), 0}, Target: NoTarget}
	if got := f.String(); got != "mov f3, r0" {
		t.Errorf("String = %q", got)
	}
}
