package bitvec

import "testing"

func TestSetClear(t *testing.T) {
	bv := New(10, false)
	bv.Set(0)
	bv.Set(9)
	if !bv.IsSet(0) || !bv.IsSet(9) || bv.IsSet(5) {
		t.Fatalf("unexpected bits: %s", bv)
	}
	bv.Clear(9)
	if bv.IsSet(9) {
		t.Errorf("bit 9 still set after Clear")
	}
	if bv.Count() != 1 {
		t.Errorf("Count = %d, want 1", bv.Count())
	}
}

func TestFixedVectorPanicsOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic")
		}
	}()
	New(4, false).Set(4)
}

func TestExpandableGrows(t *testing.T) {
	bv := New(1, true)
	bv.Set(100)
	if bv.Len() != 101 || !bv.IsSet(100) {
		t.Fatalf("Len = %d, IsSet(100) = %v", bv.Len(), bv.IsSet(100))
	}
	if bv.IsSet(1000) {
		t.Errorf("bits beyond length must read clear")
	}
}

func TestEachAndString(t *testing.T) {
	bv := New(20, false)
	for _, i := range []int{3, 8, 17} {
		bv.Set(i)
	}
	var got []int
	bv.Each(func(i int) { got = append(got, i) })
	if len(got) != 3 || got[0] != 3 || got[1] != 8 || got[2] != 17 {
		t.Errorf("Each = %v", got)
	}
	if bv.String() != "{3,8,17}" {
		t.Errorf("String = %s", bv.String())
	}
}

func TestIntersectCopyEqual(t *testing.T) {
	a := New(16, true)
	b := New(16, true)
	a.Set(1)
	a.Set(2)
	b.Set(2)
	b.Set(3)
	a.Intersect(b)
	if !a.IsSet(2) || a.IsSet(1) || a.IsSet(3) {
		t.Errorf("Intersect = %s", a)
	}
	c := New(0, true)
	c.Copy(b)
	if !c.Equal(b) {
		t.Errorf("Copy: %s != %s", c, b)
	}
	c.ClearAll()
	if c.Count() != 0 {
		t.Errorf("ClearAll left %s", c)
	}
}

func TestFromBytesLSB(t *testing.T) {
	bv, err := FromBytesLSB([]byte{0x05}, 3)
	if err != nil {
		t.Fatalf("FromBytesLSB: %v", err)
	}
	if !bv.IsSet(0) || bv.IsSet(1) || !bv.IsSet(2) {
		t.Errorf("bits = %s", bv)
	}
	if _, err := FromBytesLSB([]byte{0x08}, 3); err == nil {
		t.Errorf("expected error for bits beyond length")
	}
	if _, err := FromBytesLSB([]byte{0, 0}, 3); err == nil {
		t.Errorf("expected error for wrong byte count")
	}
}
