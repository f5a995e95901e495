package bytecode

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestOpcodeTableComplete(t *testing.T) {
	for op := Opcode(0); op < NumOpcodes; op++ {
		info := op.Info()
		if info.Name == "" {
			t.Errorf("opcode %d has no name", op)
		}
		if info.Width == 0 {
			t.Errorf("%s has zero width", info.Name)
		}
		if got, ok := OpcodeByName(info.Name); !ok || got != op {
			t.Errorf("name %q does not round-trip", info.Name)
		}
	}
}

func TestEndsBlock(t *testing.T) {
	ends := []Opcode{OpGoto, OpIfEq, OpIfLez, OpReturn, OpReturnVoid, OpThrow, OpPackedSwitch, OpInvokeVirtual, OpInvokeStaticRange}
	for _, op := range ends {
		if !op.EndsBlock() {
			t.Errorf("%s should end a block", op)
		}
	}
	for _, op := range []Opcode{OpAddInt, OpIget, OpAputObject, OpConst, OpDivInt} {
		if op.EndsBlock() {
			t.Errorf("%s should not end a block", op)
		}
	}
}

func TestListingLayout(t *testing.T) {
	l := NewListing(1, []Instruction{
		{Opcode: OpConst, A: 0, Literal: 5}, // 3 units
		{Opcode: OpAddInt, A: 1, B: 0, C: 0},
		{Opcode: OpReturn, A: 1},
	})
	if l.OffsetOf(1) != 3 || l.OffsetOf(2) != 5 || l.Size() != 6 {
		t.Fatalf("offsets = %v size = %d", l.Offsets(), l.Size())
	}
	in, err := l.Decode(3)
	if err != nil || in.Opcode != OpAddInt {
		t.Fatalf("Decode(3) = %v, %v", in, err)
	}
	if _, err := l.Decode(4); err == nil {
		t.Errorf("Decode of a non-boundary should fail")
	}
}

func TestRangeArgs(t *testing.T) {
	in := Instruction{Opcode: OpInvokeStaticRange, A: 3, C: 7}
	regs := in.ArgRegs()
	if len(regs) != 3 || regs[0] != 7 || regs[2] != 9 {
		t.Errorf("ArgRegs = %v", regs)
	}
	in = Instruction{Opcode: OpInvokeVirtual, Args: []uint32{4, 2}}
	if regs := in.ArgRegs(); len(regs) != 2 || regs[0] != 4 {
		t.Errorf("ArgRegs = %v", regs)
	}
}

func TestLoadProgram(t *testing.T) {
	src := `[{"method": 3, "insns": [{"op": "const", "a": 1, "lit": 8}, {"op": "div-int/lit", "a": 2, "b": 1, "lit": 8}, {"op": "return", "a": 2}]}]`
	path := filepath.Join(t.TempDir(), "listing.json")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProgram(path)
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	in, err := p.Decode(3, 3)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Opcode != OpDivIntLit || in.Literal != 8 {
		t.Errorf("decoded %v", in)
	}
	if _, err := p.Decode(4, 0); err == nil {
		t.Errorf("expected error for unknown method")
	}

	var op Opcode
	if err := json.Unmarshal([]byte(`"bogus"`), &op); err == nil {
		t.Errorf("expected error for unknown opcode name")
	}
}
