package target

import (
	"encoding/binary"
	"testing"

	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
	"github.com/ascrivener/tracejit/pkg/target/x86"
	"github.com/google/go-cmp/cmp"
)

func resolveAll(kind lir.SymbolKind, id int64) (uintptr, bool) {
	return 0x4000_0000 + uintptr(kind)*0x1000 + uintptr(id)*0x10, true
}

func node(op lir.Op, operands ...int64) *lir.LIR {
	l := &lir.LIR{Op: op, Target: lir.NoTarget}
	copy(l.Operands[:], operands)
	return l
}

func TestByName(t *testing.T) {
	for _, name := range []string{"risc32", "risc32-softfp", "amd64", ""} {
		if _, err := ByName(name); err != nil {
			t.Errorf("ByName(%q): %v", name, err)
		}
	}
	if _, err := ByName("mips"); err == nil {
		t.Errorf("expected error for unknown target")
	}
}

func TestTargetsKeepReservedRegistersOutOfTemps(t *testing.T) {
	for _, tgt := range []*Target{RISC32(), RISC32SoftFP(), AMD64()} {
		for _, r := range tgt.CoreTemps {
			if r == tgt.FP || r == tgt.Self || r == tgt.PC {
				t.Errorf("%s: reserved %s listed as temp", tgt.Name, r)
			}
		}
		if len(tgt.ArgRegs) < 4 {
			t.Errorf("%s: need four argument registers", tgt.Name)
		}
		if tgt.HasFPU != (len(tgt.FPTemps) > 0) {
			t.Errorf("%s: FPU flag disagrees with FP temps", tgt.Name)
		}
	}
}

func TestImmediateLimits(t *testing.T) {
	r := RISC32()
	if !r.AluImmFits(lir.AluAdd, 4095) || r.AluImmFits(lir.AluAdd, 4096) {
		t.Errorf("risc32 add immediate limit wrong")
	}
	if r.AluImmFits(lir.AluMul, 3) {
		t.Errorf("risc32 has no multiply-immediate form")
	}
	if !r.AluImmFits(lir.AluLsl, 31) || r.AluImmFits(lir.AluLsl, 32) {
		t.Errorf("shift amounts must be 0..31")
	}
	if r.CmpImmFits(-1) || !r.CmpImmFits(255) || r.CmpImmFits(256) {
		t.Errorf("risc32 compare immediate limit wrong")
	}
	a := AMD64()
	if !a.AluImmFits(lir.AluAdd, 1<<20) || !a.AluImmFits(lir.AluMul, 7) || !a.CmpImmFits(-5) {
		t.Errorf("amd64 immediates are 32-bit")
	}
}

func TestWordEncoderHeader(t *testing.T) {
	enc := &WordEncoder{}
	l := node(lir.OpAluRRI, int64(R1), int64(R2), 300)
	l.Alu = lir.AluSub
	buf := make([]byte, 8)
	n, err := enc.Encode(buf, l, &lir.EncodeContext{Resolve: resolveAll})
	if err != nil || n != 8 {
		t.Fatalf("Encode = %d, %v", n, err)
	}
	op, r0, r1, _, sub := DecodeHeader(binary.LittleEndian.Uint32(buf))
	if op != lir.OpAluRRI || r0 != R1 || r1 != R2 || lir.AluOp(sub) != lir.AluSub {
		t.Errorf("header = %s %s %s %d", op, r0, r1, sub)
	}
	if imm := binary.LittleEndian.Uint32(buf[4:]); imm != 300 {
		t.Errorf("immediate = %d", imm)
	}

	fp := node(lir.OpMovRR, int64(FPReg(17)), int64(R0))
	n, _ = enc.Encode(buf, fp, &lir.EncodeContext{})
	_, r0, _, _, _ = DecodeHeader(binary.LittleEndian.Uint32(buf))
	if n != 4 || r0 != FPReg(17) {
		t.Errorf("FP register lost in header: %s (%d bytes)", r0, n)
	}
}

func TestWordEncoderBranchDisplacement(t *testing.T) {
	enc := &WordEncoder{}
	l := node(lir.OpBranch)
	l.Target = 3
	buf := make([]byte, 8)
	ctx := &lir.EncodeContext{PC: 0x100, TargetPC: 0xe0, Resolve: resolveAll}
	if _, err := enc.Encode(buf, l, ctx); err != nil {
		t.Fatal(err)
	}
	if disp := int32(binary.LittleEndian.Uint32(buf[4:])); disp != -0x20 {
		t.Errorf("displacement = %d", disp)
	}
	l.Target = lir.NoTarget
	if _, err := enc.Encode(buf, l, ctx); errors.ReasonOf(err) != errors.ReasonInvariantViolation {
		t.Errorf("branch without target: %v", err)
	}
}

func TestWordEncoderSizes(t *testing.T) {
	enc := &WordEncoder{}
	tests := []struct {
		l    *lir.LIR
		want int
	}{
		{node(lir.PseudoLabel), 0},
		{node(lir.OpDataWord, 0xcafe), 4},
		{node(lir.OpMovRR, 0, 1), 4},
		{node(lir.OpMovRI, 0, 1), 8},
		{node(lir.OpLoad, 0, 5, 12), 8},
		{&lir.LIR{Op: lir.OpMovRR, Flags: lir.IsNop}, 0},
	}
	for _, tt := range tests {
		if got, _ := enc.Size(tt.l); got != tt.want {
			t.Errorf("Size(%s) = %d, want %d", tt.l, got, tt.want)
		}
	}
}

func TestAMD64Encodings(t *testing.T) {
	enc := &AMD64Encoder{}
	ctx := &lir.EncodeContext{PC: 0x1000, TargetPC: 0x1010, Resolve: resolveAll}
	branch := node(lir.OpBranch)
	branch.Target = 1
	beq := node(lir.OpCondBranch)
	beq.Cond, beq.Target = lir.CondEQ, 1

	tests := []struct {
		name string
		l    *lir.LIR
		want []byte
	}{
		{"mov", node(lir.OpMovRR, int64(x86.RAX), int64(x86.RDX)), []byte{0x89, 0xD0}},
		{"load", node(lir.OpLoad, int64(x86.RAX), int64(x86.RBP), 8), []byte{0x8B, 0x45, 0x08}},
		{"jmp", branch, []byte{0xE9, 0x0B, 0, 0, 0}},
		{"jeq", beq, []byte{0x0F, 0x84, 0x0A, 0, 0, 0}},
		{"word", node(lir.OpDataWord, 0xe7fe), []byte{0xfe, 0xe7, 0, 0}},
	}
	for _, tt := range tests {
		buf := make([]byte, 16)
		n, err := enc.Encode(buf, tt.l, ctx)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if diff := cmp.Diff(tt.want, buf[:n]); diff != "" {
			t.Errorf("%s bytes (-want +got):\n%s", tt.name, diff)
		}
		if size, _ := enc.Size(tt.l); size != n {
			t.Errorf("%s: Size = %d, encoded %d", tt.name, size, n)
		}
	}
}

func TestAMD64CallTemplateSize(t *testing.T) {
	enc := &AMD64Encoder{}
	l := node(lir.OpCallTemplate, int64(TemplateMulLong))
	if size, err := enc.Size(l); err != nil || size != 13 {
		t.Errorf("Size = %d, %v; want 13 (movabs r11 + call r11)", size, err)
	}
}

func TestAMD64RejectsUnsupported(t *testing.T) {
	enc := &AMD64Encoder{}
	l := node(lir.OpLoadIndexed, int64(FPReg(8)), int64(x86.RAX), int64(x86.RDX), 2)
	if _, err := enc.Size(l); errors.ReasonOf(err) != errors.ReasonUnsupportedFormat {
		t.Errorf("expected unsupported-format, got %v", err)
	}
}

func TestNames(t *testing.T) {
	if HelperCanPutArrayElement.String() != "canPutArrayElement" {
		t.Errorf("helper name = %s", HelperCanPutArrayElement)
	}
	if TemplateInvokeMethodPredictedChain.String() != "INVOKE_METHOD_PREDICTED_CHAIN" {
		t.Errorf("template name = %s", TemplateInvokeMethodPredictedChain)
	}
}
