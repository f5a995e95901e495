package target

import (
	"encoding/binary"

	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/lir"
)

// RISC32 register numbers. R4 holds the bytecode PC, R5 the Dalvik frame,
// R6 the thread.
const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// RISC32 returns a 32-bit load/store target with an ARM-style convention:
// arguments in r0-r3, results in r0/r1, and an FPU with 32 single registers.
func RISC32() *Target {
	fp := make([]Reg, 0, 16)
	for i := 16; i < 32; i++ {
		fp = append(fp, FPReg(i))
	}
	return &Target{
		Name:          "risc32",
		CoreTemps:     []Reg{R0, R1, R2, R3, R7, R8, R9, R10, R11, R12},
		FPTemps:       fp,
		ArgRegs:       []Reg{R0, R1, R2, R3},
		CallerSave:    []Reg{R0, R1, R2, R3, R12, R14},
		Ret0:          R0,
		Ret1:          R1,
		RetAlt:        R1,
		RetAltWide:    [2]Reg{R2, R3},
		FP:            R5,
		Self:          R6,
		PC:            R4,
		Preserved:     R7,
		HasFPU:        true,
		FPToIntInline: true,
		MaxAluImm:     4095,
		MaxCmpImm:     255,
		Layout:        DefaultLayout(),
		Encoder:       &WordEncoder{},
	}
}

// RISC32SoftFP is RISC32 without an FPU: every float operation is a helper
// call on core registers.
func RISC32SoftFP() *Target {
	t := RISC32()
	t.Name = "risc32-softfp"
	t.HasFPU = false
	t.FPToIntInline = false
	t.FPTemps = nil
	return t
}

// WordEncoder emits one header word per operation, followed by one operand
// word for operations that carry an immediate, displacement or address.
//
// Header layout: [op:6][r0:7][r1:7][r2:7][sub:5], sub holding the ALU op,
// condition or access size. Register fields keep the FP flag.
type WordEncoder struct{}

func (e *WordEncoder) Name() string { return "risc32-word" }

func hasOperandWord(op lir.Op) bool {
	switch op {
	case lir.OpMovRI, lir.OpAluRRI, lir.OpCmpRI, lir.OpLoad, lir.OpStore,
		lir.OpLoadIndexed, lir.OpStoreIndexed, lir.OpLoadPair, lir.OpStorePair,
		lir.OpFpConvert, lir.OpBranch, lir.OpCondBranch, lir.OpCallTemplate,
		lir.OpLoadHelper, lir.OpLoadAddr:
		return true
	}
	return false
}

func (e *WordEncoder) Size(l *lir.LIR) (int, error) {
	if l.Flags&lir.IsNop != 0 || l.Op.IsPseudo() {
		return 0, nil
	}
	if l.Op >= lir.NumOps {
		return 0, errors.Abortf(errors.ReasonUnsupportedFormat, "risc32: unknown op %d", l.Op)
	}
	if l.Op == lir.OpDataWord {
		return 4, nil
	}
	if hasOperandWord(l.Op) {
		return 8, nil
	}
	return 4, nil
}

func regField(r int64) uint32 { return uint32(r) & 0x7f }

func (e *WordEncoder) Encode(buf []byte, l *lir.LIR, ctx *lir.EncodeContext) (int, error) {
	size, err := e.Size(l)
	if err != nil || size == 0 {
		return 0, err
	}
	if l.Op == lir.OpDataWord {
		binary.LittleEndian.PutUint32(buf, uint32(l.Operands[0]))
		return 4, nil
	}

	var sub uint32
	switch l.Op {
	case lir.OpAluRRR, lir.OpAluRRI, lir.OpUnary, lir.OpFpRRR, lir.OpFpUnary:
		sub = uint32(l.Alu)
	case lir.OpCondBranch:
		sub = uint32(l.Cond)
	case lir.OpLoad, lir.OpStore, lir.OpLoadIndexed, lir.OpStoreIndexed, lir.OpFpConvert, lir.OpLoadPair, lir.OpStorePair:
		sub = uint32(l.Size)
	}
	r0, r1, r2 := regField(l.Operands[0]), regField(l.Operands[1]), regField(l.Operands[2])
	var operand uint32
	switch l.Op {
	case lir.OpMovRI, lir.OpCmpRI:
		r1, operand = 0, uint32(l.Operands[1])
	case lir.OpAluRRI, lir.OpLoad, lir.OpStore, lir.OpFpConvert:
		r2, operand = 0, uint32(l.Operands[2])
	case lir.OpLoadIndexed, lir.OpStoreIndexed, lir.OpLoadPair, lir.OpStorePair:
		operand = uint32(l.Operands[3])
	case lir.OpBranch, lir.OpCondBranch, lir.OpLoadAddr:
		if l.Target == lir.NoTarget {
			return 0, errors.Abortf(errors.ReasonInvariantViolation, "risc32: %s without target", l.Op)
		}
		r1, r2 = 0, 0
		if l.Op != lir.OpLoadAddr {
			r0 = 0
		}
		operand = uint32(int32(ctx.TargetPC - ctx.PC))
	case lir.OpCallTemplate, lir.OpLoadHelper:
		kind, id := lir.SymTemplate, l.Operands[0]
		if l.Op == lir.OpLoadHelper {
			kind, id = lir.SymHelper, l.Operands[1]
		} else {
			r0 = 0
		}
		r1, r2 = 0, 0
		addr, ok := ctx.Resolve(kind, id)
		if !ok {
			return 0, errors.Abortf(errors.ReasonUnsupportedFormat, "risc32: unresolved symbol %d/%d", kind, id)
		}
		operand = uint32(addr)
	}
	hdr := uint32(l.Op)&0x3f | r0<<6 | r1<<13 | r2<<20 | (sub&0x1f)<<27
	binary.LittleEndian.PutUint32(buf, hdr)
	if size == 8 {
		binary.LittleEndian.PutUint32(buf[4:], operand)
	}
	return size, nil
}

// Pad fills with encoded nops.
func (e *WordEncoder) Pad(buf []byte) {
	for i := 0; i+4 <= len(buf); i += 4 {
		binary.LittleEndian.PutUint32(buf[i:], uint32(lir.OpNop))
	}
}

// DecodeHeader splits a header word, for tests and inspection.
func DecodeHeader(w uint32) (op lir.Op, r0, r1, r2 Reg, sub uint8) {
	return lir.Op(w & 0x3f), Reg(w >> 6 & 0x7f), Reg(w >> 13 & 0x7f), Reg(w >> 20 & 0x7f), uint8(w >> 27)
}
