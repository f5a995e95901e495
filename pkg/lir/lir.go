// Package lir is the lowered, target-neutral machine operation list of one
// compilation unit. Nodes live in an arena and are chained in emission order
// by index; branch targets are node indices until assembly.
package lir

import (
	"fmt"
	"strings"
)

// Reg is a physical register number as understood by a target. FP registers
// have FPFlag set; NoReg means "none".
type Reg uint8

const (
	FPFlag Reg = 0x40
	NoReg  Reg = 0xff
)

func (r Reg) IsFP() bool { return r != NoReg && r&FPFlag != 0 }

func (r Reg) String() string {
	switch {
	case r == NoReg:
		return "-"
	case r.IsFP():
		return fmt.Sprintf("f%d", r&^FPFlag)
	}
	return fmt.Sprintf("r%d", r)
}

type Op uint8

const (
	// Pseudo ops. They occupy no bytes except PseudoAlign4 padding.
	PseudoLabel Op = iota
	PseudoTargetLabel
	PseudoNormalBlockLabel
	PseudoChainingCell
	PseudoChainingCellBottom
	PseudoPCReconstructionCell
	PseudoPCReconstructionBlockLabel
	PseudoEHBlockLabel
	PseudoEntryBlock
	PseudoExitBlock
	PseudoBytecodeBoundary
	PseudoExtended
	PseudoAlign4
	PseudoBarrier

	// Real ops.
	OpNop
	OpMovRR
	OpMovRI
	OpAluRRR
	OpAluRRI
	OpUnary
	OpCmpRR
	OpCmpRI
	OpTstRR
	OpLoad
	OpStore
	OpLoadIndexed
	OpStoreIndexed
	OpLoadPair
	OpStorePair
	OpFpRRR
	OpFpUnary
	OpFpConvert
	OpFpMovToCore
	OpFpMovFromCore
	OpBranch
	OpCondBranch
	OpCallReg
	OpCallTemplate
	OpLoadHelper
	OpLoadAddr
	OpDataWord
	OpUndefined

	NumOps
)

var opNames = [NumOps]string{
	PseudoLabel:                      "-label",
	PseudoTargetLabel:                "-target",
	PseudoNormalBlockLabel:           "-block",
	PseudoChainingCell:               "-chain-cell",
	PseudoChainingCellBottom:         "-chain-cell-bottom",
	PseudoPCReconstructionCell:       "-pcr-cell",
	PseudoPCReconstructionBlockLabel: "-pcr-block",
	PseudoEHBlockLabel:               "-eh-block",
	PseudoEntryBlock:                 "-entry",
	PseudoExitBlock:                  "-exit",
	PseudoBytecodeBoundary:           "-boundary",
	PseudoExtended:                   "-extended",
	PseudoAlign4:                     "-align4",
	PseudoBarrier:                    "-barrier",
	OpNop:                            "nop",
	OpMovRR:                          "mov",
	OpMovRI:                          "movi",
	OpAluRRR:                         "alu",
	OpAluRRI:                         "alui",
	OpUnary:                          "unary",
	OpCmpRR:                          "cmp",
	OpCmpRI:                          "cmpi",
	OpTstRR:                          "tst",
	OpLoad:                           "ldr",
	OpStore:                          "str",
	OpLoadIndexed:                    "ldrx",
	OpStoreIndexed:                   "strx",
	OpLoadPair:                       "ldrd",
	OpStorePair:                      "strd",
	OpFpRRR:                          "fop",
	OpFpUnary:                        "funary",
	OpFpConvert:                      "fcvt",
	OpFpMovToCore:                    "fmov.c",
	OpFpMovFromCore:                  "fmov.f",
	OpBranch:                         "b",
	OpCondBranch:                     "bcc",
	OpCallReg:                        "blx",
	OpCallTemplate:                   "bl.template",
	OpLoadHelper:                     "ldr.helper",
	OpLoadAddr:                       "adr",
	OpDataWord:                       ".word",
	OpUndefined:                      "udf",
}

func (op Op) String() string {
	if op < NumOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// IsPseudo reports whether op emits no instruction bytes of its own.
func (op Op) IsPseudo() bool { return op < OpNop }

// IsBranch reports whether op carries a branch Target.
func (op Op) IsBranch() bool { return op == OpBranch || op == OpCondBranch }

// HasTarget reports whether op refers to another node through Target.
func (op Op) HasTarget() bool { return op.IsBranch() || op == OpLoadAddr }

// AluOp selects the operation of OpAluRRR, OpAluRRI, OpUnary and the FP ops.
type AluOp uint8

const (
	AluNone AluOp = iota
	AluAdd
	AluAdc
	AluSub
	AluSbc
	AluRsub
	AluMul
	AluAnd
	AluOr
	AluXor
	AluLsl
	AluLsr
	AluAsr
	AluRor
	AluNeg
	AluMvn
	AluSext8
	AluSext16
	AluZext16
	AluFAdd
	AluFSub
	AluFMul
	AluFDiv
	AluFNeg
)

var aluNames = [...]string{"", "add", "adc", "sub", "sbc", "rsub", "mul", "and", "orr", "eor", "lsl", "lsr", "asr", "ror", "neg", "mvn", "sxtb", "sxth", "uxth", "fadd", "fsub", "fmul", "fdiv", "fneg"}

func (a AluOp) String() string {
	if int(a) < len(aluNames) {
		return aluNames[a]
	}
	return fmt.Sprintf("alu(%d)", uint8(a))
}

// Cond is a branch condition code.
type Cond uint8

const (
	CondAL Cond = iota
	CondEQ
	CondNE
	CondLT
	CondGE
	CondGT
	CondLE
	CondCS // unsigned >=
	CondCC // unsigned <
	CondHI // unsigned >
	CondLS // unsigned <=
	CondMI
	CondPL
)

var condNames = [...]string{"al", "eq", "ne", "lt", "ge", "gt", "le", "cs", "cc", "hi", "ls", "mi", "pl"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Invert returns the condition that is true when c is false.
func (c Cond) Invert() Cond {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondGE:
		return CondLT
	case CondGT:
		return CondLE
	case CondLE:
		return CondGT
	case CondCS:
		return CondCC
	case CondCC:
		return CondCS
	case CondHI:
		return CondLS
	case CondLS:
		return CondHI
	case CondMI:
		return CondPL
	case CondPL:
		return CondMI
	}
	return c
}

// Size is the access width of loads and stores, or the precision of FP ops.
type Size uint8

const (
	SizeWord Size = iota
	SizeByte
	SizeSignedByte
	SizeHalf
	SizeSignedHalf
	SizeSingle
	SizeDouble
)

var sizeNames = [...]string{"w", "ub", "sb", "uh", "sh", "s", "d"}

func (s Size) String() string {
	if int(s) < len(sizeNames) {
		return sizeNames[s]
	}
	return "?"
}

// Conversion kinds for OpFpConvert, held in Operands[2].
const (
	CvtI2F int64 = iota
	CvtF2I
	CvtI2D
	CvtD2I
	CvtF2D
	CvtD2F
)

// Flags on a node.
type Flags uint8

const (
	IsNop Flags = 1 << iota
	Barrier
	NeedsVerify
)

// NoTarget marks a node without a branch target.
const NoTarget = -1

// LIR is one lowered operation.
type LIR struct {
	Op   Op
	Alu  AluOp
	Cond Cond
	Size Size
	// Operands hold registers, immediates, displacements and symbolic ids,
	// depending on Op.
	Operands [4]int64
	Target   int
	Flags    Flags
	// DalvikOffset is the bytecode offset this node was generated for.
	DalvikOffset uint32
	Comment      string

	// Offset is the byte offset inside the fragment, set during assembly.
	Offset int

	index int
	prev  int
	next  int
}

// Index returns the node's arena index.
func (l *LIR) Index() int { return l.index }

// Next returns the index of the following node or -1.
func (l *LIR) Next() int { return l.next }

// Prev returns the index of the preceding node or -1.
func (l *LIR) Prev() int { return l.prev }

// Reg returns operand i as a register.
func (l *LIR) Reg(i int) Reg { return Reg(l.Operands[i]) }

func (l *LIR) String() string {
	var sb strings.Builder
	sb.WriteString(l.Op.String())
	switch l.Op {
	case OpAluRRR, OpAluRRI, OpUnary, OpFpRRR, OpFpUnary:
		sb.WriteByte('.')
		sb.WriteString(l.Alu.String())
	case OpCondBranch:
		sb.WriteByte('.')
		sb.WriteString(l.Cond.String())
	case OpLoad, OpStore, OpLoadIndexed, OpStoreIndexed, OpFpConvert:
		sb.WriteByte('.')
		sb.WriteString(l.Size.String())
	}
	switch l.Op {
	case OpMovRR, OpUnary, OpCmpRR, OpTstRR, OpFpUnary, OpFpMovToCore, OpFpMovFromCore:
		fmt.Fprintf(&sb, " %s, %s", l.Reg(0), l.Reg(1))
	case OpMovRI, OpCmpRI:
		fmt.Fprintf(&sb, " %s, #%d", l.Reg(0), l.Operands[1])
	case OpAluRRR, OpFpRRR:
		fmt.Fprintf(&sb, " %s, %s, %s", l.Reg(0), l.Reg(1), l.Reg(2))
	case OpAluRRI:
		fmt.Fprintf(&sb, " %s, %s, #%d", l.Reg(0), l.Reg(1), l.Operands[2])
	case OpLoad, OpStore:
		fmt.Fprintf(&sb, " %s, [%s, #%d]", l.Reg(0), l.Reg(1), l.Operands[2])
	case OpLoadIndexed, OpStoreIndexed:
		fmt.Fprintf(&sb, " %s, [%s, %s, lsl #%d]", l.Reg(0), l.Reg(1), l.Reg(2), l.Operands[3])
	case OpLoadPair, OpStorePair:
		fmt.Fprintf(&sb, " %s, %s, [%s, #%d]", l.Reg(0), l.Reg(1), l.Reg(2), l.Operands[3])
	case OpFpConvert:
		fmt.Fprintf(&sb, " %s, %s, kind=%d", l.Reg(0), l.Reg(1), l.Operands[2])
	case OpCallReg:
		fmt.Fprintf(&sb, " %s", l.Reg(0))
	case OpCallTemplate:
		fmt.Fprintf(&sb, " #%d", l.Operands[0])
	case OpLoadHelper:
		fmt.Fprintf(&sb, " %s, helper#%d", l.Reg(0), l.Operands[1])
	case OpLoadAddr:
		fmt.Fprintf(&sb, " %s", l.Reg(0))
	case OpDataWord:
		fmt.Fprintf(&sb, " %#x", uint32(l.Operands[0]))
	case PseudoChainingCell, PseudoPCReconstructionCell, PseudoBytecodeBoundary, PseudoNormalBlockLabel:
		fmt.Fprintf(&sb, " %d, %#x", l.Operands[0], l.Operands[1])
	}
	if l.Target != NoTarget {
		fmt.Fprintf(&sb, " -> @%d", l.Target)
	}
	return sb.String()
}
