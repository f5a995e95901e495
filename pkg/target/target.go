// Package target describes a code generation target: its register set,
// calling convention, immediate limits, runtime entry points and encoder.
// Lowering is target-neutral and consults a *Target for all of these.
package target

import (
	"fmt"

	"github.com/ascrivener/tracejit/pkg/lir"
)

type Reg = lir.Reg

// HelperID names a runtime callout whose address is loaded into a register
// and called.
type HelperID int64

const (
	HelperIdiv HelperID = iota
	HelperIdivmod
	HelperLdivmod
	HelperFmodf
	HelperFmod
	HelperF2l
	HelperD2l
	HelperL2f
	HelperL2d
	HelperFadd
	HelperFsub
	HelperFmul
	HelperFdiv
	HelperDadd
	HelperDsub
	HelperDmul
	HelperDdiv
	HelperI2f
	HelperF2i
	HelperI2d
	HelperD2i
	HelperF2d
	HelperD2f
	HelperCanPutArrayElement
	HelperInstanceofNonTrivial
	HelperAllocObject
	HelperAllocArrayByClass
	HelperResolveString
	HelperUnlockObject
	HelperPatchPredictedChain
	HelperFindInterfaceMethodInCache

	NumHelpers
)

var helperNames = [NumHelpers]string{
	"idiv", "idivmod", "ldivmod", "fmodf", "fmod", "f2l", "d2l", "l2f", "l2d",
	"fadd", "fsub", "fmul", "fdiv", "dadd", "dsub", "dmul", "ddiv",
	"i2f", "f2i", "i2d", "d2i", "f2d", "d2f",
	"canPutArrayElement", "instanceofNonTrivial", "allocObject", "allocArrayByClass",
	"resolveString", "unlockObject", "patchPredictedChain", "findInterfaceMethodInCache",
}

func (h HelperID) String() string {
	if h >= 0 && h < NumHelpers {
		return helperNames[h]
	}
	return fmt.Sprintf("helper(%d)", int64(h))
}

// TemplateID names a shared out-of-line handler entered with a fixed
// register convention.
type TemplateID int64

const (
	TemplateCmpLong TemplateID = iota
	TemplateCmplFloat
	TemplateCmpgFloat
	TemplateCmplDouble
	TemplateCmpgDouble
	TemplateMulLong
	TemplateShlLong
	TemplateShrLong
	TemplateUshrLong
	TemplateReturn
	TemplateInvokeMethodChain
	TemplateInvokeMethodNoOpt
	TemplateInvokeMethodPredictedChain
	TemplateInvokeMethodNative
	TemplateThrowExceptionCommon
	TemplateMonitorEnter
	TemplateMemOpDecode

	NumTemplates
)

var templateNames = [NumTemplates]string{
	"CMP_LONG", "CMPL_FLOAT", "CMPG_FLOAT", "CMPL_DOUBLE", "CMPG_DOUBLE",
	"MUL_LONG", "SHL_LONG", "SHR_LONG", "USHR_LONG", "RETURN",
	"INVOKE_METHOD_CHAIN", "INVOKE_METHOD_NO_OPT", "INVOKE_METHOD_PREDICTED_CHAIN",
	"INVOKE_METHOD_NATIVE", "THROW_EXCEPTION_COMMON", "MONITOR_ENTER", "MEM_OP_DECODE",
}

func (t TemplateID) String() string {
	if t >= 0 && t < NumTemplates {
		return templateNames[t]
	}
	return fmt.Sprintf("template(%d)", int64(t))
}

// Layout holds the byte offsets of runtime structures generated code touches.
type Layout struct {
	// Thread-local interpreter entry points and slots, relative to rSELF.
	SelfInterpNormal   int32
	SelfTraceSelect    int32
	SelfBackwardBranch int32
	SelfPunt           int32
	SelfSingleStep     int32
	SelfNoChain        int32
	SelfRetval         int32
	SelfBreakFlags     int32
	SelfCardTable      int32
	// SelfScratch is three words the interface-invoke sequence saves its
	// argument registers in across the method lookup call.
	SelfScratch int32

	ObjectClass   int32
	ArrayLength   int32
	ArrayContents int32
	ClassVtable   int32
	CardShift     int64

	// StackSaveAreaSize is the frame header below a callee's registers;
	// SaveAreaCurrentPC is where in it the exported bytecode PC lives.
	StackSaveAreaSize int32
	SaveAreaCurrentPC int32
}

// DefaultLayout returns the layout used by the reference runtime.
func DefaultLayout() Layout {
	return Layout{
		SelfInterpNormal:   0x00,
		SelfTraceSelect:    0x04,
		SelfBackwardBranch: 0x08,
		SelfPunt:           0x0c,
		SelfSingleStep:     0x10,
		SelfNoChain:        0x14,
		SelfRetval:         0x18,
		SelfBreakFlags:     0x20,
		SelfCardTable:      0x24,
		SelfScratch:        0x28,
		ObjectClass:        0,
		ArrayLength:        8,
		ArrayContents:      16,
		ClassVtable:        0x74,
		CardShift:          7,
		StackSaveAreaSize:  20,
		SaveAreaCurrentPC:  12,
	}
}

// Target is the strategy object threaded through lowering.
type Target struct {
	Name string

	CoreTemps []Reg
	FPTemps   []Reg
	ArgRegs   []Reg
	// CallerSave is clobbered by any call.
	CallerSave []Reg

	Ret0, Ret1 Reg
	// RetAlt is the int remainder result; RetAltWide the long remainder pair.
	RetAlt     Reg
	RetAltWide [2]Reg

	// Reserved registers: Dalvik frame pointer, thread, and bytecode PC.
	FP, Self, PC Reg
	// Preserved is a callee-saved temp the call sequences use for the
	// argument frame pointer and vtable pointer.
	Preserved Reg

	HasFPU bool

	// FPToIntInline is set when the FPU's float-to-int conversion already
	// saturates and maps NaN to zero.
	FPToIntInline bool

	// MaxAluImm bounds immediates of add/sub/logical register-immediate forms;
	// MaxCmpImm bounds compare immediates. Zero means unbounded 32-bit.
	MaxAluImm int64
	MaxCmpImm int64

	Layout  Layout
	Encoder lir.Encoder
}

// AluImmFits reports whether imm can be encoded directly in op's immediate
// form on this target.
func (t *Target) AluImmFits(op lir.AluOp, imm int64) bool {
	switch op {
	case lir.AluLsl, lir.AluLsr, lir.AluAsr, lir.AluRor:
		return imm >= 0 && imm < 32
	case lir.AluMul:
		return t.MaxAluImm == 0 && imm >= -(1<<31) && imm < (1<<31)
	}
	if imm < -(1<<31) || imm > (1<<32)-1 {
		return false
	}
	if t.MaxAluImm == 0 {
		return true
	}
	if imm < 0 {
		imm = -imm
	}
	return imm <= t.MaxAluImm
}

// CmpImmFits reports whether a compare against imm encodes directly.
func (t *Target) CmpImmFits(imm int64) bool {
	if t.MaxCmpImm == 0 {
		return imm >= -(1<<31) && imm < (1<<31)
	}
	return imm >= 0 && imm <= t.MaxCmpImm
}

// IsCallerSave reports whether r is clobbered by calls.
func (t *Target) IsCallerSave(r Reg) bool {
	for _, c := range t.CallerSave {
		if c == r {
			return true
		}
	}
	return r.IsFP()
}

// ArgReg returns the i-th argument register.
func (t *Target) ArgReg(i int) Reg {
	if i < 0 || i >= len(t.ArgRegs) {
		panic(fmt.Sprintf("target %s: no argument register %d", t.Name, i))
	}
	return t.ArgRegs[i]
}

// ByName returns a target by name.
func ByName(name string) (*Target, error) {
	switch name {
	case "", "risc32":
		return RISC32(), nil
	case "risc32-softfp":
		return RISC32SoftFP(), nil
	case "amd64":
		return AMD64(), nil
	}
	return nil, fmt.Errorf("unknown target %q", name)
}

// FPReg returns the FP register numbered n.
func FPReg(n int) Reg { return lir.FPFlag | Reg(n) }
