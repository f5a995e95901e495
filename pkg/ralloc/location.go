// Package ralloc binds virtual machine registers to physical temps for the
// duration of one basic block and keeps the home frame consistent with them.
package ralloc

import (
	"fmt"

	"github.com/ascrivener/tracejit/pkg/lir"
)

// Location says where a value currently lives.
type Location uint8

const (
	// LocDalvikFrame is the value's home slot in the interpreter frame.
	LocDalvikFrame Location = iota
	// LocPhysReg is one physical register, or a pair for wide values.
	LocPhysReg
	// LocRetval is the thread's return-value slot.
	LocRetval
)

func (l Location) String() string {
	switch l {
	case LocDalvikFrame:
		return "frame"
	case LocPhysReg:
		return "reg"
	case LocRetval:
		return "retval"
	}
	return fmt.Sprintf("loc(%d)", uint8(l))
}

// InvalidSReg is the SSA name of values with no virtual register, such as
// helper results.
const InvalidSReg = -1

// RegLocation describes where one use or def of a virtual register lives.
// Values are produced fresh per operand and never stored.
type RegLocation struct {
	Location Location
	Wide     bool
	FP       bool
	LowReg   lir.Reg
	HighReg  lir.Reg
	// SReg is the SSA name. Names equal virtual register numbers, so the
	// high half of a wide value is SReg+1.
	SReg int
}

// VReg returns the frame location of a narrow virtual register.
func VReg(v int) RegLocation {
	return RegLocation{Location: LocDalvikFrame, LowReg: lir.NoReg, HighReg: lir.NoReg, SReg: v}
}

// VRegWide returns the frame location of the pair {v, v+1}.
func VRegWide(v int) RegLocation {
	l := VReg(v)
	l.Wide = true
	return l
}

// WithFP marks a location as holding a floating point value.
func (l RegLocation) WithFP() RegLocation {
	l.FP = true
	return l
}

// Retval is the interpreter-visible return slot, narrow or wide.
func Retval(wide bool) RegLocation {
	return RegLocation{Location: LocRetval, Wide: wide, LowReg: lir.NoReg, HighReg: lir.NoReg, SReg: InvalidSReg}
}

// HighSReg is the SSA name of the high half of a wide value.
func (l RegLocation) HighSReg() int {
	if l.SReg == InvalidSReg {
		return InvalidSReg
	}
	return l.SReg + 1
}

// HomeOffset is the byte offset of the value's home slot from the frame
// pointer.
func (l RegLocation) HomeOffset() int32 { return int32(l.SReg) << 2 }

func (l RegLocation) String() string {
	switch {
	case l.Location == LocPhysReg && l.Wide:
		return fmt.Sprintf("v%d/%s:%s", l.SReg, l.LowReg, l.HighReg)
	case l.Location == LocPhysReg:
		return fmt.Sprintf("v%d/%s", l.SReg, l.LowReg)
	case l.Location == LocRetval:
		return "retval"
	}
	if l.Wide {
		return fmt.Sprintf("v%d:v%d", l.SReg, l.SReg+1)
	}
	return fmt.Sprintf("v%d", l.SReg)
}

// RegClass restricts the kind of register a value is evaluated into.
type RegClass uint8

const (
	AnyReg RegClass = iota
	CoreReg
	FPRegClass
)

func (c RegClass) matches(r lir.Reg) bool {
	switch c {
	case CoreReg:
		return !r.IsFP()
	case FPRegClass:
		return r.IsFP()
	}
	return true
}
