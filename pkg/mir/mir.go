// Package mir holds the mid-level instruction records and the basic-block
// graph of one trace. Blocks and MIRs live in per-graph arenas and refer to
// each other by index.
package mir

import (
	"fmt"
	"strings"

	"github.com/ascrivener/tracejit/pkg/bytecode"
)

// ID indexes a MIR in its graph's arena. NoMIR terminates a block's list.
type ID int32

const NoMIR ID = -1

// Flags are optimization bits set by trace construction and earlier passes.
type Flags uint16

const (
	IgnoreNullCheck Flags = 1 << iota
	NullCheckOnly
	IgnoreRangeCheck
	RangeCheckOnly
	// Inlined marks an invoke (and its move-result) replaced by the callee body.
	Inlined
	// InlinedPred marks the slow-path invoke and move-result of a predicted inline.
	InlinedPred
	// Callee marks an instruction copied from an inlined callee.
	Callee
	// SingleStep requests the single-step escape for this instruction.
	SingleStep
)

func (f Flags) String() string {
	names := []string{"ignore-null", "null-only", "ignore-range", "range-only", "inlined", "inlined-pred", "callee", "single-step"}
	var parts []string
	for i, n := range names {
		if f&(1<<uint(i)) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "|")
}

// MIR is one decoded instruction plus compiler metadata. Exactly one of Insn
// and Ext is meaningful: Ext is non-nil for extended pseudo-ops.
type MIR struct {
	ID     ID
	Insn   bytecode.Instruction
	Ext    ExtendedOp
	Offset uint32
	Width  uint16
	Flags  Flags

	// Uses and Defs list the virtual registers read and written, wide values
	// as two consecutive entries (low, high).
	Uses   []int
	Defs   []int
	FPUses []bool
	FPDefs []bool

	// Resolved is the runtime value behind Insn.Index: a field byte offset,
	// a static field address, or a method, class or string handle. Zero if
	// the reference did not resolve.
	Resolved uint32

	Callsite *CallsiteInfo
	// Callee is the method an inlined instruction was copied from.
	Callee bytecode.MethodRef

	Block BlockID
	Prev  ID
	Next  ID
}

// IsExtended reports whether m is a meta-op rather than a bytecode.
func (m *MIR) IsExtended() bool { return m.Ext != nil }

// Opcode returns the bytecode opcode. It must not be called on extended ops.
func (m *MIR) Opcode() bytecode.Opcode { return m.Insn.Opcode }

func (m *MIR) String() string {
	if m.Ext != nil {
		return fmt.Sprintf("%#04x: %s", m.Offset, m.Ext.Name())
	}
	return fmt.Sprintf("%#04x: %s", m.Offset, m.Insn)
}

// CallsiteInfo annotates a virtual or interface invoke.
type CallsiteInfo struct {
	// Method is the statically resolved target, or zero.
	Method bytecode.MethodRef
	// PredictedClass is the receiver class seen when the trace was recorded.
	PredictedClass bytecode.ClassRef
	// MisPredBranchOver is the LIR index of the guard's mismatch branch, set
	// during lowering and retargeted to the landing pad. -1 until emitted.
	MisPredBranchOver int32
}

// NewCallsite returns a CallsiteInfo with no guard branch yet.
func NewCallsite(method bytecode.MethodRef, class bytecode.ClassRef) *CallsiteInfo {
	return &CallsiteInfo{Method: method, PredictedClass: class, MisPredBranchOver: -1}
}

// ExtendedOp is the payload of a meta-op. The set is closed: lowering switches
// over the concrete types exhaustively.
type ExtendedOp interface {
	Name() string
	extended()
}

// Phi merges values of one virtual register at a loop head. Lowering emits
// nothing for it.
type Phi struct {
	VReg   int
	Inputs []int
}

// NullRangeUpCheck hoists the null and upper-bound checks of a count-up loop:
// Array must be non-null and End+MaxC (minus one for an if-ge exit) must stay
// below its length.
type NullRangeUpCheck struct {
	Array    int
	Index    int
	End      int
	MaxC     int32
	MinC     int32
	ExitCond bytecode.Opcode
}

// NullRangeDownCheck hoists the checks of a count-down loop using the initial
// index value.
type NullRangeDownCheck struct {
	Array int
	Index int
	MaxC  int32
	MinC  int32
}

// LowerBoundCheck requires Index+MinC >= 0.
type LowerBoundCheck struct {
	Index int
	MinC  int32
}

// Punt unconditionally leaves the loop through the loop entry reconstruction.
type Punt struct{}

// CheckInlinePrediction guards a predicted inline: This must have the
// predicted class of Callsite.
type CheckInlinePrediction struct {
	This     int
	Callsite *CallsiteInfo
}

func (Phi) Name() string                   { return "phi" }
func (NullRangeUpCheck) Name() string      { return "null-range-up-check" }
func (NullRangeDownCheck) Name() string    { return "null-range-down-check" }
func (LowerBoundCheck) Name() string       { return "lower-bound-check" }
func (Punt) Name() string                  { return "punt" }
func (CheckInlinePrediction) Name() string { return "check-inline-prediction" }

func (Phi) extended()                   {}
func (NullRangeUpCheck) extended()      {}
func (NullRangeDownCheck) extended()    {}
func (LowerBoundCheck) extended()       {}
func (Punt) extended()                  {}
func (CheckInlinePrediction) extended() {}
