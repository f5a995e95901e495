package mir

import (
	"fmt"

	"github.com/ascrivener/tracejit/pkg/bitvec"
	"github.com/ascrivener/tracejit/pkg/bytecode"
)

// BlockID indexes a block in its graph. NoBlock marks a missing edge.
type BlockID int32

const NoBlock BlockID = -1

// BlockKind is the role of a block. The chaining-cell kinds come first, in
// the order their cells are emitted at the end of a fragment.
type BlockKind uint8

const (
	ChainingCellNormal BlockKind = iota
	ChainingCellHot
	ChainingCellInvokeSingleton
	ChainingCellInvokePredicted
	ChainingCellBackwardBranch
	EntryBlock
	BytecodeBlock
	ExitBlock
	PCReconstruction
	ExceptionHandling
)

// NumChainingCellKinds is the number of chaining-cell block kinds.
const NumChainingCellKinds = int(ChainingCellBackwardBranch) + 1

var blockKindNames = [...]string{
	ChainingCellNormal:          "chain-normal",
	ChainingCellHot:             "chain-hot",
	ChainingCellInvokeSingleton: "chain-invoke-singleton",
	ChainingCellInvokePredicted: "chain-invoke-predicted",
	ChainingCellBackwardBranch:  "chain-backward-branch",
	EntryBlock:                  "entry",
	BytecodeBlock:               "bytecode",
	ExitBlock:                   "exit",
	PCReconstruction:            "pc-reconstruction",
	ExceptionHandling:           "exception-handling",
}

func (k BlockKind) String() string {
	if int(k) < len(blockKindNames) {
		return blockKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsChainingCell reports whether k is one of the five chaining-cell kinds.
func (k BlockKind) IsChainingCell() bool {
	return k <= ChainingCellBackwardBranch
}

type BasicBlock struct {
	ID          BlockID
	Kind        BlockKind
	StartOffset uint32
	// Method owns the bytecode at StartOffset. For invoke cells it is the
	// callee, when known.
	Method bytecode.MethodRef
	// PredictedClass seeds the class slot of an invoke-predicted cell.
	PredictedClass bytecode.ClassRef

	FirstMIR ID
	LastMIR  ID

	Taken       BlockID
	FallThrough BlockID
	// Successors are the chained case targets of a switch, in case order.
	Successors   []BlockID
	Predecessors *bitvec.BitVector

	Visited bool
	// Hidden blocks were merged into a predecessor's superblock.
	Hidden                  bool
	NeedFallThroughBranch   bool
	IsFallThroughFromInvoke bool
}

// Empty reports whether b has no MIRs.
func (b *BasicBlock) Empty() bool { return b.FirstMIR == NoMIR }

func (b *BasicBlock) String() string {
	return fmt.Sprintf("block%d(%s@%#x)", b.ID, b.Kind, b.StartOffset)
}
