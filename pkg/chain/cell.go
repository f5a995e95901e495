// Package chain owns the chaining cells of installed fragments: their
// layouts, the patch protocol that relinks them while other threads execute
// them, and the run-time model of predicted invoke dispatch.
package chain

import "fmt"

// Kind is a chaining cell kind. The order matches the emission order of
// cells inside a fragment.
type Kind uint8

const (
	KindNormal Kind = iota
	KindHot
	KindInvokeSingleton
	KindInvokePredicted
	KindBackwardBranch

	NumKinds
)

var kindNames = [NumKinds]string{"normal", "hot", "singleton", "predicted", "backward"}

func (k Kind) String() string {
	if k < NumKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Trampoline reports whether cells of this kind use the two-word chaining
// switch layout.
func (k Kind) Trampoline() bool { return k != KindInvokePredicted }

// Cell word values.
const (
	// ChainSwitchCold leaves a trampoline cell on its interpreter path.
	ChainSwitchCold uint32 = 0xe7fe0001
	// ChainSwitchLinked sends a trampoline cell to its target word.
	ChainSwitchLinked uint32 = 0xe7fe0002

	// PredictedUnresolved sends a predicted cell through the resolving
	// template.
	PredictedUnresolved uint32 = 0xe7fee7fe
	// PredictedLinked marks a predicted cell as holding a class/method pair.
	PredictedLinked uint32 = 0xeb00eb00
)

// Word indices inside a cell.
const (
	// Trampoline cells: [switch, target, data, trampoline code...].
	WordSwitch = 0
	WordTarget = 1
	WordData   = 2

	// Predicted cells: [branch, class, method, counter].
	WordBranch  = 0
	WordClass   = 1
	WordMethod  = 2
	WordCounter = 3

	CellWords = 4
)

// State is the link state of a cell.
type State uint8

const (
	Cold State = iota
	Linked
)

func (s State) String() string {
	if s == Linked {
		return "linked"
	}
	return "cold"
}

// Cell is a consistent copy of a cell's patchable words.
type Cell struct {
	Kind  Kind
	Addr  uintptr
	Words [CellWords]uint32
}

// State derives the link state from the switch or branch word.
func (c Cell) State() State {
	if c.Kind.Trampoline() {
		if c.Words[WordSwitch] == ChainSwitchLinked {
			return Linked
		}
		return Cold
	}
	if c.Words[WordBranch] == PredictedLinked {
		return Linked
	}
	return Cold
}

// Target is the linked code-cache offset of a trampoline cell.
func (c Cell) Target() uint32 { return c.Words[WordTarget] }

// Data is the bytecode offset (normal, hot, backward) or callee handle
// (singleton) a trampoline cell resumes at.
func (c Cell) Data() uint32 { return c.Words[WordData] }

// Class is the predicted receiver class of a predicted cell.
func (c Cell) Class() uint32 { return c.Words[WordClass] }

// Method is the resolved callee of a predicted cell.
func (c Cell) Method() uint32 { return c.Words[WordMethod] }

// Counter is the re-chain counter of a predicted cell.
func (c Cell) Counter() uint32 { return c.Words[WordCounter] }

func (c Cell) String() string {
	if c.Kind.Trampoline() {
		return fmt.Sprintf("%s@%#x %s target=%#x data=%#x", c.Kind, c.Addr, c.State(), c.Target(), c.Data())
	}
	return fmt.Sprintf("%s@%#x %s class=%#x method=%#x counter=%d", c.Kind, c.Addr, c.State(), c.Class(), c.Method(), c.Counter())
}

// InitialWords returns the words a freshly emitted cell carries.
func InitialWords(kind Kind, data uint32) [CellWords]uint32 {
	if kind.Trampoline() {
		return [CellWords]uint32{ChainSwitchCold, 0, data, 0}
	}
	return [CellWords]uint32{PredictedUnresolved, data, 0, 0}
}

// Ref locates a registered cell.
type Ref struct {
	Kind Kind
	Addr uintptr
	// Fragment is the start address of the owning fragment.
	Fragment uintptr
}

func (r Ref) String() string { return fmt.Sprintf("%s@%#x", r.Kind, r.Addr) }
