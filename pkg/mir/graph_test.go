package mir

import (
	"testing"

	"github.com/ascrivener/tracejit/pkg/bytecode"
)

func newTestGraph() (*Graph, *BasicBlock, *BasicBlock, *BasicBlock) {
	g := NewGraph(1)
	entry := g.NewBlock(EntryBlock, 0)
	body := g.NewBlock(BytecodeBlock, 0)
	cell := g.NewBlock(ChainingCellNormal, 6)
	g.Link(entry, body, false)
	g.Link(body, cell, false)
	return g, entry, body, cell
}

func TestMIRListOrder(t *testing.T) {
	g, _, body, _ := newTestGraph()
	a := g.AppendMIR(body, &MIR{Insn: bytecode.Instruction{Opcode: bytecode.OpConst}})
	c := g.AppendMIR(body, &MIR{Insn: bytecode.Instruction{Opcode: bytecode.OpReturn}})
	b := g.InsertMIRAfter(body, a.ID, &MIR{Insn: bytecode.Instruction{Opcode: bytecode.OpAddInt}})
	first := g.PrependMIR(body, &MIR{Ext: Phi{VReg: 0}})

	got := g.BlockMIRs(body)
	want := []ID{first.ID, a.ID, b.ID, c.ID}
	if len(got) != len(want) {
		t.Fatalf("got %d mirs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("mir[%d] = %d, want %d", i, got[i].ID, want[i])
		}
	}
	if body.LastMIR != c.ID || body.FirstMIR != first.ID {
		t.Errorf("first/last = %d/%d", body.FirstMIR, body.LastMIR)
	}
	if g.CountInsns() != 3 {
		t.Errorf("CountInsns = %d, want 3 (meta-ops excluded)", g.CountInsns())
	}
}

func TestValidateReachability(t *testing.T) {
	g, _, _, _ := newTestGraph()
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// An orphan pair: island -> stray, neither reachable from entry.
	island := g.NewBlock(BytecodeBlock, 20)
	stray := g.NewBlock(BytecodeBlock, 30)
	g.Link(island, stray, false)
	if err := g.Validate(); err == nil {
		t.Errorf("expected unreachable block error")
	}
}

func TestValidatePredecessorConsistency(t *testing.T) {
	g, _, body, cell := newTestGraph()
	cell.Predecessors.Clear(int(body.ID))
	if err := g.Validate(); err == nil {
		t.Errorf("expected predecessor mismatch error")
	}
}

func TestReversePostOrder(t *testing.T) {
	g, entry, body, cell := newTestGraph()
	hot := g.NewBlock(ChainingCellHot, 2)
	g.Link(body, hot, true)
	order := g.ReversePostOrder(entry.ID)
	if order[0] != entry.ID || order[1] != body.ID {
		t.Fatalf("order = %v", order)
	}
	if len(order) != 4 {
		t.Errorf("order = %v, want 4 blocks", order)
	}
	_ = cell
}

func TestBlockKinds(t *testing.T) {
	for k := BlockKind(0); int(k) < NumChainingCellKinds; k++ {
		if !k.IsChainingCell() {
			t.Errorf("%s should be a chaining cell", k)
		}
	}
	if EntryBlock.IsChainingCell() || PCReconstruction.IsChainingCell() {
		t.Errorf("non-cell kinds reported as cells")
	}
}
