package mir

import (
	"fmt"

	"github.com/ascrivener/tracejit/pkg/bitvec"
	"github.com/ascrivener/tracejit/pkg/bytecode"
)

// Graph owns every block and MIR of one trace.
type Graph struct {
	Method bytecode.MethodRef
	Blocks []*BasicBlock
	MIRs   []*MIR
}

func NewGraph(method bytecode.MethodRef) *Graph {
	return &Graph{Method: method}
}

// NewBlock appends an empty block.
func (g *Graph) NewBlock(kind BlockKind, start uint32) *BasicBlock {
	b := &BasicBlock{
		ID:           BlockID(len(g.Blocks)),
		Kind:         kind,
		StartOffset:  start,
		Method:       g.Method,
		FirstMIR:     NoMIR,
		LastMIR:      NoMIR,
		Taken:        NoBlock,
		FallThrough:  NoBlock,
		Predecessors: bitvec.New(0, true),
	}
	g.Blocks = append(g.Blocks, b)
	return b
}

// Block returns the block with the given id, or nil.
func (g *Graph) Block(id BlockID) *BasicBlock {
	if id < 0 || int(id) >= len(g.Blocks) {
		return nil
	}
	return g.Blocks[id]
}

// MIR returns the MIR with the given id, or nil.
func (g *Graph) MIR(id ID) *MIR {
	if id < 0 || int(id) >= len(g.MIRs) {
		return nil
	}
	return g.MIRs[id]
}

func (g *Graph) register(b *BasicBlock, m *MIR) *MIR {
	m.ID = ID(len(g.MIRs))
	m.Block = b.ID
	g.MIRs = append(g.MIRs, m)
	return m
}

// AppendMIR places m at the end of b.
func (g *Graph) AppendMIR(b *BasicBlock, m *MIR) *MIR {
	g.register(b, m)
	m.Prev = b.LastMIR
	m.Next = NoMIR
	if b.LastMIR == NoMIR {
		b.FirstMIR = m.ID
	} else {
		g.MIRs[b.LastMIR].Next = m.ID
	}
	b.LastMIR = m.ID
	return m
}

// PrependMIR places m at the start of b.
func (g *Graph) PrependMIR(b *BasicBlock, m *MIR) *MIR {
	if b.FirstMIR == NoMIR {
		return g.AppendMIR(b, m)
	}
	g.register(b, m)
	m.Prev = NoMIR
	m.Next = b.FirstMIR
	g.MIRs[b.FirstMIR].Prev = m.ID
	b.FirstMIR = m.ID
	return m
}

// InsertMIRAfter places m right after the MIR with id after, which must
// belong to b.
func (g *Graph) InsertMIRAfter(b *BasicBlock, after ID, m *MIR) *MIR {
	prev := g.MIRs[after]
	if prev.Block != b.ID {
		panic(fmt.Sprintf("mir: %d is not in %s", after, b))
	}
	g.register(b, m)
	m.Prev = after
	m.Next = prev.Next
	if prev.Next == NoMIR {
		b.LastMIR = m.ID
	} else {
		g.MIRs[prev.Next].Prev = m.ID
	}
	prev.Next = m.ID
	return m
}

// BlockMIRs returns the MIRs of b in list order.
func (g *Graph) BlockMIRs(b *BasicBlock) []*MIR {
	var out []*MIR
	for id := b.FirstMIR; id != NoMIR; id = g.MIRs[id].Next {
		out = append(out, g.MIRs[id])
	}
	return out
}

// Link adds the edge from -> to and records the predecessor.
func (g *Graph) Link(from *BasicBlock, to *BasicBlock, taken bool) {
	if taken {
		from.Taken = to.ID
	} else {
		from.FallThrough = to.ID
	}
	to.Predecessors.Set(int(from.ID))
}

// AddSuccessor records a switch case target edge.
func (g *Graph) AddSuccessor(from *BasicBlock, to *BasicBlock) {
	from.Successors = append(from.Successors, to.ID)
	to.Predecessors.Set(int(from.ID))
}

// ClearVisited resets the traversal flag on every block.
func (g *Graph) ClearVisited() {
	for _, b := range g.Blocks {
		b.Visited = false
	}
}

// Successors returns every outgoing edge of b: taken, fall-through, then
// switch cases.
func (g *Graph) Successors(b *BasicBlock) []BlockID {
	var out []BlockID
	if b.Taken != NoBlock {
		out = append(out, b.Taken)
	}
	if b.FallThrough != NoBlock {
		out = append(out, b.FallThrough)
	}
	return append(out, b.Successors...)
}

// ReversePostOrder returns the blocks reachable from entry, in reverse
// post-order.
func (g *Graph) ReversePostOrder(entry BlockID) []BlockID {
	seen := bitvec.New(len(g.Blocks), true)
	var post []BlockID
	var walk func(id BlockID)
	walk = func(id BlockID) {
		if seen.IsSet(int(id)) {
			return
		}
		seen.Set(int(id))
		for _, s := range g.Successors(g.Blocks[id]) {
			walk(s)
		}
		post = append(post, id)
	}
	walk(entry)
	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}
	return post
}

// CountInsns returns the number of bytecode MIRs, excluding meta-ops.
func (g *Graph) CountInsns() int {
	n := 0
	for _, m := range g.MIRs {
		if m.Ext == nil {
			n++
		}
	}
	return n
}

// Validate checks the graph invariants: edges and predecessor sets agree,
// and every non-entry, non-exit block with predecessors is reachable from
// the entry block.
func (g *Graph) Validate() error {
	if len(g.Blocks) == 0 || g.Blocks[0].Kind != EntryBlock {
		return fmt.Errorf("graph has no entry block")
	}
	for _, b := range g.Blocks {
		for _, s := range g.Successors(b) {
			to := g.Block(s)
			if to == nil {
				return fmt.Errorf("%s: edge to unknown block %d", b, s)
			}
			if !to.Predecessors.IsSet(int(b.ID)) {
				return fmt.Errorf("%s: edge to %s missing from predecessor set", b, to)
			}
		}
		for id := b.FirstMIR; id != NoMIR; id = g.MIRs[id].Next {
			if g.MIRs[id].Block != b.ID {
				return fmt.Errorf("%s: mir %d claims block %d", b, id, g.MIRs[id].Block)
			}
		}
	}
	reach := bitvec.New(len(g.Blocks), true)
	for _, id := range g.ReversePostOrder(0) {
		reach.Set(int(id))
	}
	for _, b := range g.Blocks {
		if b.Kind == EntryBlock || b.Kind == ExitBlock {
			continue
		}
		if b.Predecessors.Count() > 0 && !reach.IsSet(int(b.ID)) {
			return fmt.Errorf("%s has predecessors %s but is unreachable from entry", b, b.Predecessors)
		}
	}
	return nil
}
