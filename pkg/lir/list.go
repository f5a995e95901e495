package lir

import "fmt"

// List is the doubly linked emission-order chain of one compilation unit.
// Nodes never move in the arena; insertion only relinks indices.
type List struct {
	nodes []*LIR
	first int
	last  int
	// sealed is the arena length at the last Seal; nodes below it are final.
	sealed int
}

func NewList() *List {
	return &List{first: -1, last: -1}
}

// Len returns the number of nodes, including nullified ones.
func (ls *List) Len() int { return len(ls.nodes) }

// First returns the index of the first node or -1.
func (ls *List) First() int { return ls.first }

// Last returns the index of the last node or -1.
func (ls *List) Last() int { return ls.last }

// Node returns the node at arena index i.
func (ls *List) Node(i int) *LIR { return ls.nodes[i] }

func (ls *List) add(l LIR) *LIR {
	n := new(LIR)
	*n = l
	n.index = len(ls.nodes)
	if !l.Op.HasTarget() {
		n.Target = NoTarget
	}
	ls.nodes = append(ls.nodes, n)
	return n
}

// Append adds l at the end of the chain and returns its index.
func (ls *List) Append(l LIR) int {
	n := ls.add(l)
	n.prev = ls.last
	n.next = -1
	if ls.last == -1 {
		ls.first = n.index
	} else {
		ls.nodes[ls.last].next = n.index
	}
	ls.last = n.index
	return n.index
}

// InsertBefore links l immediately before node at. Inserting into a sealed
// region panics.
func (ls *List) InsertBefore(at int, l LIR) int {
	ls.checkUnsealed(at)
	n := ls.add(l)
	cur := ls.nodes[at]
	n.next = at
	n.prev = cur.prev
	if cur.prev == -1 {
		ls.first = n.index
	} else {
		ls.nodes[cur.prev].next = n.index
	}
	cur.prev = n.index
	return n.index
}

// InsertAfter links l immediately after node at.
func (ls *List) InsertAfter(at int, l LIR) int {
	ls.checkUnsealed(at)
	n := ls.add(l)
	cur := ls.nodes[at]
	n.prev = at
	n.next = cur.next
	if cur.next == -1 {
		ls.last = n.index
	} else {
		ls.nodes[cur.next].prev = n.index
	}
	cur.next = n.index
	return n.index
}

func (ls *List) checkUnsealed(at int) {
	if at < ls.sealed {
		panic(fmt.Sprintf("lir: insertion at sealed node %d (sealed below %d)", at, ls.sealed))
	}
}

// Seal finalizes every node emitted so far.
func (ls *List) Seal() { ls.sealed = len(ls.nodes) }

// Nullify turns node i into a no-op that assembles to nothing.
func (ls *List) Nullify(i int) { ls.nodes[i].Flags |= IsNop }

// NullifyRange nullifies every node from start to end inclusive, following
// the chain.
func (ls *List) NullifyRange(start, end int) {
	for i := start; i != -1; i = ls.nodes[i].next {
		ls.Nullify(i)
		if i == end {
			return
		}
	}
}

// Walk calls fn for every node in chain order.
func (ls *List) Walk(fn func(l *LIR)) {
	for i := ls.first; i != -1; i = ls.nodes[i].next {
		fn(ls.nodes[i])
	}
}

// Ops returns the textual op sequence in chain order, skipping nullified
// nodes. Two compiles of the same trace produce identical sequences.
func (ls *List) Ops() []string {
	var out []string
	ls.Walk(func(l *LIR) {
		if l.Flags&IsNop == 0 {
			out = append(out, l.String())
		}
	})
	return out
}

// Count returns the number of live nodes with the given op.
func (ls *List) Count(op Op) int {
	n := 0
	ls.Walk(func(l *LIR) {
		if l.Op == op && l.Flags&IsNop == 0 {
			n++
		}
	})
	return n
}
