package chain

import (
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/errors"
)

// Memory is the word-addressable store cells live in. Loads and stores
// must be atomic per word.
type Memory interface {
	LoadWord(addr uintptr) uint32
	StoreWord(addr uintptr, v uint32)
}

// DefaultCounterLimit is the saturation value of the predicted-cell
// re-chain counter.
const DefaultCounterLimit = 2

type cell struct {
	ref Ref
	// gen is odd while a patch is writing the cell's words.
	gen     atomic.Uint32
	initial [CellWords]uint32
	// staged is the class of the last mispredicted receiver, a candidate
	// for re-chaining.
	staged uint32
}

// Stats counts cell events.
type Stats struct {
	Hits           uint64
	Misses         uint64
	Mispredictions uint64
	Patches        uint64
	Unchains       uint64
	Races          uint64
}

// Registry is the only mutation path for cells of installed fragments.
type Registry struct {
	mem Memory

	// patchMu serializes writers; readers never take it.
	patchMu sync.Mutex

	cellsMu sync.RWMutex
	cells   map[uintptr]*cell

	counterLimit uint32

	hits, misses, mispredictions, patches, unchains, races atomic.Uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithCounterLimit sets the predicted-cell counter saturation value.
func WithCounterLimit(n uint32) Option {
	return func(r *Registry) {
		if n > 0 {
			r.counterLimit = n
		}
	}
}

// NewRegistry creates a registry over mem.
func NewRegistry(mem Memory, opts ...Option) *Registry {
	r := &Registry{
		mem:          mem,
		cells:        make(map[uintptr]*cell),
		counterLimit: DefaultCounterLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CounterLimit returns the counter saturation value.
func (r *Registry) CounterLimit() uint32 { return r.counterLimit }

func wordsOf(kind Kind) int {
	if kind.Trampoline() {
		return WordData + 1
	}
	return CellWords
}

func (r *Registry) readWords(c *cell) [CellWords]uint32 {
	var w [CellWords]uint32
	for i := 0; i < wordsOf(c.ref.Kind); i++ {
		w[i] = r.mem.LoadWord(c.ref.Addr + uintptr(4*i))
	}
	return w
}

// Register adopts a cell of a freshly installed fragment. Its current words
// become the state Unchain restores.
func (r *Registry) Register(ref Ref) error {
	if ref.Kind >= NumKinds || ref.Addr&3 != 0 {
		return errors.Abortf(errors.ReasonInvariantViolation, "chain: bad cell %s", ref)
	}
	c := &cell{ref: ref}
	c.initial = r.readWords(c)
	r.cellsMu.Lock()
	defer r.cellsMu.Unlock()
	if _, ok := r.cells[ref.Addr]; ok {
		return errors.Abortf(errors.ReasonInvariantViolation, "chain: cell %s registered twice", ref)
	}
	r.cells[ref.Addr] = c
	return nil
}

func (r *Registry) lookup(addr uintptr) (*cell, error) {
	r.cellsMu.RLock()
	c, ok := r.cells[addr]
	r.cellsMu.RUnlock()
	if !ok {
		return nil, errors.Abortf(errors.ReasonInvariantViolation, "chain: no cell at %#x", addr)
	}
	return c, nil
}

// Ref returns the registered cell at addr.
func (r *Registry) Ref(addr uintptr) (Ref, bool) {
	c, err := r.lookup(addr)
	if err != nil {
		return Ref{}, false
	}
	return c.ref, true
}

// Refs returns every registered cell.
func (r *Registry) Refs() []Ref {
	r.cellsMu.RLock()
	defer r.cellsMu.RUnlock()
	out := make([]Ref, 0, len(r.cells))
	for _, c := range r.cells {
		out = append(out, c.ref)
	}
	return out
}

// Len returns the number of registered cells.
func (r *Registry) Len() int {
	r.cellsMu.RLock()
	defer r.cellsMu.RUnlock()
	return len(r.cells)
}

// Snapshot returns a consistent copy of the cell at addr, retrying while a
// patch is in flight.
func (r *Registry) Snapshot(addr uintptr) (Cell, error) {
	c, err := r.lookup(addr)
	if err != nil {
		return Cell{}, err
	}
	return r.snapshot(c), nil
}

func (r *Registry) snapshot(c *cell) Cell {
	for {
		g1 := c.gen.Load()
		if g1&1 != 0 {
			runtime.Gosched()
			continue
		}
		w := r.readWords(c)
		if c.gen.Load() == g1 {
			return Cell{Kind: c.ref.Kind, Addr: c.ref.Addr, Words: w}
		}
	}
}

// current reads c for a patch. The caller holds patchMu, so no registry
// write can be in flight; an odd generation means one was abandoned.
func (r *Registry) current(c *cell) (Cell, error) {
	if g := c.gen.Load(); g&1 != 0 {
		r.races.Add(1)
		log.Printf("[chain] patch race on %s: generation %d", c.ref, g)
		return Cell{}, errors.Fatalf(errors.ReasonPatchRace, "cell %s already being written", c.ref)
	}
	return Cell{Kind: c.ref.Kind, Addr: c.ref.Addr, Words: r.readWords(c)}, nil
}

// write stores the given words of c, payload in ascending order and the
// word at index last after all others, inside one odd generation. The
// caller holds patchMu.
func (r *Registry) write(c *cell, words map[int]uint32, last int) error {
	g := c.gen.Load()
	if g&1 != 0 {
		r.races.Add(1)
		return errors.Fatalf(errors.ReasonPatchRace, "cell %s already being written", c.ref)
	}
	c.gen.Store(g + 1)
	for i := 0; i < CellWords; i++ {
		if v, ok := words[i]; ok && i != last {
			r.mem.StoreWord(c.ref.Addr+uintptr(4*i), v)
		}
	}
	if v, ok := words[last]; ok {
		r.mem.StoreWord(c.ref.Addr+uintptr(4*last), v)
	}
	// A word that does not read back was written behind the registry.
	for i, v := range words {
		if got := r.mem.LoadWord(c.ref.Addr + uintptr(4*i)); got != v {
			c.gen.Store(g + 2)
			r.races.Add(1)
			log.Printf("[chain] patch race on %s: word %d is %#x, wrote %#x", c.ref, i, got, v)
			return errors.Fatalf(errors.ReasonPatchRace, "cell %s modified during patch", c.ref)
		}
	}
	c.gen.Store(g + 2)
	return nil
}

func (r *Registry) link(c *cell, target uint32) (uint32, error) {
	if !c.ref.Kind.Trampoline() {
		return 0, errors.Abortf(errors.ReasonInvariantViolation, "chain: %s is not a trampoline cell", c.ref)
	}
	old, err := r.current(c)
	if err != nil {
		return 0, err
	}
	var prev uint32
	if old.State() == Linked {
		prev = old.Target()
	}
	err = r.write(c, map[int]uint32{WordTarget: target, WordSwitch: ChainSwitchLinked}, WordSwitch)
	if err != nil {
		return prev, err
	}
	r.patches.Add(1)
	return prev, nil
}

// Link points a trampoline cell at a code-cache offset and returns the
// previous target, zero if the cell was cold.
func (r *Registry) Link(addr uintptr, target uint32) (uint32, error) {
	c, err := r.lookup(addr)
	if err != nil {
		return 0, err
	}
	r.patchMu.Lock()
	defer r.patchMu.Unlock()
	return r.link(c, target)
}

// PatchInvokeSingletonCell links an invoke-singleton cell to the callee's
// entry and returns the previous entry.
func (r *Registry) PatchInvokeSingletonCell(addr uintptr, calleeEntry uint32) (uint32, error) {
	c, err := r.lookup(addr)
	if err != nil {
		return 0, err
	}
	if c.ref.Kind != KindInvokeSingleton {
		return 0, errors.Abortf(errors.ReasonInvariantViolation, "chain: %s is not an invoke-singleton cell", c.ref)
	}
	r.patchMu.Lock()
	defer r.patchMu.Unlock()
	return r.link(c, calleeEntry)
}

func (r *Registry) patchPredicted(c *cell, class, method, counter uint32) (bytecode.MethodRef, error) {
	old, err := r.current(c)
	if err != nil {
		return 0, err
	}
	var prev bytecode.MethodRef
	if old.State() == Linked {
		prev = bytecode.MethodRef(old.Method())
	}
	err = r.write(c, map[int]uint32{
		WordClass:   class,
		WordMethod:  method,
		WordCounter: counter,
		WordBranch:  PredictedLinked,
	}, WordBranch)
	if err != nil {
		return prev, err
	}
	c.staged = 0
	r.patches.Add(1)
	return prev, nil
}

// PatchPredictedCell installs a receiver class and resolved method in a
// predicted cell and returns the previously resolved method, so a caller
// racing with the patch can still complete its call through it.
func (r *Registry) PatchPredictedCell(addr uintptr, class bytecode.ClassRef, method bytecode.MethodRef) (bytecode.MethodRef, error) {
	c, err := r.lookup(addr)
	if err != nil {
		return 0, err
	}
	if c.ref.Kind != KindInvokePredicted {
		return 0, errors.Abortf(errors.ReasonInvariantViolation, "chain: %s is not a predicted cell", c.ref)
	}
	r.patchMu.Lock()
	defer r.patchMu.Unlock()
	return r.patchPredicted(c, uint32(class), uint32(method), 1)
}

func (r *Registry) unchain(c *cell) (uint32, bool, error) {
	old, err := r.current(c)
	if err != nil {
		return 0, false, err
	}
	if old.State() == Cold {
		return 0, false, nil
	}
	var prev uint32
	words := make(map[int]uint32, CellWords)
	last := WordBranch
	if c.ref.Kind.Trampoline() {
		prev = old.Target()
		words[WordSwitch] = ChainSwitchCold
		words[WordTarget] = 0
		last = WordTarget
	} else {
		prev = old.Method()
		for i := 0; i < CellWords; i++ {
			words[i] = c.initial[i]
		}
	}
	if err := r.write(c, words, last); err != nil {
		return prev, false, err
	}
	c.staged = 0
	r.unchains.Add(1)
	return prev, true, nil
}

// Unchain returns a cell to its cold form and reports its previous target
// (trampoline cells) or method (predicted cells).
func (r *Registry) Unchain(addr uintptr) (uint32, error) {
	c, err := r.lookup(addr)
	if err != nil {
		return 0, err
	}
	r.patchMu.Lock()
	defer r.patchMu.Unlock()
	prev, _, err := r.unchain(c)
	return prev, err
}

func (r *Registry) unchainWhere(match func(c *cell) bool) (int, error) {
	r.cellsMu.RLock()
	var todo []*cell
	for _, c := range r.cells {
		if match(c) {
			todo = append(todo, c)
		}
	}
	r.cellsMu.RUnlock()

	r.patchMu.Lock()
	defer r.patchMu.Unlock()
	n := 0
	for _, c := range todo {
		_, linked, err := r.unchain(c)
		if err != nil {
			return n, err
		}
		if linked {
			n++
		}
	}
	return n, nil
}

// UnchainFragment unchains every cell of the fragment starting at start.
func (r *Registry) UnchainFragment(start uintptr) (int, error) {
	return r.unchainWhere(func(c *cell) bool { return c.ref.Fragment == start })
}

// UnchainTarget unchains every trampoline cell linked to target.
func (r *Registry) UnchainTarget(target uint32) (int, error) {
	return r.unchainWhere(func(c *cell) bool {
		if !c.ref.Kind.Trampoline() {
			return false
		}
		s := r.snapshot(c)
		return s.State() == Linked && s.Target() == target
	})
}

// UnchainAll unchains every registered cell, as done before the code cache
// is flushed.
func (r *Registry) UnchainAll() (int, error) {
	return r.unchainWhere(func(*cell) bool { return true })
}

// Forget drops the cells of a fragment without touching memory.
func (r *Registry) Forget(start uintptr) {
	r.cellsMu.Lock()
	defer r.cellsMu.Unlock()
	for addr, c := range r.cells {
		if c.ref.Fragment == start {
			delete(r.cells, addr)
		}
	}
}

// Clear drops every cell.
func (r *Registry) Clear() {
	r.cellsMu.Lock()
	defer r.cellsMu.Unlock()
	r.cells = make(map[uintptr]*cell)
}

// Stats returns the event counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Hits:           r.hits.Load(),
		Misses:         r.misses.Load(),
		Mispredictions: r.mispredictions.Load(),
		Patches:        r.patches.Load(),
		Unchains:       r.unchains.Load(),
		Races:          r.races.Load(),
	}
}
