package chain

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/codecache"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type testCell struct {
	kind Kind
	data uint32
}

// installCells writes one fragment holding the given cells back to back and
// registers them.
func installCells(t *testing.T, cache *codecache.Cache, r *Registry, cells ...testCell) []Ref {
	t.Helper()
	code := make([]byte, 4+len(cells)*CellWords*4)
	binary.LittleEndian.PutUint32(code, 0xcdab0000)
	for i, tc := range cells {
		w := InitialWords(tc.kind, tc.data)
		for j, v := range w {
			binary.LittleEndian.PutUint32(code[4+(i*CellWords+j)*4:], v)
		}
	}
	frag, err := cache.Install(code, 4, "cells")
	require.NoError(t, err)

	refs := make([]Ref, len(cells))
	for i, tc := range cells {
		refs[i] = Ref{Kind: tc.kind, Addr: frag.Start + uintptr(4+i*CellWords*4), Fragment: frag.Start}
		require.NoError(t, r.Register(refs[i]))
	}
	return refs
}

func newTestRegistry(t *testing.T, opts ...Option) (*codecache.Cache, *Registry) {
	t.Helper()
	cache := codecache.NewHeap(4096)
	return cache, NewRegistry(cache, opts...)
}

func TestInitialCellState(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r,
		testCell{KindNormal, 0x24},
		testCell{KindInvokePredicted, 0x77},
	)

	normal, err := r.Snapshot(refs[0].Addr)
	require.NoError(t, err)
	if normal.State() != Cold || normal.Data() != 0x24 || normal.Target() != 0 {
		t.Errorf("normal cell = %s", normal)
	}

	pred, err := r.Snapshot(refs[1].Addr)
	require.NoError(t, err)
	want := [CellWords]uint32{PredictedUnresolved, 0x77, 0, 0}
	if diff := cmp.Diff(want, pred.Words); diff != "" {
		t.Errorf("predicted cell words (-want +got):\n%s", diff)
	}
	if pred.State() != Cold {
		t.Errorf("predicted cell state = %s", pred.State())
	}
}

func TestLinkAndUnchainTrampoline(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r, testCell{KindHot, 0x10})
	addr := refs[0].Addr

	prev, err := r.Link(addr, 0x400)
	require.NoError(t, err)
	require.Zero(t, prev)

	prev, err = r.Link(addr, 0x800)
	require.NoError(t, err)
	require.Equal(t, uint32(0x400), prev)

	c, err := r.Snapshot(addr)
	require.NoError(t, err)
	if c.State() != Linked || c.Target() != 0x800 || c.Data() != 0x10 {
		t.Errorf("linked cell = %s", c)
	}

	prev, err = r.Unchain(addr)
	require.NoError(t, err)
	require.Equal(t, uint32(0x800), prev)
	c, _ = r.Snapshot(addr)
	if diff := cmp.Diff(InitialWords(KindHot, 0x10), c.Words); diff != "" {
		t.Errorf("unchained words (-want +got):\n%s", diff)
	}

	// Unchaining a cold cell is a no-op.
	prev, err = r.Unchain(addr)
	require.NoError(t, err)
	require.Zero(t, prev)
	require.Equal(t, uint64(1), r.Stats().Unchains)
}

func TestPatchInvokeSingletonCell(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r,
		testCell{KindInvokeSingleton, 0x5},
		testCell{KindNormal, 0x8},
	)

	prev, err := r.PatchInvokeSingletonCell(refs[0].Addr, 0x1200)
	require.NoError(t, err)
	require.Zero(t, prev)
	prev, err = r.PatchInvokeSingletonCell(refs[0].Addr, 0x1300)
	require.NoError(t, err)
	require.Equal(t, uint32(0x1200), prev)

	if _, err := r.PatchInvokeSingletonCell(refs[1].Addr, 0x1300); errors.ReasonOf(err) != errors.ReasonInvariantViolation {
		t.Errorf("patching a normal cell as singleton: %v", err)
	}
	if _, err := r.PatchInvokeSingletonCell(0x4, 0x1300); err == nil {
		t.Error("patching an unregistered address succeeded")
	}
}

func TestPatchPredictedCell(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r, testCell{KindInvokePredicted, 0x30})
	addr := refs[0].Addr

	prev, err := r.PatchPredictedCell(addr, 0x30, 0x900)
	require.NoError(t, err)
	require.Zero(t, prev)

	c, _ := r.Snapshot(addr)
	want := [CellWords]uint32{PredictedLinked, 0x30, 0x900, 1}
	if diff := cmp.Diff(want, c.Words); diff != "" {
		t.Errorf("patched words (-want +got):\n%s", diff)
	}

	prev, err = r.PatchPredictedCell(addr, 0x31, 0x901)
	require.NoError(t, err)
	require.Equal(t, bytecode.MethodRef(0x900), prev)

	old, err := r.Unchain(addr)
	require.NoError(t, err)
	require.Equal(t, uint32(0x901), old)
	c, _ = r.Snapshot(addr)
	if diff := cmp.Diff(InitialWords(KindInvokePredicted, 0x30), c.Words); diff != "" {
		t.Errorf("unchained words (-want +got):\n%s", diff)
	}
}

// orderedMem records the order words are stored in.
type orderedMem struct {
	*codecache.Cache
	stores []uintptr
}

func (m *orderedMem) StoreWord(addr uintptr, v uint32) {
	m.stores = append(m.stores, addr)
	m.Cache.StoreWord(addr, v)
}

func TestPatchWritesBranchWordLast(t *testing.T) {
	cache := codecache.NewHeap(1024)
	mem := &orderedMem{Cache: cache}
	r := NewRegistry(mem)
	refs := installCells(t, cache, r,
		testCell{KindInvokePredicted, 0},
		testCell{KindNormal, 0x2},
	)
	pred, normal := refs[0].Addr, refs[1].Addr

	_, err := r.PatchPredictedCell(pred, 1, 2)
	require.NoError(t, err)
	want := []uintptr{pred + 4, pred + 8, pred + 12, pred}
	if diff := cmp.Diff(want, mem.stores); diff != "" {
		t.Errorf("predicted store order (-want +got):\n%s", diff)
	}

	mem.stores = nil
	_, err = r.Link(normal, 0x40)
	require.NoError(t, err)
	if diff := cmp.Diff([]uintptr{normal + 4, normal}, mem.stores); diff != "" {
		t.Errorf("link store order (-want +got):\n%s", diff)
	}

	// Unchaining closes the switch before clearing the target.
	mem.stores = nil
	_, err = r.Unchain(normal)
	require.NoError(t, err)
	if diff := cmp.Diff([]uintptr{normal, normal + 4}, mem.stores); diff != "" {
		t.Errorf("unchain store order (-want +got):\n%s", diff)
	}
}

func TestConcurrentReadersNeverSeeTornCell(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r, testCell{KindInvokePredicted, 0})
	addr := refs[0].Addr
	initial := InitialWords(KindInvokePredicted, 0)

	const rounds = 2000
	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		for i := uint32(1); i <= rounds; i++ {
			if _, err := r.PatchPredictedCell(addr, bytecode.ClassRef(i), bytecode.MethodRef(i+0x10000)); err != nil {
				return err
			}
			if i%100 == 0 {
				if _, err := r.Unchain(addr); err != nil {
					return err
				}
			}
		}
		return nil
	})
	for n := 0; n < 4; n++ {
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				default:
				}
				c, err := r.Snapshot(addr)
				if err != nil {
					return err
				}
				if c.Words == initial {
					continue
				}
				if c.Words[WordBranch] != PredictedLinked ||
					c.Method() != c.Class()+0x10000 ||
					c.Counter() != 1 {
					return fmt.Errorf("torn cell %s", c)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if races := r.Stats().Races; races != 0 {
		t.Errorf("races = %d", races)
	}
}

func TestPatchRaceOnOpenGeneration(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r, testCell{KindInvokePredicted, 0})

	c, err := r.lookup(refs[0].Addr)
	require.NoError(t, err)
	c.gen.Store(3)

	_, err = r.PatchPredictedCell(refs[0].Addr, 1, 2)
	if !errors.IsFatal(err) || errors.ReasonOf(err) != errors.ReasonPatchRace {
		t.Fatalf("patch over open generation: %v", err)
	}
	if r.Stats().Races != 1 {
		t.Errorf("races = %d", r.Stats().Races)
	}
}

// foreignMem models a writer outside the registry touching a cell word
// while a patch is in progress.
type foreignMem struct {
	*codecache.Cache
	victim uintptr
}

func (m *foreignMem) StoreWord(addr uintptr, v uint32) {
	m.Cache.StoreWord(addr, v)
	if addr == m.victim {
		m.Cache.StoreWord(addr, v^0xffff)
	}
}

func TestPatchRaceOnForeignWrite(t *testing.T) {
	cache := codecache.NewHeap(1024)
	mem := &foreignMem{Cache: cache}
	r := NewRegistry(mem)
	refs := installCells(t, cache, r, testCell{KindInvokePredicted, 0})
	mem.victim = refs[0].Addr + 4*WordMethod

	_, err := r.PatchPredictedCell(refs[0].Addr, 1, 2)
	require.Error(t, err)
	require.True(t, stderrors.Is(err, errors.ErrPatchRace), "got %v", err)

	// The generation is closed again so readers make progress.
	_, err = r.Snapshot(refs[0].Addr)
	require.NoError(t, err)
}

func TestUnchainFragmentAndAll(t *testing.T) {
	cache, r := newTestRegistry(t)
	a := installCells(t, cache, r,
		testCell{KindNormal, 1},
		testCell{KindInvokePredicted, 0},
		testCell{KindHot, 2},
	)
	b := installCells(t, cache, r, testCell{KindBackwardBranch, 3})
	require.Equal(t, 4, r.Len())

	for _, ref := range []Ref{a[0], a[2], b[0]} {
		_, err := r.Link(ref.Addr, 0x100)
		require.NoError(t, err)
	}
	_, err := r.PatchPredictedCell(a[1].Addr, 1, 2)
	require.NoError(t, err)

	n, err := r.UnchainFragment(a[0].Fragment)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	c, _ := r.Snapshot(b[0].Addr)
	require.Equal(t, Linked, c.State())

	n, err = r.UnchainTarget(0x100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = r.UnchainAll()
	require.NoError(t, err)
	require.Zero(t, n)

	r.Forget(a[0].Fragment)
	require.Equal(t, 1, r.Len())
	r.Clear()
	require.Zero(t, r.Len())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r, testCell{KindNormal, 1})
	if err := r.Register(refs[0]); err == nil {
		t.Error("second registration succeeded")
	}
	if err := r.Register(Ref{Kind: KindNormal, Addr: refs[0].Addr + 2}); err == nil {
		t.Error("misaligned registration succeeded")
	}
}

type resolveLog struct {
	methods map[bytecode.ClassRef]bytecode.MethodRef
	calls   int
}

func (l *resolveLog) resolve(class bytecode.ClassRef) (bytecode.MethodRef, error) {
	l.calls++
	m, ok := l.methods[class]
	if !ok {
		return 0, fmt.Errorf("no method for class %#x", class)
	}
	return m, nil
}

func TestDispatchSameClassSaturates(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r, testCell{KindInvokePredicted, 0xa})
	addr := refs[0].Addr
	res := &resolveLog{methods: map[bytecode.ClassRef]bytecode.MethodRef{0xa: 0x100, 0xb: 0x200}}

	var counters []uint32
	for i := 0; i < 3; i++ {
		out, err := r.Dispatch(addr, 0xa, res.resolve)
		require.NoError(t, err)
		require.Equal(t, bytecode.MethodRef(0x100), out.Method)
		c, _ := r.Snapshot(addr)
		require.Equal(t, Linked, c.State())
		require.Equal(t, uint32(0x100), c.Method())
		counters = append(counters, c.Counter())
	}
	if diff := cmp.Diff([]uint32{1, 2, 2}, counters); diff != "" {
		t.Errorf("counters (-want +got):\n%s", diff)
	}
	require.Equal(t, 1, res.calls)

	before, _ := r.Snapshot(addr)
	out, err := r.Dispatch(addr, 0xb, res.resolve)
	require.NoError(t, err)
	require.Equal(t, Mispredicted, out.Outcome)
	require.Equal(t, bytecode.MethodRef(0x200), out.Method)
	after, _ := r.Snapshot(addr)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("misprediction changed the cell (-before +after):\n%s", diff)
	}

	st := r.Stats()
	require.Equal(t, Stats{Hits: 2, Misses: 1, Mispredictions: 1, Patches: 1}, st)
}

func TestDispatchRechainsAfterRepeatedMisses(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r, testCell{KindInvokePredicted, 0xa})
	addr := refs[0].Addr
	res := &resolveLog{methods: map[bytecode.ClassRef]bytecode.MethodRef{0xa: 0x100, 0xb: 0x200}}

	var outcomes []Outcome
	for _, class := range []bytecode.ClassRef{0xa, 0xa, 0xb, 0xb, 0xb} {
		out, err := r.Dispatch(addr, class, res.resolve)
		require.NoError(t, err)
		outcomes = append(outcomes, out.Outcome)
	}
	want := []Outcome{Unresolved, Hit, Mispredicted, Mispredicted, Rechained}
	if diff := cmp.Diff(want, outcomes); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}
	c, _ := r.Snapshot(addr)
	if diff := cmp.Diff([CellWords]uint32{PredictedLinked, 0xb, 0x200, 1}, c.Words); diff != "" {
		t.Errorf("rechained words (-want +got):\n%s", diff)
	}
}

func TestDispatchAlternatingClassesDoNotRepatch(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r, testCell{KindInvokePredicted, 0})
	res := &resolveLog{methods: map[bytecode.ClassRef]bytecode.MethodRef{1: 0x10, 2: 0x20, 3: 0x30}}

	_, err := r.Dispatch(refs[0].Addr, 1, res.resolve)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		class := bytecode.ClassRef(2 + i%2)
		out, err := r.Dispatch(refs[0].Addr, class, res.resolve)
		require.NoError(t, err)
		require.Equal(t, Mispredicted, out.Outcome)
	}
	require.Equal(t, uint64(1), r.Stats().Patches)
}

func TestDispatchErrors(t *testing.T) {
	cache, r := newTestRegistry(t)
	refs := installCells(t, cache, r,
		testCell{KindInvokePredicted, 0},
		testCell{KindNormal, 0},
	)
	res := &resolveLog{methods: map[bytecode.ClassRef]bytecode.MethodRef{}}

	if _, err := r.Dispatch(refs[0].Addr, 9, res.resolve); err == nil {
		t.Error("failed resolution did not surface")
	}
	c, _ := r.Snapshot(refs[0].Addr)
	require.Equal(t, Cold, c.State())

	if _, err := r.Dispatch(refs[1].Addr, 9, res.resolve); errors.ReasonOf(err) != errors.ReasonInvariantViolation {
		t.Errorf("dispatch through a normal cell: %v", err)
	}
}

func TestWithCounterLimit(t *testing.T) {
	cache, r := newTestRegistry(t, WithCounterLimit(4))
	require.Equal(t, uint32(4), r.CounterLimit())
	refs := installCells(t, cache, r, testCell{KindInvokePredicted, 0})
	res := &resolveLog{methods: map[bytecode.ClassRef]bytecode.MethodRef{1: 0x10}}
	for i := 0; i < 6; i++ {
		_, err := r.Dispatch(refs[0].Addr, 1, res.resolve)
		require.NoError(t, err)
	}
	c, _ := r.Snapshot(refs[0].Addr)
	require.Equal(t, uint32(4), c.Counter())
}
