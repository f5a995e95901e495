package service

import (
	"context"
	"testing"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/codecache"
	"github.com/ascrivener/tracejit/pkg/config"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/metrics"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const method bytecode.MethodRef = 1

var code = []bytecode.Instruction{
	{Opcode: bytecode.OpConst, A: 0, Literal: 5},
	{Opcode: bytecode.OpConst, A: 1, Literal: 7},
	{Opcode: bytecode.OpAddInt, A: 2, B: 0, C: 1},
	{Opcode: bytecode.OpMulInt, A: 3, B: 2, C: 2},
}

type fixture struct {
	listing *bytecode.Listing
	cfg     config.Config
	opts    []Option
}

func newFixture() *fixture {
	cfg := config.Default()
	cfg.Workers = 2
	cfg.CodeCacheSize = 1 << 16
	return &fixture{listing: bytecode.NewListing(method, code), cfg: cfg}
}

func (f *fixture) service(t *testing.T) *Service {
	t.Helper()
	prog := bytecode.Program{}
	prog.Add(f.listing)
	res := trace.NewStaticResolver()
	res.Methods[method] = trace.MethodInfo{Registers: 8}
	s, err := New(f.cfg, prog, res, f.opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// from traces n instructions starting at instruction i.
func (f *fixture) from(i, n int) *trace.Descriptor {
	return &trace.Descriptor{Method: method, Runs: []trace.Run{{Start: f.listing.OffsetOf(i), NumInsns: n}}}
}

func TestCompileInstallsAndCaches(t *testing.T) {
	f := newFixture()
	m := metrics.New()
	f.opts = append(f.opts, WithMetrics(m))
	s := f.service(t)
	ctx := context.Background()

	tr, err := s.Compile(ctx, f.from(0, 4))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, tr.RequestID)
	require.Equal(t, trace.DefaultMaxInsns, tr.Descriptor.MaxInsns)
	require.True(t, s.Cache().Contains(tr.Entry))

	again, err := s.Compile(ctx, f.from(0, 4))
	require.NoError(t, err)
	require.Same(t, tr, again)

	st := s.Stats()
	require.Equal(t, uint64(2), st.Requests)
	require.Equal(t, uint64(1), st.Compiled)
	require.Equal(t, uint64(1), st.CacheHits)
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Compiles.WithLabelValues("risc32")))

	entry, ok := s.Entry(method, 0)
	require.True(t, ok)
	require.Equal(t, tr.Entry, entry)
}

func TestConcurrentCompilesShareOneTranslation(t *testing.T) {
	f := newFixture()
	s := f.service(t)
	descs := make([]*trace.Descriptor, 8)
	for i := range descs {
		descs[i] = f.from(0, 4)
	}

	out, err := s.CompileBatch(context.Background(), descs)
	require.NoError(t, err)
	for _, tr := range out {
		require.Same(t, out[0], tr)
	}
	st := s.Stats()
	require.Equal(t, uint64(1), st.Compiled)
	require.Equal(t, uint64(len(descs)), st.Requests)
	require.Equal(t, 1, s.Translations())
}

func TestChainingLinksLaterTranslation(t *testing.T) {
	f := newFixture()
	s := f.service(t)
	ctx := context.Background()

	head, err := s.Compile(ctx, f.from(0, 2))
	require.NoError(t, err)
	require.Len(t, head.Cells, 1)
	exit := head.Cells[0]
	cell, err := s.Registry().Snapshot(exit.Addr)
	require.NoError(t, err)
	require.Equal(t, chain.Cold, cell.State())
	require.Equal(t, f.listing.OffsetOf(2), cell.Data())

	tail, err := s.Compile(ctx, f.from(2, 2))
	require.NoError(t, err)

	cell, err = s.Registry().Snapshot(exit.Addr)
	require.NoError(t, err)
	require.Equal(t, chain.Linked, cell.State())
	require.Equal(t, uint32(tail.Entry-s.Cache().BaseAddress()), cell.Target())
	require.Equal(t, uint64(1), s.Stats().Chained)

	// The tail's own exit has no translation yet and stays cold.
	cell, err = s.Registry().Snapshot(tail.Cells[0].Addr)
	require.NoError(t, err)
	require.Equal(t, chain.Cold, cell.State())
}

func TestCodeCacheFullDisablesUntilReset(t *testing.T) {
	f := newFixture()
	f.opts = append(f.opts, WithCache(codecache.NewHeap(32)))
	s := f.service(t)
	ctx := context.Background()

	_, err := s.Compile(ctx, f.from(0, 4))
	require.Error(t, err)
	require.Equal(t, errors.ReasonCodeCacheFull, errors.ReasonOf(err))
	require.False(t, s.Enabled())

	_, err = s.Compile(ctx, f.from(0, 2))
	require.True(t, errors.IsResourceExhaustion(err))
	require.Equal(t, uint64(1), s.Stats().Failures)

	require.NoError(t, s.Reset())
	require.True(t, s.Enabled())
	require.Equal(t, uint64(1), s.Stats().Resets)
}

func TestResetDiscardsTranslations(t *testing.T) {
	f := newFixture()
	s := f.service(t)
	ctx := context.Background()

	head, err := s.Compile(ctx, f.from(0, 2))
	require.NoError(t, err)
	_, err = s.Compile(ctx, f.from(2, 2))
	require.NoError(t, err)
	require.Positive(t, s.Cache().Used())

	require.NoError(t, s.Reset())
	require.Zero(t, s.Translations())
	require.Zero(t, s.Cache().Used())
	require.Zero(t, s.Registry().Len())
	_, ok := s.Lookup(head.Fingerprint)
	require.False(t, ok)
	_, ok = s.Entry(method, 0)
	require.False(t, ok)

	tr, err := s.Compile(ctx, f.from(0, 2))
	require.NoError(t, err)
	require.Equal(t, uint64(3), s.Stats().Compiled)
	require.NotEqual(t, head.RequestID, tr.RequestID)
}

func TestCompileLogsToStore(t *testing.T) {
	f := newFixture()
	f.cfg.ProfilePath = t.TempDir()
	s := f.service(t)

	tr, err := s.Compile(context.Background(), f.from(0, 4))
	require.NoError(t, err)

	rec, err := s.store.Get(tr.Fingerprint)
	require.NoError(t, err)
	require.True(t, rec.Installed)
	require.Equal(t, tr.CodeSize, rec.CodeSize)
	require.Equal(t, tr.RequestID.String(), rec.RequestID)
	require.Equal(t, tr.CellCounts, rec.CellCounts)
}

func TestOversizedTraceKeepsServiceEnabled(t *testing.T) {
	const n = 20000
	big := make([]bytecode.Instruction, n)
	for i := range big {
		big[i] = bytecode.Instruction{Opcode: bytecode.OpAddInt, A: uint32(2 + i%4), B: 0, C: 1}
	}
	f := newFixture()
	f.listing = bytecode.NewListing(method, big)
	f.cfg.MaxInsns = n
	f.cfg.CodeCacheSize = 1 << 18
	s := f.service(t)
	ctx := context.Background()

	tr, err := s.Compile(ctx, f.from(0, n))
	require.NoError(t, err)
	require.True(t, tr.Recompiled)
	require.Less(t, tr.Insns, n)
	require.True(t, s.Enabled())

	_, err = s.Compile(ctx, f.from(0, 2))
	require.NoError(t, err)
	require.Equal(t, uint64(2), s.Stats().Compiled)
	require.Zero(t, s.Stats().Failures)
}

func TestEvictedTranslationIsReused(t *testing.T) {
	f := newFixture()
	f.cfg.TranslationCacheSize = 1
	s := f.service(t)
	ctx := context.Background()

	head, err := s.Compile(ctx, f.from(0, 2))
	require.NoError(t, err)
	_, err = s.Compile(ctx, f.from(2, 2))
	require.NoError(t, err)
	used := s.Cache().Used()

	again, err := s.Compile(ctx, f.from(0, 2))
	require.NoError(t, err)
	require.Same(t, head, again)
	require.Equal(t, uint64(2), s.Stats().Compiled)
	require.Equal(t, used, s.Cache().Used())
}

func TestNilServiceIsInert(t *testing.T) {
	var s *Service
	require.False(t, s.Enabled())
	s.SetEnabled(true)
	require.Equal(t, Stats{}, s.Stats())
}
