// Package service runs trace compiles concurrently against one shared code
// cache and chains new translations to the ones already installed.
package service

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ascrivener/tracejit/pkg/bytecode"
	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/codecache"
	"github.com/ascrivener/tracejit/pkg/config"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/ascrivener/tracejit/pkg/jit"
	"github.com/ascrivener/tracejit/pkg/metrics"
	"github.com/ascrivener/tracejit/pkg/profile"
	"github.com/ascrivener/tracejit/pkg/target"
	"github.com/ascrivener/tracejit/pkg/trace"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Translation is an installed compile result.
type Translation struct {
	*jit.Result
	RequestID  uuid.UUID
	Descriptor *trace.Descriptor
}

// Stats counts service events.
type Stats struct {
	Requests uint64
	// Compiled counts installs; CacheHits counts requests answered from the
	// translation table and Coalesced requests that shared a compile.
	Compiled  uint64
	CacheHits uint64
	Coalesced uint64
	Failures  uint64
	Chained   uint64
	Resets    uint64
	CodeUsed  int
	Registry  chain.Stats
}

// entryKey names where a translation is entered: a method and the bytecode
// offset its trace starts at.
type entryKey struct {
	method bytecode.MethodRef
	offset uint32
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics exports service events to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStore logs every compile to st. The service does not close it.
func WithStore(st *profile.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithCache installs into c instead of a freshly mapped cache. The service
// does not free it.
func WithCache(c *codecache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

// Service owns the code cache, the cell registry and the translation table.
type Service struct {
	cfg      config.Config
	tgt      *target.Target
	cache    *codecache.Cache
	registry *chain.Registry
	compiler *jit.Compiler
	pool     *ants.Pool
	group    singleflight.Group
	metrics  *metrics.Metrics
	store    *profile.Store

	ownCache bool
	ownStore bool

	// gate is held shared by compiles and exclusively by Reset.
	gate sync.RWMutex

	// mu guards the translation table and the chaining bookkeeping.
	// installed holds every translation in the code cache; translations is
	// the recently used subset in front of it.
	mu           sync.Mutex
	translations *lru.Cache[trace.Fingerprint, *Translation]
	installed    map[trace.Fingerprint]*Translation
	entries      map[entryKey]uintptr
	pending      map[entryKey][]chain.Ref

	enabled atomic.Bool

	requests, compiled, hits, coalesced, failures, chained, resets atomic.Uint64
}

// New creates a service compiling cfg.Target code from the methods dec
// decodes.
func New(cfg config.Config, dec bytecode.Decoder, res trace.Resolver, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tgt, err := target.ByName(cfg.Target)
	if err != nil {
		return nil, err
	}
	s := &Service{cfg: cfg, tgt: tgt}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		if s.cache, err = codecache.New(cfg.CodeCacheSize); err != nil {
			return nil, err
		}
		s.ownCache = true
	}
	if s.store == nil && cfg.ProfilePath != "" {
		if s.store, err = profile.Open(cfg.ProfilePath); err != nil {
			s.release()
			return nil, err
		}
		s.ownStore = true
	}
	if s.translations, err = lru.New[trace.Fingerprint, *Translation](cfg.TranslationCacheSize); err != nil {
		s.release()
		return nil, err
	}
	if s.pool, err = ants.NewPool(cfg.Workers, ants.WithExpiryDuration(10*time.Second)); err != nil {
		s.release()
		return nil, err
	}
	s.registry = chain.NewRegistry(s.cache, chain.WithCounterLimit(uint32(cfg.CounterLimit)))
	s.compiler = jit.NewCompiler(tgt, s.cache, s.registry, dec, res, cfg.CompilerOptions())
	s.installed = make(map[trace.Fingerprint]*Translation)
	s.entries = make(map[entryKey]uintptr)
	s.pending = make(map[entryKey][]chain.Ref)
	s.enabled.Store(true)
	return s, nil
}

func (s *Service) release() {
	if s.pool != nil {
		s.pool.Release()
	}
	if s.ownStore && s.store != nil {
		s.store.Close()
	}
	if s.ownCache && s.cache != nil {
		s.cache.Free()
	}
}

// Close stops the workers and releases what the service created.
func (s *Service) Close() error {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.pool.Release()
	var err error
	if s.ownStore && s.store != nil {
		err = s.store.Close()
	}
	if s.ownCache {
		if e := s.cache.Free(); err == nil {
			err = e
		}
	}
	return err
}

// Enabled reports whether the service accepts compile requests.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled.Load()
}

// SetEnabled enables or disables compilation.
func (s *Service) SetEnabled(enabled bool) {
	if s != nil {
		s.enabled.Store(enabled)
	}
}

// Stats returns the service counters.
func (s *Service) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Requests:  s.requests.Load(),
		Compiled:  s.compiled.Load(),
		CacheHits: s.hits.Load(),
		Coalesced: s.coalesced.Load(),
		Failures:  s.failures.Load(),
		Chained:   s.chained.Load(),
		Resets:    s.resets.Load(),
		CodeUsed:  s.cache.Used(),
		Registry:  s.registry.Stats(),
	}
}

func (s *Service) Target() *target.Target { return s.tgt }

func (s *Service) Cache() *codecache.Cache { return s.cache }

func (s *Service) Registry() *chain.Registry { return s.registry }

func (s *Service) Config() config.Config { return s.cfg }

func (s *Service) Compiler() *jit.Compiler { return s.compiler }

// Translations returns the number of translations in the table.
func (s *Service) Translations() int { return s.translations.Len() }

func errDisabled() error {
	return errors.Exhaustedf(errors.ReasonCodeCacheFull, "compiler disabled until the code cache is reset")
}

// Lookup returns the translation already installed for fp.
func (s *Service) Lookup(fp trace.Fingerprint) (*Translation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.translations.Get(fp); ok {
		return tr, true
	}
	// Evicted from the table but still in the code cache.
	tr, ok := s.installed[fp]
	if ok {
		s.translations.Add(fp, tr)
	}
	return tr, ok
}

// Entry returns the entry point of the translation starting at offset of
// method, if one is installed.
func (s *Service) Entry(method bytecode.MethodRef, offset uint32) (uintptr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryKey{method, offset}]
	return e, ok
}

// Compile returns the translation of desc, compiling it on a worker unless
// it is already installed. Identical requests in flight share one compile.
func (s *Service) Compile(ctx context.Context, desc *trace.Descriptor) (*Translation, error) {
	s.requests.Add(1)
	d := *desc
	s.cfg.Apply(&d)
	fp := d.Fingerprint()
	if tr, ok := s.Lookup(fp); ok {
		s.hits.Add(1)
		s.metrics.CacheHit()
		return tr, nil
	}
	if !s.Enabled() {
		return nil, errDisabled()
	}

	ch := s.group.DoChan(fp.String(), func() (interface{}, error) {
		return s.submit(context.WithoutCancel(ctx), &d)
	})
	select {
	case r := <-ch:
		if r.Shared {
			s.coalesced.Add(1)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Translation), nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ReasonCancelled, d.String())
	}
}

// CompileBatch compiles descs concurrently and returns their translations in
// order. The first failure cancels the rest.
func (s *Service) CompileBatch(ctx context.Context, descs []*trace.Descriptor) ([]*Translation, error) {
	out := make([]*Translation, len(descs))
	g, ctx := errgroup.WithContext(ctx)
	for i, d := range descs {
		i, d := i, d
		g.Go(func() error {
			tr, err := s.Compile(ctx, d)
			out[i] = tr
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// submit runs one compile on the worker pool and waits for it.
func (s *Service) submit(ctx context.Context, d *trace.Descriptor) (*Translation, error) {
	type outcome struct {
		tr  *Translation
		err error
	}
	done := make(chan outcome, 1)
	err := s.pool.Submit(func() {
		tr, err := s.compile(ctx, d)
		done <- outcome{tr, err}
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ReasonWorklistOverflow, "submit "+d.String())
	}
	select {
	case o := <-done:
		return o.tr, o.err
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ReasonCancelled, d.String())
	}
}

func (s *Service) compile(ctx context.Context, d *trace.Descriptor) (*Translation, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	reqFP := d.Fingerprint()
	// A request may have been installed while this one waited for a worker.
	if tr, ok := s.Lookup(reqFP); ok {
		s.hits.Add(1)
		return tr, nil
	}
	if !s.Enabled() {
		return nil, errDisabled()
	}

	id := uuid.New()
	start := time.Now()
	res, err := s.compiler.Compile(ctx, d)
	if err != nil {
		s.fail(id, d, err)
		return nil, err
	}
	s.compiled.Add(1)
	s.metrics.ObserveInstall(s.tgt.Name, res.CodeSize, res.CellCounts, time.Since(start).Seconds())

	tr := &Translation{Result: res, RequestID: id, Descriptor: d}
	s.install(reqFP, tr)
	s.metrics.ObserveRegistry(s.registry.Stats())
	s.metrics.CodeCacheUsed(s.cache.Used())
	s.record(tr, nil)
	return tr, nil
}

func (s *Service) fail(id uuid.UUID, d *trace.Descriptor, err error) {
	s.failures.Add(1)
	s.metrics.ObserveFailure(err)
	if errors.ReasonOf(err) == errors.ReasonCodeCacheFull {
		log.Printf("[service] code cache full at %d bytes, disabling compiles until reset", s.cache.Used())
		s.SetEnabled(false)
	} else {
		log.Printf("[service] %s: %s failed: %v", id, d, err)
	}
	s.record(&Translation{Result: &jit.Result{Fingerprint: d.Fingerprint()}, RequestID: id, Descriptor: d}, err)
}

func (s *Service) record(tr *Translation, err error) {
	if s.store == nil {
		return
	}
	rec := &profile.Record{
		Fingerprint: tr.Fingerprint,
		Target:      s.tgt.Name,
		Descriptor:  tr.Descriptor,
		Installed:   err == nil,
		RequestID:   tr.RequestID.String(),
	}
	if err != nil {
		rec.Kind = errors.KindOf(err).String()
		rec.Reason = errors.ReasonOf(err).String()
	} else {
		rec.CodeSize = tr.CodeSize
		rec.CellCounts = tr.CellCounts
		rec.LoopMode = tr.LoopMode
		rec.Recompiled = tr.Recompiled
		rec.CodeDigest = profile.Digest(s.cache.GetBytes(tr.Fragment.Start, tr.CodeSize))
	}
	if err := s.store.Put(rec); err != nil {
		log.Printf("[service] %s: compile log: %v", tr.Fingerprint.Short(), err)
	}
}

// cellKey is the entry a trampoline cell chains to.
func cellKey(method bytecode.MethodRef, kind chain.Kind, data uint32) entryKey {
	if kind == chain.KindInvokeSingleton {
		return entryKey{bytecode.MethodRef(data), 0}
	}
	return entryKey{method, data}
}

// install publishes tr under the request fingerprint and its own, which
// differ when the trace was recompiled without a loop or shortened. It then chains tr both
// ways: its own cells to installed entries, and cells waiting for its entry
// to it.
func (s *Service) install(reqFP trace.Fingerprint, tr *Translation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.translations.Add(reqFP, tr)
	s.installed[reqFP] = tr
	if tr.Fingerprint != reqFP {
		s.translations.Add(tr.Fingerprint, tr)
		s.installed[tr.Fingerprint] = tr
	}
	key := entryKey{tr.Descriptor.Method, tr.Descriptor.StartOffset()}
	if _, ok := s.entries[key]; !ok {
		s.entries[key] = tr.Entry
	}

	for _, ref := range tr.Cells {
		if !ref.Kind.Trampoline() {
			continue
		}
		cell, err := s.registry.Snapshot(ref.Addr)
		if err != nil {
			log.Printf("[service] %s: %v", ref, err)
			continue
		}
		k := cellKey(tr.Descriptor.Method, ref.Kind, cell.Data())
		if entry, ok := s.entries[k]; ok {
			s.link(ref, entry)
		} else {
			s.pending[k] = append(s.pending[k], ref)
		}
	}
	s.chainPending(key)
}

// chainPending links the cells waiting for the translation entered at key.
func (s *Service) chainPending(key entryKey) {
	entry, ok := s.entries[key]
	if !ok {
		return
	}
	for _, ref := range s.pending[key] {
		s.link(ref, entry)
	}
	delete(s.pending, key)
}

func (s *Service) link(ref chain.Ref, entry uintptr) {
	off := uint32(entry - s.cache.BaseAddress())
	var err error
	if ref.Kind == chain.KindInvokeSingleton {
		_, err = s.registry.PatchInvokeSingletonCell(ref.Addr, off)
	} else {
		_, err = s.registry.Link(ref.Addr, off)
	}
	if err != nil {
		log.Printf("[service] chaining %s: %v", ref, err)
		return
	}
	s.chained.Add(1)
}

// Reset unchains every cell and discards all translations, then re-enables
// compilation. It waits for compiles in progress.
func (s *Service) Reset() error {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.registry.UnchainAll()
	if err != nil {
		return err
	}
	s.registry.Clear()
	s.cache.Reset()
	s.translations.Purge()
	s.installed = make(map[trace.Fingerprint]*Translation)
	s.entries = make(map[entryKey]uintptr)
	s.pending = make(map[entryKey][]chain.Ref)
	s.resets.Add(1)
	s.metrics.ObserveReset()
	s.SetEnabled(true)
	log.Printf("[service] code cache reset, %d cells unchained", n)
	return nil
}
