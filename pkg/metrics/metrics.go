// Package metrics exports compiler and chaining counters to prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tracejit"

// Metrics is one set of collectors registered on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	Compiles    *prometheus.CounterVec
	Failures    *prometheus.CounterVec
	CompileTime prometheus.Histogram
	CodeBytes   prometheus.Counter
	Cells       *prometheus.CounterVec
	CacheHits   prometheus.Counter
	CacheUsed   prometheus.Gauge
	Patches     *prometheus.CounterVec
	Resets      prometheus.Counter

	mu           sync.Mutex
	lastRegistry chain.Stats
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compiles_total",
			Help: "Installed translations by target.",
		}, []string{"target"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "compile_failures_total",
			Help: "Failed compile requests by kind and reason.",
		}, []string{"kind", "reason"}),
		CompileTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "compile_seconds",
			Help:    "Wall time of one compile request.",
			Buckets: prometheus.ExponentialBuckets(10e-6, 4, 8),
		}),
		CodeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "code_bytes_total",
			Help: "Bytes installed into the code cache.",
		}),
		Cells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "chaining_cells_total",
			Help: "Chaining cells emitted by kind.",
		}, []string{"kind"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "translation_cache_hits_total",
			Help: "Requests answered from the translation cache.",
		}),
		CacheUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "code_cache_used_bytes",
			Help: "Bytes in use in the code cache.",
		}),
		Patches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cell_events_total",
			Help: "Chaining cell events by type.",
		}, []string{"event"}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "code_cache_resets_total",
			Help: "Code cache flushes.",
		}),
	}
	m.Registry.MustRegister(m.Compiles, m.Failures, m.CompileTime, m.CodeBytes,
		m.Cells, m.CacheHits, m.CacheUsed, m.Patches, m.Resets)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveInstall counts one installed translation.
func (m *Metrics) ObserveInstall(targetName string, codeSize int, cells [chain.NumKinds]int, seconds float64) {
	if m == nil {
		return
	}
	m.Compiles.WithLabelValues(targetName).Inc()
	m.CodeBytes.Add(float64(codeSize))
	m.CompileTime.Observe(seconds)
	for k, n := range cells {
		if n > 0 {
			m.Cells.WithLabelValues(chain.Kind(k).String()).Add(float64(n))
		}
	}
}

// ObserveFailure counts a failed request under its kind and reason.
func (m *Metrics) ObserveFailure(err error) {
	if m == nil || err == nil {
		return
	}
	m.Failures.WithLabelValues(errors.KindOf(err).String(), errors.ReasonOf(err).String()).Inc()
}

// CacheHit counts a request answered without compiling.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// CodeCacheUsed sets the code cache occupancy.
func (m *Metrics) CodeCacheUsed(n int) {
	if m != nil {
		m.CacheUsed.Set(float64(n))
	}
}

// ObserveReset counts a code cache flush.
func (m *Metrics) ObserveReset() {
	if m == nil {
		return
	}
	m.Resets.Inc()
	m.CacheUsed.Set(0)
}

// ObserveRegistry adds the registry events since the last call.
func (m *Metrics) ObserveRegistry(s chain.Stats) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.lastRegistry
	for _, e := range []struct {
		name      string
		cur, last uint64
	}{
		{"hit", s.Hits, prev.Hits},
		{"miss", s.Misses, prev.Misses},
		{"mispredict", s.Mispredictions, prev.Mispredictions},
		{"patch", s.Patches, prev.Patches},
		{"unchain", s.Unchains, prev.Unchains},
		{"race", s.Races, prev.Races},
	} {
		if e.cur > e.last {
			m.Patches.WithLabelValues(e.name).Add(float64(e.cur - e.last))
		}
	}
	m.lastRegistry = s
}
