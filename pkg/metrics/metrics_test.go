package metrics

import (
	"testing"

	"github.com/ascrivener/tracejit/pkg/chain"
	"github.com/ascrivener/tracejit/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveInstall("risc32", 96, [chain.NumKinds]int{chain.KindNormal: 2, chain.KindHot: 1}, 0.001)
	m.ObserveFailure(errors.Exhaustedf(errors.ReasonCodeCacheFull, "full"))
	m.ObserveFailure(nil)

	if got := testutil.ToFloat64(m.Compiles.WithLabelValues("risc32")); got != 1 {
		t.Errorf("compiles = %v", got)
	}
	if got := testutil.ToFloat64(m.CodeBytes); got != 96 {
		t.Errorf("code bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.Cells.WithLabelValues("normal")); got != 2 {
		t.Errorf("normal cells = %v", got)
	}
	if got := testutil.ToFloat64(m.Failures.WithLabelValues("resource-exhausted", "code-cache-full")); got != 1 {
		t.Errorf("failures = %v", got)
	}
}

func TestObserveRegistryAddsDeltas(t *testing.T) {
	m := New()
	m.ObserveRegistry(chain.Stats{Hits: 3, Patches: 1})
	m.ObserveRegistry(chain.Stats{Hits: 5, Patches: 1, Unchains: 2})
	if got := testutil.ToFloat64(m.Patches.WithLabelValues("hit")); got != 5 {
		t.Errorf("hits = %v", got)
	}
	if got := testutil.ToFloat64(m.Patches.WithLabelValues("patch")); got != 1 {
		t.Errorf("patches = %v", got)
	}
	if got := testutil.ToFloat64(m.Patches.WithLabelValues("unchain")); got != 2 {
		t.Errorf("unchains = %v", got)
	}
}

func TestNilMetricsAreInert(t *testing.T) {
	var m *Metrics
	m.ObserveInstall("amd64", 1, [chain.NumKinds]int{}, 0)
	m.ObserveFailure(errors.Abortf(errors.ReasonUnknown, "x"))
	m.ObserveRegistry(chain.Stats{Hits: 1})
}
