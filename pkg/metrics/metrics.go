// Package metrics defines the metrics-collection contract used across
// replicore, plus a Prometheus-backed implementation exposed by the admin
// HTTP surface.
package metrics

// Collector captures counters, gauges and histograms, labeled per call so
// callers don't need to pre-declare every label combination.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Noop discards every observation; useful for tests that don't care about
// metrics.
type Noop struct{}

func (Noop) IncCounter(string, map[string]string, float64)       {}
func (Noop) SetGauge(string, map[string]string, float64)         {}
func (Noop) ObserveHistogram(string, map[string]string, float64) {}

var _ Collector = Noop{}
