package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Collector backed by dynamically-registered
// github.com/prometheus/client_golang vector metrics, keyed by metric name
// and the sorted set of label keys used on first observation.
type Prometheus struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheus creates a Collector registered against registry.
func NewPrometheus(registry *prometheus.Registry) *Prometheus {
	return &Prometheus{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := labelKeys(labels)
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	vec.With(labels).Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := labelKeys(labels)
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, keys)
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	vec.With(labels).Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := labelKeys(labels)
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name}, keys)
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	vec.With(labels).Observe(value)
}

var _ Collector = (*Prometheus)(nil)
