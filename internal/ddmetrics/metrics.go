// Package ddmetrics exposes the Collector interface used by the audit and
// snapshot engines, the relocation bus and the supervisor to report
// operational metrics, backed by
// github.com/prometheus/client_golang. Modeled on the reranker strategy
// package's MetricsCollector interface, generalized with gauges.
package ddmetrics

import "github.com/prometheus/client_golang/prometheus"

// Collector is the metrics sink used by the supervisor's subordinates.
type Collector interface {
	IncCounter(name string, labels map[string]string)
	ObserveDuration(name string, labels map[string]string, seconds float64)
	SetGauge(name string, labels map[string]string, value float64)
}

// Prometheus is a Collector backed by a prometheus.Registry. Metric
// families are created lazily and cached by name; label sets must stay
// consistent per name within a process, matching prometheus client
// semantics.
type Prometheus struct {
	registry *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheus creates a Collector registered against reg, or a fresh
// registry if reg is nil.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Prometheus{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Registry exposes the underlying prometheus.Registry for scrape wiring.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (p *Prometheus) IncCounter(name string, labels map[string]string) {
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dd_" + name,
			Help: "data distributor counter: " + name,
		}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	vec.With(labels).Inc()
}

func (p *Prometheus) ObserveDuration(name string, labels map[string]string, seconds float64) {
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dd_" + name + "_seconds",
			Help:    "data distributor duration histogram: " + name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	vec.With(labels).Observe(seconds)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dd_" + name,
			Help: "data distributor gauge: " + name,
		}, labelNames(labels))
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	vec.With(labels).Set(value)
}

// Nop is a Collector that discards everything; useful in tests.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string)                 {}
func (Nop) ObserveDuration(string, map[string]string, float64)   {}
func (Nop) SetGauge(string, map[string]string, float64)          {}
