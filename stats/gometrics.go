package stats

import (
	metrics "github.com/armon/go-metrics"
)

// Metrics forwards to an armon/go-metrics instance, keeping the scope as
// the key path.
type Metrics struct {
	m     *metrics.Metrics
	scope []string
}

func NewMetrics(m *metrics.Metrics) *Metrics {
	return &Metrics{m: m}
}

func (r *Metrics) Scope(name string) Receiver {
	return &Metrics{m: r.m, scope: r.key(name)}
}

func (r *Metrics) Counter(name string) Counter {
	return metricsCounter{m: r.m, key: r.key(name)}
}

func (r *Metrics) Gauge(name string) Gauge {
	return metricsGauge{m: r.m, key: r.key(name)}
}

func (r *Metrics) key(name string) []string {
	return append(append([]string(nil), r.scope...), name)
}

type metricsCounter struct {
	m   *metrics.Metrics
	key []string
}

func (c metricsCounter) Incr(delta float64) {
	c.m.IncrCounter(c.key, float32(delta))
}

type metricsGauge struct {
	m   *metrics.Metrics
	key []string
}

func (g metricsGauge) Set(value float64) {
	g.m.SetGauge(g.key, float32(value))
}
