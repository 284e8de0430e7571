package stats

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// Prometheus registers a counter or gauge per distinct scoped name. Scopes are
// joined with underscores to form the metric name.
type Prometheus struct {
	registerer prometheus.Registerer
	namespace  string
	scope      []string
}

func NewPrometheus(registerer prometheus.Registerer, namespace string) *Prometheus {
	return &Prometheus{registerer: registerer, namespace: namespace}
}

func (p *Prometheus) Scope(name string) Receiver {
	scope := append(append([]string(nil), p.scope...), name)
	return &Prometheus{registerer: p.registerer, namespace: p.namespace, scope: scope}
}

func (p *Prometheus) Counter(name string) Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Subsystem: strings.Join(p.scope, "_"),
		Name:      name,
		Help:      "h2mux counter " + name,
	})
	if err := p.registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return promCounter{existing}
			}
		}
		log.Warn().Err(err).Str("counter", name).Msg("could not register counter")
	}
	return promCounter{c}
}

func (p *Prometheus) Gauge(name string) Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Subsystem: strings.Join(p.scope, "_"),
		Name:      name,
		Help:      "h2mux gauge " + name,
	})
	if err := p.registerer.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
		log.Warn().Err(err).Str("gauge", name).Msg("could not register gauge")
	}
	return g
}

type promCounter struct {
	prometheus.Counter
}

func (c promCounter) Incr(delta float64) {
	c.Add(delta)
}
