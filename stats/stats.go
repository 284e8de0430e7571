// Package stats provides a hierarchical named-counter sink.
//
// Components scope a receiver to their own namespace and ask it for counters
// and gauges by name; the backend decides how names are flattened.
package stats

type Counter interface {
	Incr(delta float64)
}

type Gauge interface {
	Set(value float64)
}

// Receiver hands out counters and gauges under a namespace.
type Receiver interface {
	Scope(name string) Receiver
	Counter(name string) Counter
	Gauge(name string) Gauge
}

// Null discards everything.
var Null Receiver = nullReceiver{}

type nullReceiver struct{}

func (nullReceiver) Scope(string) Receiver  { return nullReceiver{} }
func (nullReceiver) Counter(string) Counter { return nullMetric{} }
func (nullReceiver) Gauge(string) Gauge     { return nullMetric{} }

type nullMetric struct{}

func (nullMetric) Incr(float64) {}
func (nullMetric) Set(float64)  {}
