package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fr13n8/h2mux/config"
	"github.com/fr13n8/h2mux/stats"
	"github.com/fr13n8/h2mux/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newRecorder() *recorder {
	return &recorder{counts: make(map[string]float64)}
}

func (r *recorder) Scope(string) stats.Receiver { return r }
func (r *recorder) Counter(name string) stats.Counter {
	return recorderMetric{r: r, name: name}
}
func (r *recorder) Gauge(name string) stats.Gauge {
	return recorderMetric{r: r, name: name}
}

func (r *recorder) get(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

type recorderMetric struct {
	r    *recorder
	name string
}

func (m recorderMetric) Incr(delta float64) {
	m.r.mu.Lock()
	m.r.counts[m.name] += delta
	m.r.mu.Unlock()
}

func (m recorderMetric) Set(value float64) {
	m.r.mu.Lock()
	m.r.counts[m.name] = value
	m.r.mu.Unlock()
}

func testConfig() config.FailureDetector {
	return config.FailureDetector{
		Kind: config.ThresholdDetector,
		// Long enough that the background ticker never fires on the mock clock.
		MinPeriod:    time.Hour,
		Threshold:    2,
		WindowSize:   4,
		CloseTimeout: time.Second,
	}
}

func TestNullDetector(t *testing.T) {
	called := false
	d := New(config.FailureDetector{Kind: config.NullDetector}, func(context.Context) error {
		called = true
		return nil
	}, stats.Null, clock.NewMock())
	defer d.Close()

	assert.Equal(t, transport.Open, d.Status())
	assert.False(t, called)
}

func TestInvalidConfigFallsBackToDefaults(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.FailureDetector
	}{
		{name: "zero period", cfg: config.FailureDetector{Kind: config.ThresholdDetector}},
		{name: "unknown kind", cfg: config.FailureDetector{Kind: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(tt.cfg, func(context.Context) error { return nil }, stats.Null, clock.NewMock())
			defer d.Close()

			th, ok := d.(*threshold)
			require.True(t, ok, "got %T", d)
			assert.Equal(t, config.DefaultFailureDetector(), th.cfg)
			assert.Equal(t, transport.Open, d.Status())
		})
	}
}

func TestQuotedNullKindBuildsNullDetector(t *testing.T) {
	d := New(config.FailureDetector{Kind: "null"}, nil, stats.Null, clock.NewMock())
	defer d.Close()
	assert.IsType(t, nullDetector{}, d)
}

func TestThresholdBusyAndRevive(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder()

	var rtt time.Duration
	d := newThreshold(testConfig(), func(context.Context) error {
		mock.Add(rtt)
		return nil
	}, rec, mock)
	defer d.Close()

	steps := []struct {
		rtt  time.Duration
		want transport.Status
	}{
		{rtt: 10 * time.Millisecond, want: transport.Open},
		{rtt: 10 * time.Millisecond, want: transport.Open},
		{rtt: 100 * time.Millisecond, want: transport.Busy},
		{rtt: 10 * time.Millisecond, want: transport.Open},
	}
	for i, step := range steps {
		rtt = step.rtt
		require.False(t, d.check(), "step %d", i)
		assert.Equal(t, step.want, d.Status(), "step %d", i)
	}

	assert.Equal(t, 4.0, rec.get("ping"))
	assert.Equal(t, 1.0, rec.get("marked_busy"))
	assert.Equal(t, 1.0, rec.get("revivals"))
	assert.Equal(t, 10.0, rec.get("ping_rtt_ms"))
}

func TestThresholdWindowForgetsOldSamples(t *testing.T) {
	mock := clock.NewMock()
	cfg := testConfig()
	cfg.WindowSize = 1

	var rtt time.Duration
	d := newThreshold(cfg, func(context.Context) error {
		mock.Add(rtt)
		return nil
	}, stats.Null, mock)
	defer d.Close()

	for _, r := range []time.Duration{100 * time.Millisecond, 10 * time.Millisecond, 30 * time.Millisecond} {
		rtt = r
		d.check()
	}
	// 30ms is more than twice the only remembered sample (10ms).
	assert.Equal(t, transport.Busy, d.Status())
}

func TestThresholdProbeTimeoutCloses(t *testing.T) {
	mock := clock.NewMock()
	rec := newRecorder()
	cfg := testConfig()

	d := newThreshold(cfg, func(ctx context.Context) error {
		mock.Add(cfg.CloseTimeout + time.Second)
		<-ctx.Done()
		return ctx.Err()
	}, rec, mock)
	defer d.Close()

	assert.True(t, d.check())
	assert.Equal(t, transport.Closed, d.Status())
	assert.Equal(t, 1.0, rec.get("close"))
}

func TestThresholdSkippedProbeKeepsStatus(t *testing.T) {
	d := newThreshold(testConfig(), func(context.Context) error {
		return ErrSkip
	}, stats.Null, clock.NewMock())
	defer d.Close()

	assert.False(t, d.check())
	assert.Equal(t, transport.Open, d.Status())
}

func TestThresholdProbeFailureIsTerminal(t *testing.T) {
	fail := true
	d := newThreshold(testConfig(), func(context.Context) error {
		if fail {
			return errors.New("connection reset")
		}
		return nil
	}, stats.Null, clock.NewMock())
	defer d.Close()

	assert.True(t, d.check())
	fail = false
	d.check()
	assert.Equal(t, transport.Closed, d.Status())
}

func TestThresholdCloseAbandonsProbe(t *testing.T) {
	started := make(chan struct{})
	d := newThreshold(testConfig(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, stats.Null, clock.NewMock())

	result := make(chan bool, 1)
	go func() { result <- d.check() }()
	<-started
	d.Close()

	assert.True(t, <-result)
	assert.Equal(t, transport.Open, d.Status())
}
