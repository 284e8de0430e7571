// Package detector turns the outcome of periodic liveness probes into a
// coarse connection status.
package detector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fr13n8/h2mux/config"
	"github.com/fr13n8/h2mux/stats"
	"github.com/fr13n8/h2mux/transport"
	"github.com/rs/zerolog/log"
)

// ErrSkip may be returned by a probe to report that it did not run (for
// example because another probe is still outstanding). Skipped probes leave
// the status untouched.
var ErrSkip = errors.New("probe skipped")

// Probe sends one liveness probe and blocks until it is answered, fails, or ctx expires.
type Probe func(ctx context.Context) error

// Detector reports the health of a connection.
type Detector interface {
	Status() transport.Status
	Close()
}

// New builds the detector described by cfg. An invalid cfg is replaced by
// DefaultFailureDetector.
func New(cfg config.FailureDetector, probe Probe, receiver stats.Receiver, clk clock.Clock) Detector {
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("invalid failure detector configuration, using defaults")
		cfg = config.DefaultFailureDetector()
	}
	switch cfg.Kind {
	case config.ThresholdDetector:
		return newThreshold(cfg, probe, receiver, clk)
	default:
		return nullDetector{}
	}
}

type nullDetector struct{}

func (nullDetector) Status() transport.Status { return transport.Open }
func (nullDetector) Close()                   {}

// threshold pings every MinPeriod. A probe that outlives CloseTimeout marks
// the connection Closed for good; a round trip slower than Threshold times
// the slowest of the recent window marks it Busy until a normal one comes in.
type threshold struct {
	cfg   config.FailureDetector
	probe Probe
	clk   clock.Clock

	mu     sync.Mutex
	status transport.Status
	window []time.Duration

	pings      stats.Counter
	closes     stats.Counter
	markedBusy stats.Counter
	revivals   stats.Counter
	rtt        stats.Gauge

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newThreshold(cfg config.FailureDetector, probe Probe, receiver stats.Receiver, clk clock.Clock) *threshold {
	d := &threshold{
		cfg:        cfg,
		probe:      probe,
		clk:        clk,
		status:     transport.Open,
		pings:      receiver.Counter("ping"),
		closes:     receiver.Counter("close"),
		markedBusy: receiver.Counter("marked_busy"),
		revivals:   receiver.Counter("revivals"),
		rtt:        receiver.Gauge("ping_rtt_ms"),
		stop:       make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *threshold) loop() {
	defer d.wg.Done()
	ticker := d.clk.Ticker(d.cfg.MinPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if done := d.check(); done {
				return
			}
		}
	}
}

// check runs a single probe and reports whether the detector reached its
// terminal state.
func (d *threshold) check() bool {
	ctx, cancel := d.clk.WithTimeout(context.Background(), d.cfg.CloseTimeout)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := d.clk.Now()
	err := d.probe(ctx)
	rtt := d.clk.Since(start)

	select {
	case <-d.stop:
		return true
	default:
	}

	switch {
	case errors.Is(err, ErrSkip):
		return false
	case err != nil:
		d.mu.Lock()
		d.status = transport.Closed
		d.mu.Unlock()
		d.closes.Incr(1)
		log.Warn().Err(err).Dur("timeout", d.cfg.CloseTimeout).Msg("liveness probe failed, marking connection closed")
		return true
	}

	d.pings.Incr(1)
	d.rtt.Set(float64(rtt) / float64(time.Millisecond))
	d.observe(rtt)
	return false
}

func (d *threshold) observe(rtt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var worst time.Duration
	for _, w := range d.window {
		worst = max(worst, w)
	}
	d.window = append(d.window, rtt)
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[len(d.window)-d.cfg.WindowSize:]
	}

	busy := worst > 0 && float64(rtt) > d.cfg.Threshold*float64(worst)
	switch {
	case busy && d.status == transport.Open:
		d.status = transport.Busy
		d.markedBusy.Incr(1)
		log.Debug().Dur("rtt", rtt).Dur("worst", worst).Msg("liveness probe slow, marking connection busy")
	case !busy && d.status == transport.Busy:
		d.status = transport.Open
		d.revivals.Incr(1)
	}
}

func (d *threshold) Status() transport.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Close stops probing and waits for an in-flight probe to be abandoned.
func (d *threshold) Close() {
	d.once.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}
