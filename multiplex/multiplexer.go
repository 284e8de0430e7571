// Package multiplex runs many request/response exchanges over one framed
// connection.
//
// A Multiplexer owns the connection and a read loop that sorts inbound
// messages into per-stream queues. Callers hold Streams, reusable handles
// that move on to a fresh stream id once both directions of the current
// exchange have finished.
package multiplex

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fr13n8/h2mux/config"
	"github.com/fr13n8/h2mux/detector"
	"github.com/fr13n8/h2mux/internal/future"
	"github.com/fr13n8/h2mux/protocol"
	"github.com/fr13n8/h2mux/relay"
	"github.com/fr13n8/h2mux/stats"
	"github.com/fr13n8/h2mux/transport"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Underlying is the framed connection a Multiplexer runs over.
type Underlying = transport.Transport[protocol.Message, protocol.Message]

type Options struct {
	Config   config.Multiplexer
	Detector config.FailureDetector
	// Stats receives stream and failure detector metrics. Defaults to
	// stats.Null.
	Stats stats.Receiver
	// Clock drives the failure detector. Defaults to the wall clock.
	Clock clock.Clock
}

func DefaultOptions() Options {
	return Options{
		Config: config.Multiplexer{
			CloseTimeout: time.Second,
		},
		Detector: config.FailureDetector{Kind: config.NullDetector},
		Stats:    stats.Null,
		Clock:    clock.New(),
	}
}

type Multiplexer struct {
	trans Underlying
	cfg   config.Multiplexer
	id    string
	log   zerolog.Logger

	// queues maps a stream id to its *queue.
	queues sync.Map

	// openMu orders the frames that open exchanges so that stream ids appear
	// on the wire in increasing order. opened is the highest id opened so far.
	openMu sync.Mutex
	opened uint32

	mu     sync.Mutex
	nextID uint64
	dead   bool
	live   map[*Stream]struct{}
	ping   *future.Future[struct{}]

	detector detector.Detector
	loopDone chan struct{}

	streamIDs   stats.Counter
	resets      stats.Counter
	liveStreams stats.Gauge
}

// New takes ownership of trans and starts reading from it.
func New(trans Underlying, opts Options) *Multiplexer {
	if opts.Stats == nil {
		opts.Stats = stats.Null
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Config.CloseTimeout <= 0 {
		opts.Config.CloseTimeout = time.Second
	}

	id := shortuuid.New()
	scope := opts.Stats.Scope("multiplexer")
	m := &Multiplexer{
		trans:       trans,
		cfg:         opts.Config,
		id:          id,
		log:         log.With().Str("conn_id", id).Logger(),
		nextID:      1,
		live:        make(map[*Stream]struct{}),
		loopDone:    make(chan struct{}),
		streamIDs:   scope.Counter("stream_ids"),
		resets:      scope.Counter("resets_sent"),
		liveStreams: scope.Gauge("live_streams"),
	}
	m.detector = detector.New(opts.Detector, m.probe, opts.Stats.Scope("failure_detector"), opts.Clock)

	m.log.Debug().
		Str("remote_addr", addrString(trans.RemoteAddr())).
		Str("detector", opts.Detector.Kind).
		Msg("multiplexer started")

	go m.readLoop()
	return m
}

// ID returns the short connection id used in logs.
func (m *Multiplexer) ID() string {
	return m.id
}

// First returns a stream for an exchange whose request was already sent
// before multiplexing began, so it only waits for the response.
func (m *Multiplexer) First() *Stream {
	s, err := m.register(true)
	if err == nil {
		m.openMu.Lock()
		m.opened = max(m.opened, s.id)
		m.openMu.Unlock()
	} else {
		// Only reachable when the connection died before anything was read;
		// the stream is returned closed so its reads fail with err.
		s = &Stream{m: m, done: make(chan struct{}), closed: true, err: err}
		close(s.done)
	}
	return s
}

// NewStream allocates a stream at the next client stream id.
func (m *Multiplexer) NewStream() (*Stream, error) {
	return m.register(false)
}

func (m *Multiplexer) register(first bool) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dead {
		return nil, ErrDeadConnection
	}
	id, q, err := m.allocateLocked()
	if err != nil {
		return nil, err
	}

	s := &Stream{
		m:               m,
		id:              id,
		q:               q,
		started:         first,
		finishedWriting: first,
		done:            make(chan struct{}),
	}
	m.live[s] = struct{}{}
	m.liveStreams.Set(float64(len(m.live)))
	return s, nil
}

// allocate hands out the next stream id together with its queue.
func (m *Multiplexer) allocate() (uint32, *queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		return 0, nil, ErrDeadConnection
	}
	return m.allocateLocked()
}

func (m *Multiplexer) allocateLocked() (uint32, *queue, error) {
	id, err := m.nextIDLocked()
	if err != nil {
		return 0, nil, err
	}
	return id, m.queue(id), nil
}

func (m *Multiplexer) nextIDLocked() (uint32, error) {
	next := m.nextID
	if next > protocol.MaxStreamID {
		return 0, ErrStreamIDsExhausted
	}
	m.nextID += 2
	if next%2 != 1 {
		return 0, fmt.Errorf("%w: %d is not a client stream id", ErrBadStreamID, next)
	}
	m.streamIDs.Incr(1)
	return uint32(next), nil
}

// queue returns the queue for id, creating it if this is the first reference.
func (m *Multiplexer) queue(id uint32) *queue {
	if q, ok := m.queues.Load(id); ok {
		return q.(*queue)
	}
	q, _ := m.queues.LoadOrStore(id, newQueue())
	return q.(*queue)
}

func (m *Multiplexer) retire(id uint32) {
	m.queues.Delete(id)
}

func (m *Multiplexer) release(s *Stream) {
	m.mu.Lock()
	delete(m.live, s)
	m.liveStreams.Set(float64(len(m.live)))
	m.mu.Unlock()
}

func (m *Multiplexer) isDead() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dead
}

// NumStreams returns the number of streams that have not been closed.
func (m *Multiplexer) NumStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Ping sends a liveness probe and waits for its acknowledgement. Only one
// ping may be outstanding; a concurrent call fails with ErrPingOutstanding.
// A caller that gives up through ctx leaves the slot taken until the
// acknowledgement arrives or the connection fails.
func (m *Multiplexer) Ping(ctx context.Context) error {
	m.mu.Lock()
	if m.ping != nil {
		m.mu.Unlock()
		return ErrPingOutstanding
	}
	p := future.New[struct{}]()
	m.ping = p
	m.mu.Unlock()

	if err := m.trans.Write(ctx, protocol.Ping{}); err != nil {
		m.resolvePing(p, err)
		return fmt.Errorf("could not send ping: %w", err)
	}
	_, err := p.Await(ctx)
	return err
}

// resolvePing completes the outstanding ping. When want is non-nil only that
// ping is resolved.
func (m *Multiplexer) resolvePing(want *future.Future[struct{}], err error) {
	m.mu.Lock()
	p := m.ping
	if p == nil || (want != nil && p != want) {
		m.mu.Unlock()
		return
	}
	m.ping = nil
	m.mu.Unlock()

	if err != nil {
		p.Fail(err)
		return
	}
	p.Succeed(struct{}{})
}

func (m *Multiplexer) probe(ctx context.Context) error {
	err := m.Ping(ctx)
	if errors.Is(err, ErrPingOutstanding) {
		return fmt.Errorf("%w: %w", detector.ErrSkip, err)
	}
	return err
}

func (m *Multiplexer) readLoop() {
	defer close(m.loopDone)
	for {
		msg, err := m.trans.Read(context.Background())
		if err != nil {
			m.fail(err)
			return
		}
		m.dispatch(msg)
	}
}

func (m *Multiplexer) dispatch(msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.Data:
		q, ok := m.inboundQueue(msg.StreamID)
		if !ok || !q.offer(msg.Frame) {
			m.log.Debug().Uint32("stream_id", msg.StreamID).Msg("dropping data for retired stream")
		}
	case protocol.GoAway:
		m.goAway(msg.LastStreamID)
	case protocol.Reset:
		if q, ok := m.queues.Load(msg.StreamID); ok {
			q.(*queue).fail(resetError(msg.StreamID, msg.Code))
		}
	case protocol.Ping:
		m.resolvePing(nil, nil)
	default:
		m.log.Warn().Str("message", fmt.Sprintf("%T", msg)).Msg("dropping unknown message")
	}
}

// inboundQueue finds the queue for a stream the peer sent data on. Ids below
// the allocation counter without a queue belong to retired streams.
func (m *Multiplexer) inboundQueue(id uint32) (*queue, bool) {
	if q, ok := m.queues.Load(id); ok {
		return q.(*queue), true
	}
	m.mu.Lock()
	retired := uint64(id) < m.nextID
	m.mu.Unlock()
	if retired {
		return nil, false
	}
	return m.queue(id), true
}

func (m *Multiplexer) goAway(last uint32) {
	m.mu.Lock()
	m.dead = true
	streams := make([]*Stream, 0, len(m.live))
	for s := range m.live {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	m.log.Info().Uint32("last_stream_id", last).Int("streams", len(streams)).Msg("peer sent GOAWAY")

	err := fmt.Errorf("%w: peer went away after stream %d", ErrStreamClosed, last)
	for _, s := range streams {
		s.goAway(last, err)
	}
}

// fail tears the connection down after the read loop stopped.
func (m *Multiplexer) fail(err error) {
	if relay.IsOKNetworkError(err) || errors.Is(err, protocol.ErrConnClosed) {
		m.log.Debug().Err(err).Msg("connection closed")
	} else {
		m.log.Error().Err(err).Msg("connection read failed")
	}

	m.mu.Lock()
	m.dead = true
	m.mu.Unlock()

	m.queues.Range(func(id, q any) bool {
		q.(*queue).fail(err)
		m.queues.Delete(id)
		return true
	})
	m.resolvePing(nil, err)
	m.detector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CloseTimeout)
	defer cancel()
	if cerr := m.trans.Close(ctx); cerr != nil {
		m.log.Debug().Err(cerr).Msg("could not close connection")
	}
}

// Status reports the failure detector's view of the connection, or Closed once
// the connection itself is closed.
func (m *Multiplexer) Status() transport.Status {
	s := m.trans.Status()
	if s == transport.Closed {
		return transport.Closed
	}
	return transport.Worst(s, m.detector.Status())
}

// Close closes the connection and waits for the read loop to wind down, at
// most until ctx expires.
func (m *Multiplexer) Close(ctx context.Context) error {
	m.detector.Close()
	err := m.trans.Close(ctx)
	select {
	case <-m.loopDone:
	case <-ctx.Done():
	}
	return err
}

func (m *Multiplexer) Done() <-chan struct{}              { return m.trans.Done() }
func (m *Multiplexer) Err() error                         { return m.trans.Err() }
func (m *Multiplexer) LocalAddr() net.Addr                { return m.trans.LocalAddr() }
func (m *Multiplexer) RemoteAddr() net.Addr               { return m.trans.RemoteAddr() }
func (m *Multiplexer) PeerCertificate() *x509.Certificate { return m.trans.PeerCertificate() }

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
