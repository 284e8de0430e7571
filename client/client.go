// Package client sends HTTP requests over a single multiplexed connection,
// falling back to one request at a time when the server declines HTTP/2.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fr13n8/h2mux/config"
	"github.com/fr13n8/h2mux/internal/certs"
	"github.com/fr13n8/h2mux/multiplex"
	"github.com/fr13n8/h2mux/protocol"
	"github.com/fr13n8/h2mux/relay"
	"github.com/fr13n8/h2mux/stats"
	"github.com/fr13n8/h2mux/transport"
	"github.com/fr13n8/h2mux/transport/quic"
	"github.com/fr13n8/h2mux/transport/tcp"
	"github.com/fr13n8/h2mux/upgrade"
	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"
)

var DefaultBackoff = wait.Backoff{
	Steps:    5,
	Duration: 100 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

var errFirstExchangeFailed = errors.New("first exchange failed")

// Mode is how the client ended up talking to the server.
type Mode int

const (
	ModeNegotiating Mode = iota
	ModeHTTP1
	ModeHTTP2
)

func (m Mode) String() string {
	switch m {
	case ModeHTTP1:
		return "HTTP/1.1"
	case ModeHTTP2:
		return "HTTP/2"
	default:
		return "negotiating"
	}
}

type Client struct {
	cfg      *config.Config
	receiver stats.Receiver

	// negotiate is held for the whole first exchange on an upgrading
	// connection; later exchanges wait for it to learn the mode.
	negotiate sync.Mutex
	up        *upgrade.Transport

	mu    sync.Mutex
	mode  Mode
	mux   *multiplex.Multiplexer
	pool  *transport.HandlePool[*multiplex.Stream]
	plain transport.Transport[any, any]

	// exchange serialises HTTP/1.1 exchanges.
	exchange sync.Mutex
}

// Dial connects to cfg.Dialer.Address, retrying with exponential backoff.
func Dial(ctx context.Context, cfg *config.Config, receiver stats.Receiver) (*Client, error) {
	if receiver == nil {
		receiver = stats.Null
	}
	carrier, err := newCarrier(cfg.Dialer)
	if err != nil {
		return nil, err
	}

	backoff := DefaultBackoff
	if cfg.Dialer.Retries > 0 {
		backoff.Steps = cfg.Dialer.Retries
	}

	var pipe transport.Pipe
	err = wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Dialer.DialTimeout)
		defer cancel()

		log.Info().Str("address", cfg.Dialer.Address).Str("network", cfg.Dialer.Network).Msg("attempting connection")
		p, err := carrier.Dial(dialCtx, cfg.Dialer.Address)
		if err != nil {
			if relay.IsHostResponded(err) {
				log.Warn().Err(err).Msg("server refused connection")
			} else {
				log.Warn().Err(err).Msg("could not connect")
			}
			return false, nil
		}
		pipe = p
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", cfg.Dialer.Address, err)
	}

	return newClient(pipe, cfg, receiver)
}

func newClient(pipe transport.Pipe, cfg *config.Config, receiver stats.Receiver) (*Client, error) {
	c := &Client{cfg: cfg, receiver: receiver}
	popts := protocolOptions(cfg.Multiplexer)

	if cfg.Dialer.Mode == config.ModePriorKnowledge {
		conn, err := protocol.NewConn(pipe, nil, popts)
		if err != nil {
			pipe.Close()
			return nil, err
		}
		c.useMultiplexer(multiplex.New(conn, c.multiplexOptions()))
		return c, nil
	}

	h1, err := upgrade.NewHTTP1(pipe, popts)
	if err != nil {
		pipe.Close()
		return nil, err
	}
	c.up = upgrade.New(h1, func() (multiplex.Underlying, error) {
		conn, err := protocol.NewConn(h1.Pipe(), h1.Reader(), popts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, c.multiplexOptions())
	return c, nil
}

func newCarrier(cfg config.Dialer) (transport.Carrier, error) {
	switch cfg.Network {
	case config.NetworkQUIC:
		tlsConfig, err := certs.ClientConfig(cfg.TLS, protocol.Name)
		if err != nil {
			return nil, err
		}
		return quic.NewCarrier(tlsConfig), nil
	default:
		var tlsConfig *tls.Config
		if cfg.TLS.Enabled {
			var err error
			if tlsConfig, err = certs.ClientConfig(cfg.TLS, protocol.Name, "http/1.1"); err != nil {
				return nil, err
			}
		}
		return tcp.NewCarrier(tlsConfig), nil
	}
}

func protocolOptions(cfg config.Multiplexer) protocol.Options {
	opts := protocol.DefaultOptions()
	if cfg.StreamWindowSize > 0 {
		opts.StreamWindowSize = cfg.StreamWindowSize
	}
	if cfg.ConnWindowSize > 0 {
		opts.ConnWindowSize = cfg.ConnWindowSize
	}
	return opts
}

func (c *Client) multiplexOptions() multiplex.Options {
	return multiplex.Options{
		Config:   c.cfg.Multiplexer,
		Detector: c.cfg.FailureDetector,
		Stats:    c.receiver,
		Clock:    clock.New(),
	}
}

func (c *Client) useMultiplexer(m *multiplex.Multiplexer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeHTTP2
	c.mux = m
	c.pool = transport.NewHandlePool(c.cfg.Multiplexer.PoolSize, c.cfg.Multiplexer.CloseTimeout, m.NewStream)
}

func (c *Client) usePlain(t transport.Transport[any, any]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeHTTP1
	c.plain = t
}

// Mode reports the negotiated protocol.
func (c *Client) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Multiplexer returns the connection's multiplexer, or nil unless the client
// speaks HTTP/2.
func (c *Client) Multiplexer() *multiplex.Multiplexer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux
}

// Do performs one exchange and buffers the whole response.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	if resp, handled, err := c.doFirst(ctx, req); handled {
		return resp, err
	}

	c.mu.Lock()
	mode, pool, plain := c.mode, c.pool, c.plain
	c.mu.Unlock()

	switch mode {
	case ModeHTTP2:
		return c.doStream(ctx, pool, req)
	case ModeHTTP1:
		c.exchange.Lock()
		defer c.exchange.Unlock()
		return doPlain(ctx, plain, req)
	default:
		return nil, errors.New("upgrade negotiation failed")
	}
}

// doFirst sends req as the upgrade request if the negotiation has not
// happened yet.
func (c *Client) doFirst(ctx context.Context, req *http.Request) (*Response, bool, error) {
	if c.up == nil {
		return nil, false, nil
	}
	c.negotiate.Lock()
	defer c.negotiate.Unlock()
	if c.Mode() != ModeNegotiating {
		return nil, false, nil
	}

	ref := c.up.Ref()
	if err := ref.Write(ctx, req); err != nil {
		return nil, true, err
	}
	msg, err := ref.Read(ctx)
	if err != nil {
		c.settle(ref)
		return nil, true, err
	}

	switch msg := msg.(type) {
	case *http.Response:
		c.usePlain(ref.Load())
		resp, err := fromHTTP1(msg)
		return resp, true, err
	case protocol.Frame:
		outcome, err := c.up.Outcome(ctx)
		if err != nil {
			return nil, true, err
		}
		c.useMultiplexer(outcome.Multiplexer)

		first, err := firstStream(ref)
		if err != nil {
			return nil, true, err
		}
		resp, err := readResponse(ctx, first, 1, &msg)
		c.release(first, err)
		return resp, true, err
	default:
		return nil, true, fmt.Errorf("unexpected message %T during upgrade", msg)
	}
}

// settle adopts the negotiated mode after the first exchange failed. The
// server may have answered the upgrade before the failure, in which case the
// connection is still usable.
func (c *Client) settle(ref *transport.Ref) {
	outcome, err, ok := c.up.Poll()
	if !ok || err != nil {
		return
	}
	if !outcome.Accepted() {
		c.usePlain(ref.Load())
		return
	}
	c.useMultiplexer(outcome.Multiplexer)
	if first, err := firstStream(ref); err == nil {
		c.release(first, errFirstExchangeFailed)
	}
	log.Debug().Str("conn_id", outcome.Multiplexer.ID()).Msg("first exchange failed after upgrade, keeping HTTP/2")
}

func firstStream(ref *transport.Ref) (*multiplex.Stream, error) {
	typed, _ := transport.Unwrap[protocol.Frame, protocol.Frame](ref.Load())
	first, ok := typed.(*multiplex.Stream)
	if !ok {
		return nil, fmt.Errorf("upgrade left %T in place of the first stream", ref.Load())
	}
	return first, nil
}

func (c *Client) doStream(ctx context.Context, pool *transport.HandlePool[*multiplex.Stream], req *http.Request) (*Response, error) {
	s, err := pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not get stream: %w", err)
	}
	if err := writeRequest(ctx, s, req); err != nil {
		c.release(s, err)
		return nil, err
	}
	// The id is fixed once the request is out and until the response ends.
	id := s.ID()
	resp, err := readResponse(ctx, s, id, nil)
	c.release(s, err)
	return resp, err
}

// release returns a stream to the pool after a clean exchange and closes it
// otherwise.
func (c *Client) release(s *multiplex.Stream, err error) {
	if err == nil {
		c.mu.Lock()
		pool := c.pool
		c.mu.Unlock()
		pool.Put(s)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Multiplexer.CloseTimeout)
	defer cancel()
	s.Close(ctx)
}

// Ping measures the round trip of a liveness probe on an HTTP/2 connection.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	m := c.Multiplexer()
	if m == nil {
		return 0, errors.New("ping requires an HTTP/2 connection")
	}
	start := time.Now()
	if err := m.Ping(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Status reports the health of the connection.
func (c *Client) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.mux != nil:
		return c.mux.Status()
	case c.plain != nil:
		return c.plain.Status()
	default:
		return c.up.Status()
	}
}

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	mux, pool, plain := c.mux, c.pool, c.plain
	c.mu.Unlock()

	if pool != nil {
		pool.Drain(ctx)
	}
	switch {
	case mux != nil:
		return mux.Close(ctx)
	case plain != nil:
		return plain.Close(ctx)
	default:
		return c.up.Close(ctx)
	}
}
