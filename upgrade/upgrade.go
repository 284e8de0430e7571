// Package upgrade negotiates whether a connection that starts out speaking
// HTTP/1.1 switches to multiplexed HTTP/2.
package upgrade

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fr13n8/h2mux/internal/future"
	"github.com/fr13n8/h2mux/multiplex"
	"github.com/fr13n8/h2mux/protocol"
	"github.com/fr13n8/h2mux/transport"
	"github.com/rs/zerolog/log"
)

// ErrClosedWhileUpgrading is the outcome of a negotiation cut short by Close.
var ErrClosedWhileUpgrading = errors.New("closed while upgrading")

// Marker is read from the plain transport in place of a message once the
// peer has answered the upgrade request.
type Marker int

const (
	// Rejected is followed on the plain transport by the peer's actual
	// response to the first request.
	Rejected Marker = iota + 1
	// Accepted means the bytes that follow are HTTP/2 frames.
	Accepted
)

func (m Marker) String() string {
	switch m {
	case Rejected:
		return "rejected"
	case Accepted:
		return "accepted"
	default:
		return fmt.Sprintf("marker(%d)", int(m))
	}
}

// Outcome is the result of a negotiation. Multiplexer is nil when the peer
// rejected the upgrade.
type Outcome struct {
	Multiplexer *multiplex.Multiplexer
}

func (o Outcome) Accepted() bool {
	return o.Multiplexer != nil
}

// Dialer reinterprets the connection as a framed HTTP/2 transport after the
// peer accepted the upgrade.
type Dialer func() (multiplex.Underlying, error)

// Transport fronts the plain transport for the duration of the negotiation.
// Callers use Ref, which the Transport repoints at the plain transport on
// rejection or at the multiplexer's first stream on acceptance.
type Transport struct {
	plain transport.Transport[any, any]
	ref   *transport.Ref
	dial  Dialer
	opts  multiplex.Options

	// mu orders outcome resolution between Read and Close.
	mu      sync.Mutex
	outcome *future.Future[Outcome]
}

func New(plain transport.Transport[any, any], dial Dialer, opts multiplex.Options) *Transport {
	t := &Transport{
		plain:   plain,
		dial:    dial,
		opts:    opts,
		outcome: future.New[Outcome](),
	}
	t.ref = transport.NewRef(t)
	return t
}

// Ref returns the indirection callers should read from and write to.
func (t *Transport) Ref() *transport.Ref {
	return t.ref
}

// Outcome waits for the negotiation to finish.
func (t *Transport) Outcome(ctx context.Context) (Outcome, error) {
	return t.outcome.Await(ctx)
}

// Poll reports the outcome if the negotiation has finished.
func (t *Transport) Poll() (Outcome, error, bool) {
	return t.outcome.Poll()
}

func (t *Transport) Write(ctx context.Context, msg any) error {
	return t.plain.Write(ctx, msg)
}

// Read returns the next message of the plain transport. When it yields a
// Marker the negotiation is resolved, Ref is repointed, and the read is
// answered by the new target.
func (t *Transport) Read(ctx context.Context) (any, error) {
	msg, err := t.plain.Read(ctx)
	if err != nil {
		return nil, err
	}

	marker, ok := msg.(Marker)
	if !ok {
		return msg, nil
	}

	switch marker {
	case Rejected:
		if err := t.reject(); err != nil {
			return nil, err
		}
	case Accepted:
		if err := t.accept(); err != nil {
			return nil, err
		}
	default:
		return msg, nil
	}
	return t.ref.Read(ctx)
}

func (t *Transport) reject() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.outcome.Succeed(Outcome{}) {
		return ErrClosedWhileUpgrading
	}
	t.ref.Swap(t.plain)
	log.Debug().Str("remote_addr", t.plain.RemoteAddr().String()).Msg("upgrade rejected, staying on HTTP/1.1")
	return nil
}

func (t *Transport) accept() error {
	if t.outcome.IsDone() {
		return ErrClosedWhileUpgrading
	}
	// Dialing writes the client preface, which may block until Close shuts
	// the pipe, so it runs outside mu.
	under, err := t.dial()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("could not start HTTP/2 after upgrade: %w", err)
		if !t.outcome.Fail(err) {
			return ErrClosedWhileUpgrading
		}
		return err
	}
	if t.outcome.IsDone() {
		under.Close(context.Background())
		return ErrClosedWhileUpgrading
	}

	m := multiplex.New(under, t.opts)
	t.outcome.Succeed(Outcome{Multiplexer: m})
	t.ref.Swap(transport.Untyped[protocol.Frame, protocol.Frame](m.First()))
	log.Debug().Str("conn_id", m.ID()).Msg("upgrade accepted, multiplexing")
	return nil
}

// Close aborts a pending negotiation with ErrClosedWhileUpgrading and closes
// the connection.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	t.outcome.Fail(ErrClosedWhileUpgrading)
	t.mu.Unlock()

	if o, err, _ := t.outcome.Poll(); err == nil && o.Accepted() {
		return o.Multiplexer.Close(ctx)
	}
	return t.plain.Close(ctx)
}

func (t *Transport) Status() transport.Status           { return t.plain.Status() }
func (t *Transport) Done() <-chan struct{}              { return t.plain.Done() }
func (t *Transport) Err() error                         { return t.plain.Err() }
func (t *Transport) LocalAddr() net.Addr                { return t.plain.LocalAddr() }
func (t *Transport) RemoteAddr() net.Addr               { return t.plain.RemoteAddr() }
func (t *Transport) PeerCertificate() *x509.Certificate { return t.plain.PeerCertificate() }

var _ transport.Transport[any, any] = (*Transport)(nil)
