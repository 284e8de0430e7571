package quic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/fr13n8/h2mux/transport"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

// Carrier implements transport.Carrier over QUIC. Each QUIC connection
// carries exactly one bidirectional stream, which becomes the byte pipe.
type Carrier struct {
	tlsConfig  *tls.Config
	quicConfig *quic.Config
}

// NewCarrier creates a new QUIC carrier.
func NewCarrier(tlsConfig *tls.Config) *Carrier {
	return &Carrier{tlsConfig: tlsConfig, quicConfig: qConfig}
}

func (c *Carrier) Dial(ctx context.Context, addr string) (transport.Pipe, error) {
	conn, err := quic.DialAddr(ctx, addr, c.tlsConfig, c.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("could not dial address: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(ApplicationOK, "")
		return nil, fmt.Errorf("could not open stream: %w", err)
	}
	return &Pipe{conn: conn, stream: stream}, nil
}

func (c *Carrier) Listen(ctx context.Context, addr string) (transport.PipeListener, error) {
	listener, err := quic.ListenAddr(addr, c.tlsConfig, c.quicConfig)
	if err != nil {
		return nil, err
	}
	return &Listener{listener: listener}, nil
}

// Pipe wraps a quic.Stream and its connection as a transport.Pipe.
type Pipe struct {
	conn   quic.Connection
	stream quic.Stream
}

func (p *Pipe) Read(b []byte) (int, error) {
	return p.stream.Read(b)
}

func (p *Pipe) Write(b []byte) (int, error) {
	return p.stream.Write(b)
}

// Close closes the stream and then the connection carrying it.
func (p *Pipe) Close() error {
	p.stream.CancelRead(ApplicationOK)
	if err := p.stream.Close(); err != nil {
		log.Debug().Err(err).Msg("could not close quic stream")
	}
	return p.conn.CloseWithError(ApplicationOK, "")
}

func (p *Pipe) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Pipe) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

func (p *Pipe) SetDeadline(t time.Time) error {
	return p.stream.SetDeadline(t)
}

func (p *Pipe) SetReadDeadline(t time.Time) error {
	return p.stream.SetReadDeadline(t)
}

func (p *Pipe) SetWriteDeadline(t time.Time) error {
	return p.stream.SetWriteDeadline(t)
}

// ConnectionState exposes the TLS state of the carrying connection.
func (p *Pipe) ConnectionState() tls.ConnectionState {
	return p.conn.ConnectionState().TLS
}

// Listener wraps a quic.Listener as a transport.PipeListener.
type Listener struct {
	listener *quic.Listener
}

// Accept waits for a connection and its first stream.
func (l *Listener) Accept(ctx context.Context) (transport.Pipe, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	// A peer that never opens its stream must not stall the accept loop.
	streamCtx, cancel := context.WithTimeout(ctx, qConfig.HandshakeIdleTimeout)
	defer cancel()
	stream, err := conn.AcceptStream(streamCtx)
	if err != nil {
		conn.CloseWithError(ApplicationOK, "")
		return nil, fmt.Errorf("could not accept stream: %w", err)
	}
	return &Pipe{conn: conn, stream: stream}, nil
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}
