package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/fr13n8/h2mux/transport"
)

// Carrier implements transport.Carrier over TCP, optionally wrapped in TLS.
type Carrier struct {
	tlsConfig *tls.Config // Optional TLS configuration
	dialer    net.Dialer
}

// NewCarrier creates a new TCP carrier. A nil tlsConfig yields cleartext pipes.
func NewCarrier(tlsConfig *tls.Config) *Carrier {
	return &Carrier{tlsConfig: tlsConfig}
}

// Dial establishes a TCP connection.
func (c *Carrier) Dial(ctx context.Context, addr string) (transport.Pipe, error) {
	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		d := &tls.Dialer{NetDialer: &c.dialer, Config: c.tlsConfig}
		conn, err = d.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = c.dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("could not dial address: %w", err)
	}
	return conn, nil
}

// Listen sets up a TCP listener.
func (c *Carrier) Listen(ctx context.Context, addr string) (transport.PipeListener, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if c.tlsConfig != nil {
		listener = tls.NewListener(listener, c.tlsConfig)
	}
	return &Listener{listener: listener}, nil
}

// Listener wraps a net.Listener as a transport.PipeListener.
type Listener struct {
	listener net.Listener
}

func (l *Listener) Accept(ctx context.Context) (transport.Pipe, error) {
	return l.listener.Accept()
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// NetListener exposes the wrapped listener for servers that drive net.Listener directly.
func (l *Listener) NetListener() net.Listener {
	return l.listener
}
