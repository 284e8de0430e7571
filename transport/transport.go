package transport

import (
	"context"
	"crypto/x509"
	"io"
	"net"
)

// Status is the coarse health of a transport.
type Status int

const (
	Open Status = iota
	Busy
	Closed
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Busy:
		return "busy"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Worst returns the less healthy of two statuses.
func Worst(a, b Status) Status {
	if a > b {
		return a
	}
	return b
}

// Transport is a duplex channel of typed messages.
//
// Read may only have one outstanding call at a time. Close is idempotent and
// Done is closed once the transport is closed for any reason, after which Err
// reports why.
type Transport[In, Out any] interface {
	Write(ctx context.Context, msg In) error
	Read(ctx context.Context) (Out, error)
	Status() Status
	Close(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// PeerCertificate returns the leaf certificate of the remote peer, or nil.
	PeerCertificate() *x509.Certificate
}

// Pipe represents a reliable ordered byte pipe (e.g., a TCP connection or a QUIC stream).
type Pipe interface {
	io.ReadWriteCloser
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// PipeListener represents a listener that accepts Pipe instances.
type PipeListener interface {
	Accept(ctx context.Context) (Pipe, error)
	Close() error
	Addr() net.Addr
}

// Carrier defines the interface for establishing the byte pipes that framed
// transports run over.
type Carrier interface {
	Dial(ctx context.Context, addr string) (Pipe, error)
	Listen(ctx context.Context, addr string) (PipeListener, error)
}
