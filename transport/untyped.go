package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
)

// Untyped adapts a typed transport to Transport[any, any]. Writes of a value
// that is not an In fail without touching the wrapped transport.
func Untyped[In, Out any](t Transport[In, Out]) Transport[any, any] {
	return &untyped[In, Out]{t: t}
}

type untyped[In, Out any] struct {
	t Transport[In, Out]
}

func (u *untyped[In, Out]) Write(ctx context.Context, msg any) error {
	m, ok := msg.(In)
	if !ok {
		var want In
		return fmt.Errorf("unexpected message type %T, want %T", msg, want)
	}
	return u.t.Write(ctx, m)
}

func (u *untyped[In, Out]) Read(ctx context.Context) (any, error) {
	return u.t.Read(ctx)
}

func (u *untyped[In, Out]) Status() Status                     { return u.t.Status() }
func (u *untyped[In, Out]) Close(ctx context.Context) error    { return u.t.Close(ctx) }
func (u *untyped[In, Out]) Done() <-chan struct{}              { return u.t.Done() }
func (u *untyped[In, Out]) Err() error                         { return u.t.Err() }
func (u *untyped[In, Out]) LocalAddr() net.Addr                { return u.t.LocalAddr() }
func (u *untyped[In, Out]) RemoteAddr() net.Addr               { return u.t.RemoteAddr() }
func (u *untyped[In, Out]) PeerCertificate() *x509.Certificate { return u.t.PeerCertificate() }

// Unwrap returns the typed transport behind an Untyped adapter.
func Unwrap[In, Out any](t Transport[any, any]) (Transport[In, Out], bool) {
	u, ok := t.(*untyped[In, Out])
	if !ok {
		return nil, false
	}
	return u.t, true
}
