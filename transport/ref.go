package transport

import (
	"context"
	"crypto/x509"
	"net"
	"sync"
)

// Ref is a swappable indirection over an untyped transport. Callers hold the
// Ref while the negotiation code repoints it at whichever transport won.
//
// A Read that starts before a swap is issued against the old target; the old
// target is expected to forward the call itself (the upgrade transport does).
type Ref struct {
	mu      sync.RWMutex
	current Transport[any, any]
}

func NewRef(t Transport[any, any]) *Ref {
	return &Ref{current: t}
}

// Load returns the current target.
func (r *Ref) Load() Transport[any, any] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Swap repoints the indirection and returns the previous target.
func (r *Ref) Swap(t Transport[any, any]) Transport[any, any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current
	r.current = t
	return old
}

func (r *Ref) Write(ctx context.Context, msg any) error {
	return r.Load().Write(ctx, msg)
}

func (r *Ref) Read(ctx context.Context) (any, error) {
	return r.Load().Read(ctx)
}

func (r *Ref) Status() Status {
	return r.Load().Status()
}

func (r *Ref) Close(ctx context.Context) error {
	return r.Load().Close(ctx)
}

func (r *Ref) Done() <-chan struct{} {
	return r.Load().Done()
}

func (r *Ref) Err() error {
	return r.Load().Err()
}

func (r *Ref) LocalAddr() net.Addr {
	return r.Load().LocalAddr()
}

func (r *Ref) RemoteAddr() net.Addr {
	return r.Load().RemoteAddr()
}

func (r *Ref) PeerCertificate() *x509.Certificate {
	return r.Load().PeerCertificate()
}
