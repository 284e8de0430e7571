package transport

import (
	"context"
	"time"
)

// Handle is a reusable per-exchange transport that reports its own health.
type Handle interface {
	Status() Status
	Close(ctx context.Context) error
}

// HandlePool keeps idle handles around so a later exchange can reuse them
// instead of allocating a fresh one.
type HandlePool[H Handle] struct {
	handles      chan H
	open         func() (H, error)
	closeTimeout time.Duration
}

func NewHandlePool[H Handle](size int, closeTimeout time.Duration, open func() (H, error)) *HandlePool[H] {
	return &HandlePool[H]{
		handles:      make(chan H, size),
		open:         open,
		closeTimeout: closeTimeout,
	}
}

// Get returns an idle handle, or opens a new one if the pool is empty.
func (p *HandlePool[H]) Get(ctx context.Context) (H, error) {
	for {
		select {
		case h := <-p.handles:
			if h.Status() == Closed {
				continue
			}
			return h, nil
		case <-ctx.Done():
			var zero H
			return zero, ctx.Err()
		default:
			return p.open()
		}
	}
}

// Put returns a handle to the pool. Closed handles are dropped and handles
// that do not fit are closed.
func (p *HandlePool[H]) Put(h H) {
	if h.Status() == Closed {
		return
	}
	select {
	case p.handles <- h:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), p.closeTimeout)
		defer cancel()
		h.Close(ctx)
	}
}

// Len returns the number of idle handles.
func (p *HandlePool[H]) Len() int {
	return len(p.handles)
}

// Drain closes every idle handle.
func (p *HandlePool[H]) Drain(ctx context.Context) {
	for {
		select {
		case h := <-p.handles:
			h.Close(ctx)
		default:
			return
		}
	}
}
