// Package future provides a value delivered later by a process which can fail.
//
// The multiplexer uses it for results that are produced by its read loop and
// consumed by callers blocked elsewhere: ping acknowledgements, close
// notifications and the upgrade outcome.
package future

import (
	"context"
	"sync"
)

// Future represents a value of type T which will be delivered by some process which can fail.
type Future[T any] struct {
	x    T
	err  error
	once sync.Once
	done chan struct{}
}

func New[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// Succeed resolves the future with x. It returns false if the future was already resolved.
func (f *Future[T]) Succeed(x T) (ret bool) {
	f.once.Do(func() {
		ret = true
		f.x = x
		close(f.done)
	})
	return ret
}

// Fail resolves the future with err. It returns false if the future was already resolved.
func (f *Future[T]) Fail(err error) (ret bool) {
	f.once.Do(func() {
		ret = true
		f.err = err
		close(f.done)
	})
	return ret
}

// Await blocks until the future has completed or ctx expires.
func (f *Future[T]) Await(ctx context.Context) (ret T, _ error) {
	select {
	case <-ctx.Done():
		return ret, ctx.Err()
	case <-f.done:
		return f.x, f.err
	}
}

// Done returns a channel that is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Poll returns the result without blocking. ok is false while the future is pending.
func (f *Future[T]) Poll() (x T, err error, ok bool) {
	select {
	case <-f.done:
		return f.x, f.err, true
	default:
		return x, nil, false
	}
}

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
