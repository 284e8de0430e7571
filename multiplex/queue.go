package multiplex

import (
	"context"
	"sync"

	"github.com/fr13n8/h2mux/protocol"
)

// queue is an unbounded single-producer single-consumer queue of frames. Only
// the read loop offers; only the owning stream polls.
type queue struct {
	mu     sync.Mutex
	frames []protocol.Frame
	err    error
	ready  chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

// offer appends f. It returns false once the queue has failed.
func (q *queue) offer(f protocol.Frame) bool {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	q.notify()
	return true
}

// fail discards buffered frames and makes every later poll return err. Only
// the first failure is kept.
func (q *queue) fail(err error) {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return
	}
	q.err = err
	q.frames = nil
	q.mu.Unlock()
	q.notify()
}

func (q *queue) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// poll blocks until a frame is available, the queue fails, or ctx is done.
func (q *queue) poll(ctx context.Context) (protocol.Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = protocol.Frame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, nil
		}
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return protocol.Frame{}, err
		}

		select {
		case <-ctx.Done():
			return protocol.Frame{}, ctx.Err()
		case <-q.ready:
		}
	}
}
