package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var errPoolStopped = errors.New("worker pool stopped")

// WorkerPool runs submitted tasks on a pool that grows from min to max
// workers under load and shrinks back when workers sit idle.
type WorkerPool struct {
	tasks       chan func()
	minWorkers  int
	maxWorkers  int
	idleTimeout time.Duration
	active      atomic.Int32
	wg          sync.WaitGroup
	stop        chan struct{}
	stopOnce    sync.Once
}

func NewWorkerPool(minWorkers, maxWorkers int, idleTimeout time.Duration) *WorkerPool {
	maxWorkers = max(maxWorkers, minWorkers, 1)
	wp := &WorkerPool{
		tasks:       make(chan func()),
		minWorkers:  minWorkers,
		maxWorkers:  maxWorkers,
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	for range minWorkers {
		wp.startWorker()
	}
	return wp
}

// Submit hands task to an idle worker, starting a new one if none is free and
// the pool is below its maximum; otherwise it waits for a worker.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	select {
	case <-wp.stop:
		return errPoolStopped
	case wp.tasks <- task:
		return nil
	default:
	}

	if int(wp.active.Load()) < wp.maxWorkers {
		wp.startWorker()
	}
	select {
	case <-wp.stop:
		return errPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	case wp.tasks <- task:
		return nil
	}
}

// Stop waits for running tasks and stops every worker.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() { close(wp.stop) })
	wp.wg.Wait()
}

// Active returns the number of running workers.
func (wp *WorkerPool) Active() int {
	return int(wp.active.Load())
}

func (wp *WorkerPool) startWorker() {
	wp.active.Add(1)
	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()

		idle := time.NewTimer(wp.idleTimeout)
		defer idle.Stop()
		for {
			select {
			case task := <-wp.tasks:
				task()
				idle.Reset(wp.idleTimeout)
			case <-idle.C:
				if wp.retire() {
					return
				}
				idle.Reset(wp.idleTimeout)
			case <-wp.stop:
				wp.active.Add(-1)
				return
			}
		}
	}()
}

// retire lets an idle worker exit unless the pool would drop below its
// minimum.
func (wp *WorkerPool) retire() bool {
	for {
		n := wp.active.Load()
		if int(n) <= wp.minWorkers {
			return false
		}
		if wp.active.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Result pairs a request with its outcome.
type Result struct {
	Request  *http.Request
	Response *Response
	Err      error
	Duration time.Duration
}

// DoAll runs reqs over the client with at most concurrency exchanges in
// flight. Results are returned in request order.
func (c *Client) DoAll(ctx context.Context, reqs []*http.Request, concurrency int) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	// The first exchange decides the protocol; run it alone so the others
	// can be multiplexed.
	results[0] = c.timedDo(ctx, reqs[0])

	wp := NewWorkerPool(1, concurrency, 30*time.Second)
	defer wp.Stop()

	var wg sync.WaitGroup
	for i := 1; i < len(reqs); i++ {
		wg.Add(1)
		err := wp.Submit(ctx, func() {
			defer wg.Done()
			results[i] = c.timedDo(ctx, reqs[i])
		})
		if err != nil {
			wg.Done()
			results[i] = Result{Request: reqs[i], Err: err}
		}
	}
	wg.Wait()
	return results
}

func (c *Client) timedDo(ctx context.Context, req *http.Request) Result {
	start := time.Now()
	resp, err := c.Do(ctx, req)
	return Result{Request: req, Response: resp, Err: err, Duration: time.Since(start)}
}
