package protocol

import (
	"context"
	"sync"
)

// sendFlow tracks how many DATA bytes the peer is willing to accept, on the
// connection and per stream. Windows are signed: a SETTINGS change may push a
// stream below zero.
type sendFlow struct {
	mu      sync.Mutex
	conn    int64
	initial int64
	streams map[uint32]int64
	// changed is closed and replaced whenever credit arrives.
	changed chan struct{}
}

func newSendFlow() *sendFlow {
	return &sendFlow{
		conn:    initialWindowSize,
		initial: initialWindowSize,
		streams: make(map[uint32]int64),
		changed: make(chan struct{}),
	}
}

// open starts tracking id at the current initial window.
func (f *sendFlow) open(id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streams[id]; !ok {
		f.streams[id] = f.initial
	}
}

func (f *sendFlow) forget(id uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.streams, id)
}

// take waits until both the connection and the stream have credit and claims
// up to want bytes of it.
func (f *sendFlow) take(ctx context.Context, closed <-chan struct{}, id uint32, want int) (int, error) {
	for {
		f.mu.Lock()
		w, ok := f.streams[id]
		if !ok {
			w = f.initial
			f.streams[id] = w
		}
		if avail := min(f.conn, w); avail > 0 {
			n := min(int64(want), avail)
			f.conn -= n
			f.streams[id] = w - n
			f.mu.Unlock()
			return int(n), nil
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-closed:
			return 0, ErrConnClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// add credits a WINDOW_UPDATE. Updates for streams no longer sending are
// dropped.
func (f *sendFlow) add(id uint32, n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == 0 {
		f.conn += int64(n)
	} else if w, ok := f.streams[id]; ok {
		f.streams[id] = w + int64(n)
	} else {
		return
	}
	f.notifyLocked()
}

// setInitial applies a new SETTINGS_INITIAL_WINDOW_SIZE to every open stream.
func (f *sendFlow) setInitial(v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delta := int64(v) - f.initial
	f.initial = int64(v)
	for id, w := range f.streams {
		f.streams[id] = w + delta
	}
	f.notifyLocked()
}

func (f *sendFlow) notifyLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}
