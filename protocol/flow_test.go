package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendFlowTake(t *testing.T) {
	ctx := context.Background()
	f := newSendFlow()
	f.setInitial(100)
	f.open(1)

	n, err := f.take(ctx, nil, 1, 60)
	require.NoError(t, err)
	assert.Equal(t, 60, n)

	n, err = f.take(ctx, nil, 1, 60)
	require.NoError(t, err)
	assert.Equal(t, 40, n, "limited by the stream window")

	done := make(chan int, 1)
	go func() {
		n, _ := f.take(ctx, nil, 1, 60)
		done <- n
	}()
	select {
	case <-done:
		t.Fatal("took credit from an empty window")
	case <-time.After(50 * time.Millisecond):
	}
	f.add(1, 25)
	assert.Equal(t, 25, <-done)
}

func TestSendFlowConnectionWindow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := newSendFlow()
	f.setInitial(1 << 20)

	n, err := f.take(ctx, nil, 1, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, initialWindowSize, n)

	_, err = f.take(ctx, nil, 3, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendFlowSettingsShrinkOpenStreams(t *testing.T) {
	f := newSendFlow()
	f.open(1)
	_, err := f.take(context.Background(), nil, 1, 1000)
	require.NoError(t, err)

	f.setInitial(500)
	assert.Equal(t, int64(-500), f.streams[1])

	f.forget(1)
	f.add(1, 10)
	_, tracked := f.streams[1]
	assert.False(t, tracked, "updates for forgotten streams are dropped")
}

func TestSendFlowClosed(t *testing.T) {
	f := newSendFlow()
	f.setInitial(0)
	closed := make(chan struct{})
	close(closed)
	_, err := f.take(context.Background(), closed, 1, 1)
	assert.ErrorIs(t, err, ErrConnClosed)
}
