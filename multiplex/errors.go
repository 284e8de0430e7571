package multiplex

import (
	"errors"
	"fmt"

	"github.com/fr13n8/h2mux/protocol"
)

var (
	// ErrDeadConnection is returned when a stream is requested from a
	// connection that received GOAWAY or lost its read loop.
	ErrDeadConnection = errors.New("connection is dead")
	// ErrStreamIDsExhausted means the connection ran out of client stream ids.
	// A new connection is needed; this is an expected event on long-lived
	// connections.
	ErrStreamIDsExhausted = errors.New("stream ids exhausted")
	// ErrBadStreamID means the allocator produced an id of the wrong parity.
	ErrBadStreamID = errors.New("bad stream id")
	ErrStreamClosed = errors.New("stream closed")
	// ErrRetryableNack is returned when the peer refused the stream before
	// processing it.
	ErrRetryableNack = errors.New("stream refused by peer")
	// ErrNonRetryableNack is returned when the peer asked us to back off.
	ErrNonRetryableNack = errors.New("stream rejected by peer, enhance your calm")
	// ErrPingOutstanding is returned by Ping while another ping is in flight.
	ErrPingOutstanding = errors.New("ping already outstanding")
)

// IsRetryable reports whether the exchange that failed with err can safely be
// sent again, possibly on another connection.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDeadConnection) ||
		errors.Is(err, ErrStreamIDsExhausted) ||
		errors.Is(err, ErrBadStreamID) ||
		errors.Is(err, ErrRetryableNack)
}

func resetError(id uint32, code protocol.ErrCode) error {
	switch code {
	case protocol.RefusedStream:
		return fmt.Errorf("%w: stream %d", ErrRetryableNack, id)
	case protocol.EnhanceYourCalm:
		return fmt.Errorf("%w: stream %d", ErrNonRetryableNack, id)
	default:
		return fmt.Errorf("%w: stream %d reset by peer with %v", ErrStreamClosed, id, code)
	}
}
