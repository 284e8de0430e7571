package multiplex

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fr13n8/h2mux/protocol"
	"github.com/fr13n8/h2mux/transport"
)

// Stream is a reusable handle for a sequence of exchanges on one connection.
// It carries one exchange at a time and moves on to a fresh stream id once
// it has both sent and received a terminal frame for the current one.
//
// A Stream supports one concurrent reader and one concurrent writer.
type Stream struct {
	m *Multiplexer

	mu              sync.Mutex
	id              uint32
	q               *queue
	started         bool
	finishedWriting bool
	finishedReading bool
	closed          bool
	err             error
	done            chan struct{}
}

// ID returns the stream id of the current exchange.
func (s *Stream) ID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Write sends f on the current exchange. A terminal frame finishes the
// sending side of the exchange.
func (s *Stream) Write(ctx context.Context, f protocol.Frame) error {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return err
	}
	opening := !s.started
	s.started = true
	id := s.id
	s.mu.Unlock()

	var err error
	if opening {
		id, err = s.open(ctx, f)
	} else {
		err = s.m.trans.Write(ctx, protocol.Data{StreamID: id, Frame: f})
	}
	if err != nil {
		return fmt.Errorf("could not write to stream %d: %w", id, err)
	}
	if !f.Terminal() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.id == id {
		s.finishedWriting = true
		s.tryAdvanceLocked()
	}
	return nil
}

// open writes the first frame of an exchange. A stream whose id was
// overtaken by another stream while it sat idle moves to a fresh id first,
// since peers reject streams opened below the highest id seen.
func (s *Stream) open(ctx context.Context, f protocol.Frame) (uint32, error) {
	m := s.m
	m.openMu.Lock()
	defer m.openMu.Unlock()

	s.mu.Lock()
	if s.closed {
		id, err := s.id, s.err
		s.mu.Unlock()
		return id, err
	}
	if s.id <= m.opened {
		if err := s.rebindLocked(); err != nil {
			id := s.id
			s.started = false
			s.retireLocked(fmt.Errorf("%w: %w", ErrStreamClosed, err))
			s.mu.Unlock()
			return id, err
		}
	}
	id := s.id
	s.mu.Unlock()

	m.opened = id
	return id, m.trans.Write(ctx, protocol.Data{StreamID: id, Frame: f})
}

// rebindLocked moves the unopened exchange to the next id, keeping its queue.
// Nothing can have arrived for an id that was never opened. s.mu must be held.
func (s *Stream) rebindLocked() error {
	m := s.m
	m.mu.Lock()
	if m.dead {
		m.mu.Unlock()
		return ErrDeadConnection
	}
	id, err := m.nextIDLocked()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.log.Debug().Uint32("from", s.id).Uint32("to", id).Msg("moving idle stream to a fresh id")
	m.queues.Delete(s.id)
	m.queues.Store(id, s.q)
	s.id = id
	return nil
}

// Read returns the next frame of the current exchange. Cancelling ctx closes
// the stream.
func (s *Stream) Read(ctx context.Context) (protocol.Frame, error) {
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		return protocol.Frame{}, err
	}
	id, q := s.id, s.q
	s.mu.Unlock()

	f, err := q.poll(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			cctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.CloseTimeout)
			defer cancel()
			s.Close(cctx)
		}
		return protocol.Frame{}, err
	}
	if !f.Terminal() {
		return f, nil
	}

	var closeNow bool
	s.mu.Lock()
	if !s.closed && s.id == id {
		s.finishedReading = true
		if s.m.isDead() {
			closeNow = true
		} else {
			s.tryAdvanceLocked()
		}
	}
	s.mu.Unlock()

	if closeNow {
		cctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.CloseTimeout)
		defer cancel()
		s.closeWith(cctx, fmt.Errorf("%w: %w", ErrStreamClosed, ErrDeadConnection))
	}
	return f, nil
}

// tryAdvanceLocked moves the stream to a new id once the current exchange is
// finished in both directions. s.mu must be held.
func (s *Stream) tryAdvanceLocked() {
	if !s.finishedWriting || !s.finishedReading {
		return
	}
	s.finishedWriting = false
	s.finishedReading = false
	s.started = false
	s.m.retire(s.id)

	prev := s.id
	id, q, err := s.m.allocate()
	switch {
	case errors.Is(err, ErrStreamIDsExhausted):
		s.m.log.Info().Uint32("stream_id", prev).Msg("stream ids exhausted, a new connection is required")
	case errors.Is(err, ErrBadStreamID):
		s.m.log.Error().Err(err).Uint32("stream_id", prev).Msg("allocated invalid stream id")
	case err != nil:
		s.m.log.Debug().Err(err).Uint32("stream_id", prev).Msg("could not advance stream")
	default:
		s.id = id
		s.q = q
		return
	}
	s.retireLocked(fmt.Errorf("%w: %w", ErrStreamClosed, err))
}

// retireLocked marks the stream permanently closed without sending a reset
// and fails whatever is waiting on its queue. s.mu must be held.
func (s *Stream) retireLocked(err error) {
	s.closed = true
	s.err = err
	close(s.done)
	s.m.retire(s.id)
	s.m.release(s)
	s.q.fail(err)
}

func (s *Stream) goAway(last uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.id <= last {
		return
	}
	s.started = false
	s.retireLocked(err)
}

// Close retires the stream. If the current exchange has started, a reset is
// sent for it, bounded by ctx; the pending read fails either way.
func (s *Stream) Close(ctx context.Context) error {
	return s.closeWith(ctx, ErrStreamClosed)
}

func (s *Stream) closeWith(ctx context.Context, cause error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.err = cause
	close(s.done)
	id, q, started := s.id, s.q, s.started
	s.mu.Unlock()

	s.m.retire(id)
	s.m.release(s)

	var err error
	if started {
		err = s.sendReset(ctx, id)
	}
	q.fail(cause)
	return err
}

func (s *Stream) sendReset(ctx context.Context, id uint32) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.m.trans.Write(ctx, protocol.Reset{StreamID: id, Code: protocol.Cancel})
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("could not reset stream %d: %w", id, err)
		}
		s.m.resets.Incr(1)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("could not reset stream %d: %w", id, ctx.Err())
	}
}

// Status is Closed once the stream is closed and the connection's status
// otherwise.
func (s *Stream) Status() transport.Status {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.Closed
	}
	return s.m.Status()
}

// Done is closed when the stream is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns why the stream was closed, or nil while it is open.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) LocalAddr() net.Addr                { return s.m.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr               { return s.m.RemoteAddr() }
func (s *Stream) PeerCertificate() *x509.Certificate { return s.m.PeerCertificate() }

var _ transport.Transport[protocol.Frame, protocol.Frame] = (*Stream)(nil)
