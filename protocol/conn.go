package protocol

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fr13n8/h2mux/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// ErrConnClosed is returned by operations on a closed Conn.
var ErrConnClosed = errors.New("connection closed")

const (
	defaultMaxFrameSize = 16 << 10
	initialWindowSize   = 65535
)

// Options tune the framed connection.
type Options struct {
	// StreamWindowSize is advertised as SETTINGS_INITIAL_WINDOW_SIZE.
	StreamWindowSize uint32
	// ConnWindowSize is the connection-level receive window.
	ConnWindowSize uint32
	// MaxHeaderListSize bounds decoded header blocks.
	MaxHeaderListSize uint32
}

func DefaultOptions() Options {
	return Options{
		StreamWindowSize:  1 << 20,
		ConnWindowSize:    4 << 20,
		MaxHeaderListSize: 1 << 20,
	}
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

type tlsConn interface {
	ConnectionState() tls.ConnectionState
}

// Conn is the client side of an HTTP/2 connection presented as a duplex
// channel of Messages. It writes the connection preface on creation, answers
// SETTINGS and PING requests from the peer on its own and keeps the receive
// windows open. DATA is sent only as far as the peer's send windows allow.
type Conn struct {
	pipe transport.Pipe
	fr   *http2.Framer

	wmu  sync.Mutex // guards writes, henc and hbuf
	henc *hpack.Encoder
	hbuf bytes.Buffer

	peerMaxFrameSize atomic.Uint32
	flow             *sendFlow

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// NewConn starts an HTTP/2 connection over pipe. Frames are read from r when
// it is non-nil so bytes already buffered by an HTTP/1.1 upgrade are not lost.
func NewConn(pipe transport.Pipe, r io.Reader, opts Options) (*Conn, error) {
	if r == nil {
		r = pipe
	}
	fr := http2.NewFramer(pipe, r)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	fr.MaxHeaderListSize = opts.MaxHeaderListSize

	c := &Conn{
		pipe: pipe,
		fr:   fr,
		flow: newSendFlow(),
		done: make(chan struct{}),
	}
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.peerMaxFrameSize.Store(defaultMaxFrameSize)

	if _, err := io.WriteString(pipe, http2.ClientPreface); err != nil {
		return nil, fmt.Errorf("could not write client preface: %w", err)
	}
	if err := fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: opts.StreamWindowSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: opts.MaxHeaderListSize},
	); err != nil {
		return nil, fmt.Errorf("could not write settings: %w", err)
	}
	if opts.ConnWindowSize > initialWindowSize {
		if err := fr.WriteWindowUpdate(0, opts.ConnWindowSize-initialWindowSize); err != nil {
			return nil, fmt.Errorf("could not write window update: %w", err)
		}
	}

	return c, nil
}

// Read returns the next message from the peer. Only one goroutine may read.
func (c *Conn) Read(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := c.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				// A malformed frame only poisons its own stream.
				c.flow.forget(se.StreamID)
				if werr := c.writeFrame(context.Background(), func() error { return c.fr.WriteRSTStream(se.StreamID, se.Code) }); werr != nil {
					return nil, werr
				}
				return Reset{StreamID: se.StreamID, Code: se.Code}, nil
			}
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				c.writeFrame(context.Background(), func() error { return c.fr.WriteGoAway(0, ErrCode(ce), nil) })
			}
			c.closeWithError(err)
			return nil, err
		}

		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			return Data{
				StreamID: f.StreamID,
				Frame:    Frame{Headers: f.Fields, EndStream: f.StreamEnded()},
			}, nil
		case *http2.DataFrame:
			if err := c.replenish(f); err != nil {
				return nil, err
			}
			if len(f.Data()) == 0 && !f.StreamEnded() {
				continue
			}
			// The framer reuses its buffer on the next read.
			payload := append([]byte(nil), f.Data()...)
			return Data{
				StreamID: f.StreamID,
				Frame:    Frame{Data: payload, EndStream: f.StreamEnded()},
			}, nil
		case *http2.RSTStreamFrame:
			c.flow.forget(f.StreamID)
			return Reset{StreamID: f.StreamID, Code: f.ErrCode}, nil
		case *http2.GoAwayFrame:
			return GoAway{
				LastStreamID: f.LastStreamID,
				Code:         f.ErrCode,
				Debug:        append([]byte(nil), f.DebugData()...),
			}, nil
		case *http2.PingFrame:
			if f.IsAck() {
				return Ping{Ack: true, Payload: f.Data}, nil
			}
			data := f.Data
			if err := c.writeFrame(context.Background(), func() error { return c.fr.WritePing(true, data) }); err != nil {
				return nil, err
			}
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			if v, ok := f.Value(http2.SettingMaxFrameSize); ok {
				c.peerMaxFrameSize.Store(v)
			}
			if v, ok := f.Value(http2.SettingInitialWindowSize); ok {
				c.flow.setInitial(v)
			}
			if err := c.writeFrame(context.Background(), c.fr.WriteSettingsAck); err != nil {
				return nil, err
			}
		case *http2.WindowUpdateFrame:
			c.flow.add(f.StreamID, f.Increment)
		default:
			log.Trace().Str("frame", f.Header().String()).Msg("ignoring frame")
		}
	}
}

func (c *Conn) replenish(f *http2.DataFrame) error {
	n := f.Header().Length
	if n == 0 {
		return nil
	}
	return c.writeFrame(context.Background(), func() error {
		if err := c.fr.WriteWindowUpdate(0, n); err != nil {
			return err
		}
		if f.StreamEnded() {
			return nil
		}
		return c.fr.WriteWindowUpdate(f.StreamID, n)
	})
}

// Write sends msg to the peer. DATA waits for send window credit; ctx bounds
// that wait and, when the pipe supports write deadlines, every frame write.
func (c *Conn) Write(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch m := msg.(type) {
	case Data:
		return c.writeData(ctx, m)
	case Reset:
		c.flow.forget(m.StreamID)
		return c.writeFrame(ctx, func() error { return c.fr.WriteRSTStream(m.StreamID, m.Code) })
	case Ping:
		return c.writeFrame(ctx, func() error { return c.fr.WritePing(m.Ack, m.Payload) })
	case GoAway:
		return c.writeFrame(ctx, func() error { return c.fr.WriteGoAway(m.LastStreamID, m.Code, m.Debug) })
	default:
		return fmt.Errorf("unsupported message %T", msg)
	}
}

func (c *Conn) writeData(ctx context.Context, m Data) error {
	f := m.Frame
	bodyFollows := len(f.Data) > 0

	if len(f.Headers) > 0 {
		endStream := f.EndStream && !bodyFollows
		if !endStream {
			c.flow.open(m.StreamID)
		}
		if err := c.writeFrame(ctx, func() error {
			return c.writeHeaders(m.StreamID, f.Headers, endStream)
		}); err != nil {
			return err
		}
		if !bodyFollows {
			return nil
		}
	}

	data := f.Data
	for {
		var n int
		if len(data) > 0 {
			var err error
			n, err = c.flow.take(ctx, c.done, m.StreamID, min(len(data), int(c.peerMaxFrameSize.Load())))
			if err != nil {
				if cerr := c.Err(); cerr != nil {
					return cerr
				}
				return err
			}
		}
		chunk := data[:n]
		data = data[n:]
		last := len(data) == 0
		end := f.EndStream && last
		if err := c.writeFrame(ctx, func() error { return c.fr.WriteData(m.StreamID, end, chunk) }); err != nil {
			return err
		}
		if end {
			c.flow.forget(m.StreamID)
		}
		if last {
			return nil
		}
	}
}

// writeHeaders must be called with wmu held.
func (c *Conn) writeHeaders(id uint32, fields []hpack.HeaderField, endStream bool) error {
	maxFrame := int(c.peerMaxFrameSize.Load())
	c.hbuf.Reset()
	for _, hf := range fields {
		if err := c.henc.WriteField(hf); err != nil {
			return fmt.Errorf("could not encode header %q: %w", hf.Name, err)
		}
	}
	block := c.hbuf.Bytes()
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = c.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = c.fr.WriteContinuation(id, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeFrame runs fn with the write lock held, bounded by ctx's deadline
// when the pipe supports one. A failed write closes the connection since a
// partially written frame leaves the stream unframeable.
func (c *Conn) writeFrame(ctx context.Context, fn func() error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return c.err
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		if d, ok := c.pipe.(deadliner); ok {
			d.SetWriteDeadline(deadline)
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	if err := fn(); err != nil {
		c.closeWithError(err)
		return err
	}
	return nil
}

// Close sends a best-effort GOAWAY and closes the pipe.
func (c *Conn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if deadline, ok := ctx.Deadline(); ok {
			if d, ok := c.pipe.(deadliner); ok {
				d.SetWriteDeadline(deadline)
			}
		}
		c.wmu.Lock()
		if gerr := c.fr.WriteGoAway(0, NoError, nil); gerr != nil {
			log.Debug().Err(gerr).Msg("could not send goaway")
		}
		c.wmu.Unlock()

		err = c.pipe.Close()
		c.err = ErrConnClosed
		close(c.done)
	})
	return err
}

func (c *Conn) closeWithError(cause error) {
	c.closeOnce.Do(func() {
		c.pipe.Close()
		c.err = fmt.Errorf("%w: %w", ErrConnClosed, cause)
		close(c.done)
	})
}

func (c *Conn) Status() transport.Status {
	select {
	case <-c.done:
		return transport.Closed
	default:
		return transport.Open
	}
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) LocalAddr() net.Addr {
	return c.pipe.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.pipe.RemoteAddr()
}

func (c *Conn) PeerCertificate() *x509.Certificate {
	tc, ok := c.pipe.(tlsConn)
	if !ok {
		return nil
	}
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

var _ transport.Transport[Message, Message] = (*Conn)(nil)
