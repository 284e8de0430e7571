package upgrade

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fr13n8/h2mux/protocol"
	"github.com/fr13n8/h2mux/transport"
	"golang.org/x/net/http2"
)

var errNoRequest = errors.New("read without an outstanding request")

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// HTTP1 is a one-exchange-at-a-time HTTP/1.1 client transport over a pipe.
// It writes *http.Request values and reads *http.Response values.
//
// The first request carries an h2c upgrade offer. Its reply is announced by a
// Marker: Accepted when the server switched protocols, Rejected otherwise,
// in which case the response itself is the next read.
//
// A response body must be consumed before the next Read.
type HTTP1 struct {
	pipe     transport.Pipe
	br       *bufio.Reader
	settings string

	wmu     sync.Mutex
	offered bool

	// rmu serialises reads; answered and pending belong to the reader.
	rmu      sync.Mutex
	answered bool
	pending  *http.Response

	qmu      sync.Mutex
	inflight []*http.Request

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// NewHTTP1 wraps pipe. opts are advertised in the HTTP2-Settings header.
func NewHTTP1(pipe transport.Pipe, opts protocol.Options) (*HTTP1, error) {
	settings, err := encodeSettings(opts)
	if err != nil {
		return nil, err
	}
	return &HTTP1{
		pipe:     pipe,
		br:       bufio.NewReader(pipe),
		settings: settings,
		done:     make(chan struct{}),
	}, nil
}

// encodeSettings renders the payload of a SETTINGS frame in the form the
// HTTP2-Settings header expects.
func encodeSettings(opts protocol.Options) (string, error) {
	var buf bytes.Buffer
	fr := http2.NewFramer(&buf, nil)
	if err := fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: opts.StreamWindowSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: opts.MaxHeaderListSize},
	); err != nil {
		return "", fmt.Errorf("could not encode settings: %w", err)
	}
	const frameHeaderLen = 9
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()[frameHeaderLen:]), nil
}

// Reader returns the buffered reader over the pipe. After the upgrade is
// accepted the HTTP/2 framer must continue from it, as it may already hold
// the server's first frames.
func (h *HTTP1) Reader() *bufio.Reader {
	return h.br
}

// Pipe returns the underlying byte pipe.
func (h *HTTP1) Pipe() transport.Pipe {
	return h.pipe
}

func (h *HTTP1) Write(ctx context.Context, msg any) error {
	req, ok := msg.(*http.Request)
	if !ok {
		return fmt.Errorf("unexpected message type %T, want *http.Request", msg)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()

	select {
	case <-h.done:
		return h.err
	default:
	}

	if !h.offered {
		h.offered = true
		req = req.Clone(req.Context())
		req.Header.Set("Connection", "Upgrade, HTTP2-Settings")
		req.Header.Set("Upgrade", "h2c")
		req.Header.Set("HTTP2-Settings", h.settings)
	}

	if d, ok := h.pipe.(writeDeadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			d.SetWriteDeadline(deadline)
			defer d.SetWriteDeadline(time.Time{})
		}
	}

	h.qmu.Lock()
	h.inflight = append(h.inflight, req)
	h.qmu.Unlock()

	if err := req.Write(h.pipe); err != nil {
		h.closeWithError(err)
		return fmt.Errorf("could not write request: %w", err)
	}
	return nil
}

func (h *HTTP1) Read(ctx context.Context) (any, error) {
	h.rmu.Lock()
	defer h.rmu.Unlock()

	if resp := h.pending; resp != nil {
		h.pending = nil
		return resp, nil
	}
	h.qmu.Lock()
	if len(h.inflight) == 0 {
		h.qmu.Unlock()
		return nil, errNoRequest
	}
	req := h.inflight[0]
	h.qmu.Unlock()

	if d, ok := h.pipe.(readDeadliner); ok {
		stop := context.AfterFunc(ctx, func() {
			d.SetReadDeadline(time.Now())
		})
		defer func() {
			if !stop() {
				d.SetReadDeadline(time.Time{})
			}
		}()
	}

	resp, err := http.ReadResponse(h.br, req)
	if err != nil {
		// The response may have been partly consumed, so nothing later read
		// from the pipe can be matched to a request any more.
		if ctxErr := ctx.Err(); ctxErr != nil {
			h.closeWithError(ctxErr)
			return nil, ctxErr
		}
		h.closeWithError(err)
		return nil, fmt.Errorf("could not read response: %w", err)
	}
	h.qmu.Lock()
	h.inflight = h.inflight[1:]
	h.qmu.Unlock()

	if h.answered {
		return resp, nil
	}
	h.answered = true

	if resp.StatusCode == http.StatusSwitchingProtocols && strings.EqualFold(resp.Header.Get("Upgrade"), "h2c") {
		return Accepted, nil
	}
	h.pending = resp
	return Rejected, nil
}

func (h *HTTP1) Close(ctx context.Context) error {
	var err error
	h.closeOnce.Do(func() {
		err = h.pipe.Close()
		h.err = protocol.ErrConnClosed
		close(h.done)
	})
	return err
}

func (h *HTTP1) closeWithError(cause error) {
	h.closeOnce.Do(func() {
		h.pipe.Close()
		h.err = fmt.Errorf("%w: %w", protocol.ErrConnClosed, cause)
		close(h.done)
	})
}

func (h *HTTP1) Status() transport.Status {
	select {
	case <-h.done:
		return transport.Closed
	default:
	}
	h.qmu.Lock()
	defer h.qmu.Unlock()
	if len(h.inflight) > 0 {
		return transport.Busy
	}
	return transport.Open
}

func (h *HTTP1) Done() <-chan struct{} {
	return h.done
}

func (h *HTTP1) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *HTTP1) LocalAddr() net.Addr  { return h.pipe.LocalAddr() }
func (h *HTTP1) RemoteAddr() net.Addr { return h.pipe.RemoteAddr() }

func (h *HTTP1) PeerCertificate() *x509.Certificate {
	tc, ok := h.pipe.(interface{ ConnectionState() tls.ConnectionState })
	if !ok {
		return nil
	}
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil
	}
	return certs[0]
}

var _ transport.Transport[any, any] = (*HTTP1)(nil)
