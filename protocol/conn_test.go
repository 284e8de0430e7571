package protocol

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fr13n8/h2mux/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

type seenFrame struct {
	kind      http2.FrameType
	streamID  uint32
	length    int
	endStream bool
	ack       bool
}

// peer is the server end of a Conn under test.
type peer struct {
	t      *testing.T
	fr     *http2.Framer
	frames chan seenFrame
}

func newConnPair(t *testing.T) (*Conn, *peer) {
	t.Helper()
	client, server := net.Pipe()

	p := &peer{t: t, fr: http2.NewFramer(server, server), frames: make(chan seenFrame, 64)}
	go func() {
		defer close(p.frames)
		preface := make([]byte, len(http2.ClientPreface))
		if _, err := io.ReadFull(server, preface); err != nil {
			return
		}
		for {
			f, err := p.fr.ReadFrame()
			if err != nil {
				return
			}
			seen := seenFrame{kind: f.Header().Type, streamID: f.Header().StreamID, length: int(f.Header().Length)}
			switch f := f.(type) {
			case *http2.DataFrame:
				seen.endStream = f.StreamEnded()
			case *http2.HeadersFrame:
				seen.endStream = f.StreamEnded()
			case *http2.SettingsFrame:
				seen.ack = f.IsAck()
			}
			p.frames <- seen
		}
	}()

	conn, err := NewConn(client, nil, DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		conn.Close(ctx)
		server.Close()
	})

	go func() {
		for {
			if _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()
	return conn, p
}

// next returns the next frame of kind, skipping others.
func (p *peer) next(kind http2.FrameType) seenFrame {
	p.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-p.frames:
			require.True(p.t, ok, "connection closed")
			if f.kind == kind {
				return f
			}
		case <-timeout:
			p.t.Fatalf("no %v frame", kind)
		}
	}
}

func (p *peer) settle(settings ...http2.Setting) {
	p.t.Helper()
	require.NoError(p.t, p.fr.WriteSettings(settings...))
	for {
		if f := p.next(http2.FrameSettings); f.ack {
			return
		}
	}
}

func request(body string) Data {
	return Data{StreamID: 1, Frame: Frame{
		Headers: []hpack.HeaderField{
			{Name: ":method", Value: "POST"},
			{Name: ":scheme", Value: "http"},
			{Name: ":authority", Value: "example.com"},
			{Name: ":path", Value: "/"},
		},
		Data:      []byte(body),
		EndStream: true,
	}}
}

func TestConnWaitsForSendWindow(t *testing.T) {
	conn, p := newConnPair(t)
	p.settle(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 10})

	written := make(chan error, 1)
	go func() {
		written <- conn.Write(context.Background(), request("0123456789abcdefghijklmno"))
	}()

	assert.Equal(t, http2.FrameHeaders, p.next(http2.FrameHeaders).kind)
	first := p.next(http2.FrameData)
	assert.Equal(t, 10, first.length)
	assert.False(t, first.endStream)

	select {
	case err := <-written:
		t.Fatalf("write finished without window credit: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, p.fr.WriteWindowUpdate(1, 100))
	rest := p.next(http2.FrameData)
	assert.Equal(t, 15, rest.length)
	assert.True(t, rest.endStream)
	require.NoError(t, <-written)
}

func TestConnSendWindowWaitHonoursContext(t *testing.T) {
	conn, p := newConnPair(t)
	p.settle(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := conn.Write(ctx, request("blocked"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// Running out of credit is not a connection failure.
	assert.Equal(t, transport.Open, conn.Status())
}

func TestConnSplitsDataAtMaxFrameSize(t *testing.T) {
	conn, p := newConnPair(t)
	p.settle()

	body := make([]byte, defaultMaxFrameSize+100)
	msg := request(string(body))
	require.NoError(t, conn.Write(context.Background(), msg))

	p.next(http2.FrameHeaders)
	assert.Equal(t, defaultMaxFrameSize, p.next(http2.FrameData).length)
	last := p.next(http2.FrameData)
	assert.Equal(t, 100, last.length)
	assert.True(t, last.endStream)
}
