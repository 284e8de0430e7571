package upgrade

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fr13n8/h2mux/protocol"
	"github.com/fr13n8/h2mux/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

func dialHTTP1(t *testing.T, srv *httptest.Server) *HTTP1 {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	h1, err := NewHTTP1(conn, protocol.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { h1.Close(context.Background()) })
	return h1
}

func TestHTTP1RejectedByPlainServer(t *testing.T) {
	upgrades := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrades <- r.Header.Get("Upgrade")
		io.WriteString(w, "plain "+r.URL.Path)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h1 := dialHTTP1(t, srv)

	for i, path := range []string{"/one", "/two"} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		require.NoError(t, h1.Write(ctx, req))

		msg, err := h1.Read(ctx)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, Rejected, msg)
			msg, err = h1.Read(ctx)
			require.NoError(t, err)
		}

		resp, ok := msg.(*http.Response)
		require.True(t, ok, "got %T", msg)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, "plain "+path, string(body))
	}

	assert.Equal(t, "h2c", <-upgrades)
	assert.Empty(t, <-upgrades, "upgrade offered twice")
}

func TestHTTP1AcceptedByH2CServer(t *testing.T) {
	srv := httptest.NewServer(h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "hello")
	}), &http2.Server{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h1 := dialHTTP1(t, srv)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	require.NoError(t, err)
	require.NoError(t, h1.Write(ctx, req))

	msg, err := h1.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, Accepted, msg)

	conn, err := protocol.NewConn(h1.Pipe(), h1.Reader(), protocol.DefaultOptions())
	require.NoError(t, err)
	defer conn.Close(ctx)

	var status string
	var body []byte
	for {
		msg, err := conn.Read(ctx)
		require.NoError(t, err)
		data, ok := msg.(protocol.Data)
		if !ok {
			continue
		}
		require.Equal(t, uint32(1), data.StreamID)
		if v, ok := data.Frame.Header(":status"); ok {
			status = v
		}
		body = append(body, data.Frame.Data...)
		if data.Frame.Terminal() {
			break
		}
	}
	assert.Equal(t, "200", status)
	assert.Equal(t, "hello", string(body))
}

func TestHTTP1RejectsUnexpectedMessages(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	h1, err := NewHTTP1(client, protocol.DefaultOptions())
	require.NoError(t, err)
	defer h1.Close(context.Background())

	assert.Error(t, h1.Write(context.Background(), "not a request"))
	_, err = h1.Read(context.Background())
	assert.ErrorIs(t, err, errNoRequest)
}

func TestHTTP1CancelledReadClosesConnection(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "late")
	}))
	defer srv.Close()
	defer close(release)

	h1 := dialHTTP1(t, srv)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	require.NoError(t, err)
	require.NoError(t, h1.Write(context.Background(), req))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h1.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, transport.Closed, h1.Status())
	assert.ErrorIs(t, h1.Write(context.Background(), req), protocol.ErrConnClosed)
}
