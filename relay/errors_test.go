package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
)

func TestIsOKNetworkError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "eof", err: io.EOF, want: true},
		{name: "wrapped eof", err: fmt.Errorf("read frame: %w", io.EOF), want: true},
		{name: "net closed", err: net.ErrClosed, want: true},
		{name: "closed by string", err: errors.New("read tcp: use of closed network connection"), want: true},
		{name: "close notify", err: errors.New(FailedToSendCloseNotify), want: true},
		{name: "quic no error", err: &quic.ApplicationError{ErrorCode: 0}, want: true},
		{name: "quic application error", err: &quic.ApplicationError{ErrorCode: 2}, want: false},
		{name: "wrapped quic application error", err: fmt.Errorf("read: %w", &quic.ApplicationError{ErrorCode: 1, ErrorMessage: "abort"}), want: false},
		{name: "joined with quic abort", err: errors.Join(net.ErrClosed, &quic.ApplicationError{ErrorCode: 3}), want: false},
		{name: "joined ok", err: errors.Join(io.EOF, net.ErrClosed), want: true},
		{name: "joined mixed", err: errors.Join(io.EOF, errors.New("boom")), want: false},
		{name: "other", err: errors.New("frame too large"), want: false},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsOKNetworkError(tt.err))
		})
	}
}

func TestIsQUICNoError(t *testing.T) {
	assert.True(t, IsQUICNoError(fmt.Errorf("close: %w", &quic.ApplicationError{})))
	assert.False(t, IsQUICNoError(&quic.ApplicationError{ErrorCode: 2}))
	assert.False(t, IsQUICNoError(net.ErrClosed))
}

func TestIsUseOfClosedNetworkError(t *testing.T) {
	assert.False(t, IsUseOfClosedNetworkError(nil))
	assert.True(t, IsUseOfClosedNetworkError(&net.OpError{Op: "accept", Err: net.ErrClosed}))
	assert.False(t, IsUseOfClosedNetworkError(io.EOF))
}

func TestIsHostResponded(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "refused", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, want: true},
		{name: "reset", err: syscall.ECONNRESET, want: true},
		{name: "aborted", err: syscall.ECONNABORTED, want: true},
		{name: "unreachable", err: syscall.ENETUNREACH, want: false},
		{name: "timeout", err: errors.New("i/o timeout"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHostResponded(tt.err))
		})
	}
}
