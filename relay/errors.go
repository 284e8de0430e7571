package relay

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/quic-go/quic-go"
)

var (
	// UseOfClosedNetworkConnection is how parts of the standard library
	// report I/O on a closed socket without a typed error.
	UseOfClosedNetworkConnection = "use of closed network connection"
	// FailedToSendCloseNotify is reported by crypto/tls when the peer hung
	// up before the close alert went out.
	FailedToSendCloseNotify = "tls: failed to send closeNotify alert (but connection was closed anyway)"
)

// IsUseOfClosedNetworkError reports whether err comes from I/O on a closed
// connection.
func IsUseOfClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), UseOfClosedNetworkConnection)
}

func IsFailedToSendCloseNotifyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), FailedToSendCloseNotify)
}

// IsQUICNoError reports whether a QUIC connection was closed by either side
// with application error code 0.
func IsQUICNoError(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.ErrorCode == 0
}

// IsOKNetworkError reports whether err is the usual way a carrier ends when
// one of the peers hangs up. Joined errors qualify only if every member does.
func IsOKNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		for _, e := range errs {
			if !IsOKNetworkError(e) {
				return false
			}
		}
		return len(errs) > 0
	}
	// quic.ApplicationError also matches net.ErrClosed, so only its code
	// tells a clean close from an abort.
	if errors.As(err, new(*quic.ApplicationError)) {
		return IsQUICNoError(err)
	}
	return errors.Is(err, io.EOF) ||
		IsUseOfClosedNetworkError(err) ||
		IsFailedToSendCloseNotifyError(err)
}

// IsHostResponded reports whether a dial failed because the peer actively
// refused or dropped the connection, as opposed to being unreachable.
func IsHostResponded(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.ECONNREFUSED || errno == syscall.ECONNRESET || errno == syscall.ECONNABORTED
}
