package imap

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrAuthenticationFailed is returned when the server or the credential source
	// rejects the mailbox credentials. The user has to re-authenticate.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrInvalidState is returned when a session operation is called in the wrong state.
	ErrInvalidState = errors.New("invalid session state")
)

// IsTransient reports whether err is a connectivity failure that may go away on the
// next cycle, as opposed to a protocol or credential problem.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// go-imap reports a dropped connection with an unexported error.
	return strings.Contains(err.Error(), "connection closed")
}
