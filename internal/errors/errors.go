// Package errors wraps github.com/cockroachdb/errors and defines the
// failure categories shared by the sync engine. Callers import it in place
// of the standard library errors package.
package errors

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"

	crdb "github.com/cockroachdb/errors"
)

var (
	New    = crdb.New
	Newf   = crdb.Newf
	Wrap   = crdb.Wrap
	Wrapf  = crdb.Wrapf
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Mark   = crdb.Mark
	Unwrap = crdb.Unwrap
)

// Failure categories. Errors are classified with Mark, so errors.Is keeps
// working after any amount of fmt.Errorf wrapping.
var (
	// ErrProtocol covers framing errors, unknown message types, malformed
	// messages and messages that are illegal in the current session state.
	ErrProtocol = New("protocol error")

	// ErrIdentity is returned when the certificate presented by a peer does
	// not match the device it was dialed as.
	ErrIdentity = New("peer identity mismatch")

	// ErrIntegrity covers hash mismatches and stored state that contradicts
	// the request being processed.
	ErrIntegrity = New("data integrity violation")

	ErrNoConnection  = New("no usable connection")
	ErrTimeout       = New("timed out")
	ErrSessionClosed = New("session closed")
	ErrHandlerExists = New("request handler already registered")
	ErrNotFound      = New("not found")
)

// Protocolf returns a new error marked as a protocol error.
func Protocolf(format string, args ...any) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrProtocol)
}

// Identityf returns a new error marked as an identity error.
func Identityf(format string, args ...any) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrIdentity)
}

// Integrityf returns a new error marked as a data integrity violation.
func Integrityf(format string, args ...any) error {
	return Mark(crdb.NewWithDepthf(1, format, args...), ErrIntegrity)
}

// IsExpected reports whether err belongs to the class of failures a
// connection supervisor recovers from by trying again: I/O and network
// errors, timeouts, cancellation, protocol violations and closed sessions.
// Anything else indicates a bug or a local resource failure.
func IsExpected(err error) bool {
	if err == nil {
		return true
	}

	if IsAny(err,
		io.EOF,
		io.ErrUnexpectedEOF,
		io.ErrClosedPipe,
		net.ErrClosed,
		os.ErrDeadlineExceeded,
		context.Canceled,
		context.DeadlineExceeded,
		ErrProtocol,
		ErrIdentity,
		ErrTimeout,
		ErrSessionClosed,
		ErrNoConnection,
	) {
		return true
	}

	var netErr net.Error
	if As(err, &netErr) {
		return true
	}

	var alert tls.AlertError
	if As(err, &alert) {
		return true
	}

	var recordErr tls.RecordHeaderError

	return As(err, &recordErr)
}
