package amqp

import (
	"errors"
	"fmt"

	"github.com/ootahi/amqpcore/internal/encoding"
)

// ErrCond is an AMQP defined error condition.
// See http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transport-v1.0-os.html#type-amqp-error for info on their meaning.
type ErrCond = encoding.ErrCond

// Error Conditions
const (
	// AMQP Errors
	ErrCondInternalError         ErrCond = "amqp:internal-error"
	ErrCondNotFound              ErrCond = "amqp:not-found"
	ErrCondUnauthorizedAccess    ErrCond = "amqp:unauthorized-access"
	ErrCondDecodeError           ErrCond = "amqp:decode-error"
	ErrCondResourceLimitExceeded ErrCond = "amqp:resource-limit-exceeded"
	ErrCondNotAllowed            ErrCond = "amqp:not-allowed"
	ErrCondInvalidField          ErrCond = "amqp:invalid-field"
	ErrCondNotImplemented        ErrCond = "amqp:not-implemented"
	ErrCondResourceLocked        ErrCond = "amqp:resource-locked"
	ErrCondPreconditionFailed    ErrCond = "amqp:precondition-failed"
	ErrCondResourceDeleted       ErrCond = "amqp:resource-deleted"
	ErrCondIllegalState          ErrCond = "amqp:illegal-state"
	ErrCondFrameSizeTooSmall     ErrCond = "amqp:frame-size-too-small"

	// Connection Errors
	ErrCondConnectionForced   ErrCond = "amqp:connection:forced"
	ErrCondFramingError       ErrCond = "amqp:connection:framing-error"
	ErrCondConnectionRedirect ErrCond = "amqp:connection:redirect"

	// Session Errors
	ErrCondWindowViolation  ErrCond = "amqp:session:window-violation"
	ErrCondErrantLink       ErrCond = "amqp:session:errant-link"
	ErrCondHandleInUse      ErrCond = "amqp:session:handle-in-use"
	ErrCondUnattachedHandle ErrCond = "amqp:session:unattached-handle"

	// Link Errors
	ErrCondDetachForced          ErrCond = "amqp:link:detach-forced"
	ErrCondTransferLimitExceeded ErrCond = "amqp:link:transfer-limit-exceeded"
	ErrCondMessageSizeExceeded   ErrCond = "amqp:link:message-size-exceeded"
	ErrCondLinkRedirect          ErrCond = "amqp:link:redirect"
	ErrCondStolen                ErrCond = "amqp:link:stolen"
)

type Error = encoding.Error

// DetachError is returned by a link (Receiver/Sender) when a detach frame is received.
//
// RemoteError will be nil if the link was detached gracefully.
type DetachError struct {
	RemoteError *Error
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("link detached, reason: %+v", e.RemoteError)
}

// Errors
var (
	// ErrSessionClosed is propagated to Sender/Receivers
	// when Session.Close() is called.
	ErrSessionClosed = errors.New("amqp: session closed")

	// ErrLinkClosed reports a closed link. Send and Receive on a link
	// closed by Sender.Close() or Receiver.Close() return an empty
	// *LinkError rather than this value.
	ErrLinkClosed = errors.New("amqp: link closed")
)

// ConnectionError reports a connection that has been closed or is no
// longer functional. Sessions and links see connection failure as
// ErrConnClosed or the connection's own error instead; no code path in
// this package constructs a ConnectionError.
type ConnectionError struct {
	inner error
}

func (c *ConnectionError) Error() string {
	if c.inner == nil {
		return "amqp: connection closed"
	}
	return c.inner.Error()
}

// SessionError is propagated to a Session's links when the session itself
// has ended, either locally or by the peer.
type SessionError struct {
	inner     error
	RemoteErr *Error
}

func (e *SessionError) Error() string {
	if e.RemoteErr != nil {
		return fmt.Sprintf("amqp: session ended by peer: %v", e.RemoteErr)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: session ended: %v", e.inner)
	}
	return "amqp: session ended"
}

// LinkError is returned when a link has terminated, either locally or by
// the peer sending a Detach.
//
// An empty LinkError (both fields nil) means the link was closed cleanly
// by the caller. A non-nil RemoteErr means the peer detached with an error.
type LinkError struct {
	inner     error
	RemoteErr *Error
}

func (e *LinkError) Error() string {
	if e.RemoteErr != nil {
		return fmt.Sprintf("amqp: link detached by peer: %v", e.RemoteErr)
	}
	if e.inner != nil {
		return fmt.Sprintf("amqp: link error: %v", e.inner)
	}
	return "amqp: link closed"
}

// TransactionError describes a transaction that cannot be declared,
// committed, or rolled back (transactions extension, §4). Txn reports such
// failures as the coordinator's *Error or a link/context error instead; no
// code path in this package constructs a TransactionError.
type TransactionError struct {
	inner error
}

func (e *TransactionError) Error() string {
	if e.inner == nil {
		return "amqp: transaction error"
	}
	return fmt.Sprintf("amqp: transaction error: %v", e.inner)
}
