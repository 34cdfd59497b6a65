package encoding

import (
	"fmt"

	"github.com/ootahi/amqpcore/internal/buffer"
)

// CodecError indicates a fatal, non-retryable failure to encode or decode a
// value: an invalid constructor byte, a length overflow, a descriptor
// mismatch, or a truncated buffer (§4.1 error conditions).
type CodecError struct {
	msg string
}

func (e *CodecError) Error() string { return e.msg }

func errorf(format string, args ...interface{}) error {
	return &CodecError{msg: fmt.Sprintf(format, args...)}
}

// ErrCond is an AMQP-defined error condition symbol, e.g. "amqp:decode-error".
type ErrCond string

// Standard error conditions, AMQP 1.0 §2.8.
const (
	ErrCondInternalError     ErrCond = "amqp:internal-error"
	ErrCondNotFound          ErrCond = "amqp:not-found"
	ErrCondUnauthorizedAccess ErrCond = "amqp:unauthorized-access"
	ErrCondDecodeError       ErrCond = "amqp:decode-error"
	ErrCondResourceLimitExceeded ErrCond = "amqp:resource-limit-exceeded"
	ErrCondNotAllowed        ErrCond = "amqp:not-allowed"
	ErrCondInvalidField      ErrCond = "amqp:invalid-field"
	ErrCondNotImplemented    ErrCond = "amqp:not-implemented"
	ErrCondResourceLocked    ErrCond = "amqp:resource-locked"
	ErrCondPreconditionFailed ErrCond = "amqp:precondition-failed"
	ErrCondResourceDeleted   ErrCond = "amqp:resource-deleted"
	ErrCondIllegalState      ErrCond = "amqp:illegal-state"
	ErrCondFrameSizeTooSmall ErrCond = "amqp:frame-size-too-small"

	// Connection errors, §2.8.15.2.
	ErrCondConnectionForced   ErrCond = "amqp:connection:forced"
	ErrCondFramingError       ErrCond = "amqp:connection:framing-error"
	ErrCondConnectionRedirect ErrCond = "amqp:connection:redirect"

	// Session errors, §2.8.15.3.
	ErrCondWindowViolation  ErrCond = "amqp:session:window-violation"
	ErrCondErrantLink       ErrCond = "amqp:session:errant-link"
	ErrCondHandleInUse      ErrCond = "amqp:session:handle-in-use"
	ErrCondUnattachedHandle ErrCond = "amqp:session:unattached-handle"

	// Link errors, §2.8.15.4.
	ErrCondDetachForced          ErrCond = "amqp:link:detach-forced"
	ErrCondTransferLimitExceeded ErrCond = "amqp:link:transfer-limit-exceeded"
	ErrCondMessageSizeExceeded   ErrCond = "amqp:link:message-size-exceeded"
	ErrCondLinkRedirect          ErrCond = "amqp:link:redirect"
	ErrCondStolen                ErrCond = "amqp:link:stolen"
)

// Error is the wire representation of the AMQP "error" composite type,
// carried on Detach/End/Close/Disposition(rejected) performatives.
type Error struct {
	Condition   ErrCond
	Description string
	Info        map[string]interface{}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Condition, e.Description)
	}
	return string(e.Condition)
}

func (e *Error) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeError, []MarshalField{
		{Value: (*Symbol)(&e.Condition), Omit: e.Condition == ""},
		{Value: &e.Description, Omit: e.Description == ""},
		{Value: e.Info, Omit: len(e.Info) == 0},
	})
}

func (e *Error) Unmarshal(r *buffer.Buffer) error {
	var cond Symbol
	err := UnmarshalComposite(r, TypeCodeError,
		UnmarshalField{Field: &cond, HandleNull: func() error { return errorf("encoding: error.condition is required") }},
		UnmarshalField{Field: &e.Description},
		UnmarshalField{Field: &e.Info},
	)
	e.Condition = ErrCond(cond)
	return err
}
