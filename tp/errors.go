package tp

import (
	"errors"
	"fmt"
)

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// Protocol failure causes. ProtocolError wraps exactly one of these.
var (
	ErrSequence          = errors.New("wrong sequence number")
	ErrTimeout           = errors.New("timeout")
	ErrReceiverOverflow  = errors.New("receiver overflow")
	ErrTooManyWaitFrames = errors.New("maximum number of wait frames exceeded")
	ErrMalformed         = errors.New("malformed frame")
	ErrUnexpectedFrame   = errors.New("unexpected frame")
)

// Session level failures.
var (
	ErrListenOnly      = errors.New("isotp: session is listen-only")
	ErrBusy            = errors.New("isotp: half-duplex session is receiving")
	ErrMessageTooLarge = errors.New("isotp: message too large")
	ErrEmptyMessage    = errors.New("isotp: empty message")
	ErrSessionClosed   = errors.New("isotp: session closed")
)

// ConfigurationError reports an option value that cannot be represented on the wire.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("isotp: invalid %s: %s", e.Field, messageOrDefault(e.Reason, "out of range"))
}

func configErrorf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IOError wraps a failure of the underlying frame link.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("isotp: %s: %v", messageOrDefault(e.Op, "io"), e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ProtocolError aborts the message in flight. From and To name the state
// transition that detected the failure, Event the PDU or timer that caused it.
type ProtocolError struct {
	Op     string // "send" or "receive"
	From   string
	To     string
	Event  string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("isotp: %s: %s -> %s on %s: %v", e.Op, e.From, e.To, e.Event, e.Err)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DecodeErrorKind classifies why a raw payload was rejected.
type DecodeErrorKind uint8

const (
	Truncated DecodeErrorKind = iota + 1
	InvalidLength
	UnknownType
	InvalidFlowStatus
	InvalidPadding
	AddressMismatch
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case InvalidLength:
		return "invalid length"
	case UnknownType:
		return "unknown PDU type"
	case InvalidFlowStatus:
		return "invalid flow status"
	case InvalidPadding:
		return "invalid padding"
	case AddressMismatch:
		return "address extension mismatch"
	default:
		return fmt.Sprintf("DecodeErrorKind(%d)", uint8(k))
	}
}

// DecodeError is returned by Codec.Decode. It matches ErrMalformed with errors.Is.
type DecodeError struct {
	Kind DecodeErrorKind
	msg  string
}

func newDecodeError(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, messageOrDefault(e.msg, "malformed frame"))
}

func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

func asProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	ok := errors.As(err, &pe)
	return pe, ok
}
