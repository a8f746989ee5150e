package client

import (
	"errors"
)

// ErrorKind classifies the failures reported by a Session.
type ErrorKind string

const (
	// KindAlreadyConnected is returned by Connect while a connection is live or pending.
	KindAlreadyConnected ErrorKind = "already_connected"
	// KindTransport reports an underlying socket failure.
	KindTransport ErrorKind = "transport"
	// KindConnectionTimeout reports that the transport did not open in time.
	KindConnectionTimeout ErrorKind = "connection_timeout"
	// KindNotConnected is reported when an action is attempted without a live session.
	KindNotConnected ErrorKind = "not_connected"
	// KindMalformedMessage reports a text frame that is not a JSON object.
	KindMalformedMessage ErrorKind = "malformed_message"
	// KindDecodeFailure reports a binary frame that could not be turned into an image.
	KindDecodeFailure ErrorKind = "decode_failure"
	// KindServerError carries an application error reported by the server.
	KindServerError ErrorKind = "server_error"
	// KindInvalidArgument reports a usage error such as an empty password.
	KindInvalidArgument ErrorKind = "invalid_argument"
)

// Error is the error type returned and emitted by a Session.
// Errors match each other by Kind, so errors.Is(err, ErrNotConnected)
// holds for every not-connected failure regardless of its message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Sentinel errors, one per kind, for use with errors.Is.
var (
	ErrAlreadyConnected  = &Error{Kind: KindAlreadyConnected, Message: "already connected"}
	ErrTransport         = &Error{Kind: KindTransport, Message: "transport error"}
	ErrConnectionTimeout = &Error{Kind: KindConnectionTimeout, Message: "connection timeout"}
	ErrNotConnected      = &Error{Kind: KindNotConnected, Message: "not connected"}
	ErrMalformedMessage  = &Error{Kind: KindMalformedMessage, Message: "malformed message"}
	ErrDecodeFailure     = &Error{Kind: KindDecodeFailure, Message: "decode failure"}
	ErrServerError       = &Error{Kind: KindServerError, Message: "server error"}
	ErrInvalidArgument   = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
)

var errNotObject = errors.New("frame is not a JSON object")

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the ErrorKind of err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
