package message

import (
	"errors"
	"fmt"
)

// Kind enumerates the structural failure categories from spec §7. Every
// failure that can cross the wire or surface to a caller is one of these.
type Kind string

const (
	KindUnknownScheme           Kind = "UnknownScheme"
	KindUnknownServerThumbprint Kind = "UnknownServerThumbprint"
	KindUntrustedClient         Kind = "UntrustedClient"
	KindProtocolViolation       Kind = "ProtocolViolation"
	KindTransportTimeout        Kind = "TransportTimeout"
	KindPollingTimeout          Kind = "PollingTimeout"
	KindServiceError            Kind = "ServiceError"
	KindShutdown                Kind = "Shutdown"
)

// Error is the structural error value described in spec §7: a kind, a
// human message, and optionally the remote peer's stack text (set only
// when the error originated on the far side of a burst, e.g. ServiceError).
type Error struct {
	Kind    Kind
	Message string
	Remote  string
	inner   error
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind Kind, message string, inner error) *Error {
	return &Error{Kind: kind, Message: message, inner: inner}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.inner != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.inner)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.inner
}

// Is lets errors.Is(err, message.NewError(message.KindPollingTimeout, ""))
// style checks work: when the target is itself an *Error, only Kind is
// compared; Message and Remote are ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and
// reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
