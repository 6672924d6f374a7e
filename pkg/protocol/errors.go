package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every failure a send or dispatch can surface.
// Kinds travel on the wire inside failure responses, so values are stable.
type ErrorKind uint8

const (
	// KindNone is the zero value and means "no error".
	KindNone ErrorKind = iota

	// Transient: the retry loop may continue after these.
	KindNotReachable
	KindDeliveryFailed
	KindReplyFailed

	// Permanent: propagated as soon as the fallback (if any) has been tried.
	KindEncodingFailed
	KindDecodingFailed
	KindHandlerNotRegistered
	KindHandlerError
	KindCancelled
	KindTimeout

	// Session-level: surfaced, never silently retried.
	KindNotActivated
	KindUnhealthySession
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotReachable:
		return "not-reachable"
	case KindDeliveryFailed:
		return "delivery-failed"
	case KindReplyFailed:
		return "reply-failed"
	case KindEncodingFailed:
		return "encoding-failed"
	case KindDecodingFailed:
		return "decoding-failed"
	case KindHandlerNotRegistered:
		return "handler-not-registered"
	case KindHandlerError:
		return "handler-error"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindNotActivated:
		return "not-activated"
	case KindUnhealthySession:
		return "unhealthy-session"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Retryable reports whether the fixed-delay retry loop may continue after an
// error of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNotReachable, KindDeliveryFailed, KindReplyFailed:
		return true
	}
	return false
}

// Error is the typed error every send either returns or wraps.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// Is matches two *Error values by kind, so errors.Is can test the taxonomy
// without comparing messages.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// Errf builds a typed error with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or KindNone when err is nil or untyped.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindNone
}
