package chat

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the conversation core can surface. The
// taxonomy is closed: remote SDK errors are mapped into one of these kinds
// at the client boundary so callers can match on kind instead of provider
// error types.
type Kind int

const (
	// KindValidation: bad user input. Recovered locally, history unchanged.
	KindValidation Kind = iota + 1
	// KindConfig: missing/invalid credential or model name. Fatal at
	// startup, blocking mid-session.
	KindConfig
	// KindAuth: credential rejected by the remote service. Not retried.
	KindAuth
	// KindUnavailable: transient failures exhausted the retry budget.
	KindUnavailable
	// KindPromptTooLarge: the latest user turn alone exceeds the context
	// budget. The user must shorten the input.
	KindPromptTooLarge
	// KindProtocol: malformed/unexpected response payload. A contract
	// mismatch, not transience; never retried.
	KindProtocol
	// KindStreamInterrupted: the connection dropped after partial fragments
	// were delivered. The partial text is kept, tagged incomplete.
	KindStreamInterrupted
	// KindBusy: a second submit while one is in flight. Rejected rather
	// than queued.
	KindBusy
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindUnavailable:
		return "unavailable"
	case KindPromptTooLarge:
		return "prompt-too-large"
	case KindProtocol:
		return "protocol"
	case KindStreamInterrupted:
		return "stream-interrupted"
	case KindBusy:
		return "busy"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the error type surfaced by the chat core. It wraps an optional
// cause and, for interrupted streams, carries the partial text delivered
// before the drop.
type Error struct {
	Kind    Kind
	Message string
	Partial string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by kind, so errors.Is(err, &chat.Error{Kind: KindBusy})
// works across wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

func WrapError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// KindOf extracts the kind from an error chain, or 0 when the error did not
// originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
