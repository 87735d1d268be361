package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure for retry and fallback decisions.
type Kind int

const (
	// KindCall is a transient network or vendor failure. Retryable.
	KindCall Kind = iota
	// KindInit means bad credentials or an unreachable endpoint. Fatal for
	// that backend only.
	KindInit
	// KindRateLimit is a vendor 429 or a local limiter rejection. Retryable
	// with a longer backoff.
	KindRateLimit
	// KindTokenLimit means the request does not fit the model window.
	KindTokenLimit
	// KindInvalidRequest is a malformed request the vendor refused.
	KindInvalidRequest
	// KindUnavailable means no target could accept the call at all.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call_error"
	case KindInit:
		return "init_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindTokenLimit:
		return "token_limit_error"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the typed failure returned by backends.
type Error struct {
	Kind       Kind
	Backend    string
	Model      string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Backend != "" {
		b.WriteString(" [")
		b.WriteString(e.Backend)
		b.WriteString("]")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry policy may run the call again.
func (e *Error) Retryable() bool {
	return e.Kind == KindCall || e.Kind == KindRateLimit
}

// NewError builds an *Error of the given kind.
func NewError(kind Kind, backend, msg string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Message: msg, Err: err}
}

// InitError wraps a failed Initialize.
func InitError(backend string, err error) *Error {
	return &Error{Kind: KindInit, Backend: backend, Err: err}
}

// CallError wraps a transient call failure.
func CallError(backend string, err error) *Error {
	return &Error{Kind: KindCall, Backend: backend, Err: err}
}

// RateLimitError reports a throttled call, with the vendor's Retry-After
// hint when known.
func RateLimitError(backend string, retryAfter time.Duration, msg string) *Error {
	return &Error{Kind: KindRateLimit, Backend: backend, RetryAfter: retryAfter, Message: msg}
}

// TokenLimitError reports a prompt that does not fit the context window.
func TokenLimitError(backend, model string, tokens, window int) *Error {
	return &Error{
		Kind:    KindTokenLimit,
		Backend: backend,
		Model:   model,
		Message: fmt.Sprintf("prompt needs %d tokens, %s allows %d", tokens, model, window),
	}
}

// KindOf extracts the Kind of err. Untyped errors count as KindCall.
func KindOf(err error) Kind {
	var all *AllFailedError
	if errors.As(err, &all) {
		return KindUnavailable
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindCall
}

// IsRetryable reports whether err may succeed on another attempt against the
// same backend. Typed errors decide by Kind; an untyped cancellation is
// never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var all *AllFailedError
	if errors.As(err, &all) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return !IsCanceled(err)
}

// IsPermanent reports failures that no other backend would fix either: the
// request itself is at fault.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindTokenLimit, KindInvalidRequest:
		return true
	}
	return false
}

// IsCanceled reports whether err is a context cancellation or deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Attempt is the outcome of one dispatch to one target inside a failover
// loop.
type Attempt struct {
	Target  string
	Err     error
	Latency time.Duration
}

// AllFailedError is returned when every target tried for a request failed.
type AllFailedError struct {
	Target   string
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%s: no target available", e.Target)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Target+": "+a.Err.Error())
	}
	return fmt.Sprintf("%s: all %d attempts failed: %s", e.Target, len(e.Attempts), strings.Join(parts, "; "))
}

// Unwrap exposes each attempt's error to errors.Is and errors.As.
func (e *AllFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Targets lists the attempted target ids in order.
func (e *AllFailedError) Targets() []string {
	ids := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		ids = append(ids, a.Target)
	}
	return ids
}
