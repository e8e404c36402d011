// Package fault defines the error taxonomy shared by every Hydra component.
// Each error carries a Kind, a retryability flag, and optional structured
// context so the scheduler can make retry decisions without string matching.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for retry decisions and client reporting.
type Kind string

const (
	// KindValidation is a malformed request. Never retried.
	KindValidation Kind = "validation"
	// KindBackendUnavailable is a transport or DNS failure reaching the backend.
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindBackendHTTP is a non-2xx backend response; Status carries the code.
	KindBackendHTTP Kind = "backend_http"
	// KindBackendTimeout is a backend call that exceeded its deadline.
	KindBackendTimeout Kind = "backend_timeout"
	// KindRateLimited is a 429 from the backend; RetryAfter may be set.
	KindRateLimited Kind = "rate_limited"
	// KindCancelled is a cooperative cancellation. Never retried.
	KindCancelled Kind = "cancelled"
	// KindCache is a cache read/write/corruption failure. Logged, never surfaced.
	KindCache Kind = "cache"
	// KindAllBackendsFailed means every participant in a race failed.
	KindAllBackendsFailed Kind = "all_backends_failed"
	// KindWaitTimeout means a queue wait elapsed; the item is unaffected.
	KindWaitTimeout Kind = "wait_timeout"
	// KindShutdown means the operation was refused after shutdown.
	KindShutdown Kind = "scheduler_shutdown"
	// KindInternal is an unclassified failure.
	KindInternal Kind = "internal"
)

// Error is the single error type surfaced across component boundaries.
type Error struct {
	Kind       Kind           `json:"kind"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	Status     int            `json:"status,omitempty"`
	RetryAfter time.Duration  `json:"retry_after,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Err        error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// With attaches a context key/value pair and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Validation creates a non-retryable validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// BackendUnavailable wraps a transport-level failure.
func BackendUnavailable(err error) *Error {
	return &Error{Kind: KindBackendUnavailable, Message: "backend unreachable", Retryable: true, Err: err}
}

// BackendHTTP wraps a non-2xx backend response. 408, 429, and 5xx are
// retryable; all other statuses are not. A 429 is reported as rate_limited.
func BackendHTTP(status int, body string, retryAfter time.Duration) *Error {
	if status == http.StatusTooManyRequests {
		return &Error{
			Kind:       KindRateLimited,
			Message:    "backend rate limited the request",
			Retryable:  true,
			Status:     status,
			RetryAfter: retryAfter,
		}
	}
	return &Error{
		Kind:      KindBackendHTTP,
		Message:   fmt.Sprintf("backend returned status %d: %s", status, truncate(body, 200)),
		Retryable: status == http.StatusRequestTimeout || status >= 500,
		Status:    status,
	}
}

// BackendTimeout wraps a deadline-exceeded backend call.
func BackendTimeout(err error) *Error {
	return &Error{Kind: KindBackendTimeout, Message: "backend call timed out", Retryable: true, Err: err}
}

// Cancelled wraps a cooperative cancellation.
func Cancelled(err error) *Error {
	return &Error{Kind: KindCancelled, Message: "operation cancelled", Err: err}
}

// CacheFailure wraps a cache I/O or corruption error. Callers log it and
// treat the lookup as a miss; it never reaches a client.
func CacheFailure(op string, err error) *Error {
	return &Error{Kind: KindCache, Message: fmt.Sprintf("cache %s failed", op), Err: err}
}

// AllBackendsFailed aggregates the last error per model after a race in
// which no participant produced an acceptable answer.
func AllBackendsFailed(perModel map[string]string) *Error {
	e := &Error{Kind: KindAllBackendsFailed, Message: "all backends failed"}
	for model, msg := range perModel {
		e.With(model, msg)
	}
	return e
}

// WaitTimeout signals that a queue wait elapsed before the item finished.
func WaitTimeout(id int64) *Error {
	return &Error{Kind: KindWaitTimeout, Message: fmt.Sprintf("wait for item %d timed out", id)}
}

// Shutdown signals that the scheduler refused an operation after shutdown.
func Shutdown() *Error {
	return &Error{Kind: KindShutdown, Message: "scheduler is shut down"}
}

// Internal wraps an unclassified failure.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf extracts the Kind from any error, returning KindInternal for
// errors that did not originate in this package.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the scheduler may re-execute the failed
// attempt. Unclassified errors are not retried.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// RetryAfterOf returns the backend-requested retry delay, or zero.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
