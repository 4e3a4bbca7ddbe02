// Package errs defines the platform error taxonomy. Components classify
// failures by Kind at the boundary where they occur; the API layer maps
// kinds to HTTP statuses.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and retry policy decisions.
type Kind int

const (
	// Internal is an invariant violation. Logged at critical severity.
	Internal Kind = iota
	// Validation covers malformed input, precision violations, and invalid
	// enum values. Never retried.
	Validation
	// NotFound means the entity is not in the store.
	NotFound
	// Duplicate is a unique-constraint collision.
	Duplicate
	// InvalidState means the entity is not in a state where the requested
	// transition is legal.
	InvalidState
	// PreflightFailed means bot pre-start checks failed.
	PreflightFailed
	// InsufficientBalance means the pre-trade balance gate failed.
	InsufficientBalance
	// RiskViolation means the pre-trade risk gate failed.
	RiskViolation
	// NotCancellable means the order is already in a terminal state.
	NotCancellable
	// ExchangeRejected is a definitive venue rejection. Not retried.
	ExchangeRejected
	// ExchangeTransient is a retryable venue error (5xx, throttle, network
	// before dispatch). Retried internally by the adapter.
	ExchangeTransient
	// ExchangeUnknown is a network failure after a signed request was
	// dispatched. The caller must reconcile; never retried blindly.
	ExchangeUnknown
	// StreamReset means a stream disconnected or hit a sequence gap and
	// dependent state must be rebuilt from a snapshot.
	StreamReset
	// JobTimeout means a job handler exceeded its budget.
	JobTimeout
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Duplicate:
		return "duplicate"
	case InvalidState:
		return "invalid_state"
	case PreflightFailed:
		return "preflight_failed"
	case InsufficientBalance:
		return "insufficient_balance"
	case RiskViolation:
		return "risk_violation"
	case NotCancellable:
		return "not_cancellable"
	case ExchangeRejected:
		return "exchange_rejected"
	case ExchangeTransient:
		return "exchange_transient"
	case ExchangeUnknown:
		return "exchange_unknown"
	case StreamReset:
		return "stream_reset"
	case JobTimeout:
		return "job_timeout"
	default:
		return "internal"
	}
}

// Error is a kinded error with optional wrapped cause and metadata.
type Error struct {
	Kind Kind
	Msg  string
	// Limit identifies the violated limit type for RiskViolation errors.
	Limit string
	// Checks carries the failed check list for PreflightFailed errors.
	Checks []string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, errs.E(kind, "")) works for
// sentinel comparisons.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E builds a new kinded error.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// RiskViolationError builds a RiskViolation error that identifies the
// violated limit.
func RiskViolationError(limit, msg string) *Error {
	return &Error{Kind: RiskViolation, Msg: msg, Limit: limit}
}

// PreflightError builds a PreflightFailed error carrying the failed checks.
func PreflightError(checks []string) *Error {
	return &Error{Kind: PreflightFailed, Msg: "pre-flight checks failed", Checks: checks}
}

// KindOf extracts the taxonomy kind from an error chain. Unclassified errors
// report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to the REST status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Validation, Duplicate:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case InvalidState, NotCancellable:
		return http.StatusConflict
	case RiskViolation:
		return http.StatusUnprocessableEntity
	case InsufficientBalance, PreflightFailed:
		return http.StatusUnprocessableEntity
	case ExchangeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
