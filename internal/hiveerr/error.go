// Package hiveerr defines the typed error taxonomy shared across the
// orchestrator so subsystem boundaries exchange typed values instead of
// bare strings or panics.
package hiveerr

import (
	"errors"
	"fmt"
)

// Kind groups errors by handling policy.
type Kind string

const (
	// Recoverable-internal: retried inside the connector with bounded
	// backoff; visible to a strategy only after retries exhaust.
	KindAdapterTimeout   Kind = "adapter_timeout"
	KindAdapterTransient Kind = "adapter_transient"
	KindMarketDataGap    Kind = "market_data_gap"

	// Strategy-surfaced: delivered to the strategy's next tick; counted;
	// never disable the strategy.
	KindOrderRejected      Kind = "order_rejected"
	KindCancelFailed       Kind = "cancel_failed"
	KindInsufficientBalance Kind = "insufficient_balance"

	// Operator-surfaced: returned as 4xx from the control plane; never
	// logged as errors at orchestrator level.
	KindInvalidConfig    Kind = "invalid_config"
	KindDuplicateName    Kind = "duplicate_name"
	KindUnknownStrategy  Kind = "unknown_strategy"

	// Fatal-subsystem.
	KindStoreUnavailable  Kind = "store_unavailable"
	KindAdapterAuthFailed Kind = "adapter_auth_failed"
)

// Error wraps an underlying cause with a Kind and the operation that
// produced it, following the standard library's wrap-and-unwrap idiom
// rather than a bespoke error-handling dependency.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a typed Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, returning "" if err is not a *Error.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}

// Operator-surfaced kinds are returned as 4xx by the control plane rather
// than logged as internal errors.
func IsOperatorSurfaced(kind Kind) bool {
	switch kind {
	case KindInvalidConfig, KindDuplicateName, KindUnknownStrategy:
		return true
	default:
		return false
	}
}
