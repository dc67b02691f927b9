package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrStaleTransition     = errors.New("stale status transition")
	ErrInsufficientCapital = errors.New("insufficient available capital")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
	ErrHalted              = errors.New("trading halted")
	ErrNotReady            = errors.New("system not ready")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrContextDone         = errors.New("context cancelled")
)

// Kind is the stable failure taxonomy. Every failure that leaves a component
// (terminal events, denials, alerts, exit paths) carries exactly one Kind.
type Kind string

const (
	KindConfigInvalid     Kind = "config_invalid"
	KindBusUnavailable    Kind = "bus_unavailable"
	KindDBUnavailable     Kind = "db_unavailable"
	KindSecretMissing     Kind = "secret_missing"
	KindExchangeTransient Kind = "exchange_transient"
	KindExchangePermanent Kind = "exchange_permanent"
	KindValidationFailed  Kind = "validation_failed"
	KindReconcileDrift    Kind = "reconcile_drift"
	KindTimeout           Kind = "timeout"
	KindRateLimited       Kind = "rate_limited"
	KindInternalBug       Kind = "internal_bug"
)

// Retryable reports whether failures of this kind may be retried locally.
// Permanent kinds short-circuit to a terminal event instead.
func (k Kind) Retryable() bool {
	switch k {
	case KindExchangeTransient, KindBusUnavailable, KindDBUnavailable, KindTimeout, KindRateLimited:
		return true
	}
	return false
}

// Fault attaches a Kind and a human-readable reason to an error. The wrapped
// cause (may be nil) stays reachable through errors.Is/As.
type Fault struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault creates a Fault with no underlying cause.
func NewFault(kind Kind, reason string) *Fault {
	return &Fault{Kind: kind, Reason: reason}
}

// Faultf creates a Fault with a formatted reason.
func Faultf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapFault classifies an existing error.
func WrapFault(kind Kind, reason string, err error) *Fault {
	return &Fault{Kind: kind, Reason: reason, Err: err}
}

// KindOf walks the error chain and returns its Kind. Context deadline errors
// classify as timeout even when nothing wrapped them explicitly.
func KindOf(err error) (Kind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}
	if errors.Is(err, ErrRateLimited) {
		return KindRateLimited, true
	}
	if errors.Is(err, ErrInsufficientCapital) {
		return KindValidationFailed, true
	}
	return "", false
}

// ReasonOf returns the human-readable reason from the first Fault in the
// chain, falling back to the error text.
func ReasonOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
