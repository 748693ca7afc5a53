package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure surfaced by the engine, settlement layer and
// resolution registry unwraps to exactly one of these.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrSlippageExceeded    = errors.New("slippage exceeded")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrAmountTooSmall      = errors.New("amount too small")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
)

// Error pairs an error kind with a human-readable reason.
type Error struct {
	Kind   error
	Reason string
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// IsRetriable reports whether err may succeed if the whole unit of work is
// attempted again against fresh state. Only a concurrency conflict qualifies.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

var kinds = []error{
	ErrNotFound,
	ErrInvalidState,
	ErrInsufficientFunds,
	ErrInsufficientShares,
	ErrSlippageExceeded,
	ErrInvariantViolation,
	ErrConcurrencyConflict,
	ErrAmountTooSmall,
	ErrUnauthorized,
	ErrRateLimited,
	ErrLockHeld,
}

// KindOf returns the kind err unwraps to, or nil when it matches none.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Reason returns the human-readable part of err, without the kind prefix
// when err is an *Error.
func Reason(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return err.Error()
}
