package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Venue errors wrap one of these so callers can use errors.Is.
var (
	// ErrTransientNetwork is a connection-level failure; retried with backoff.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrRateLimited is a venue rate-limit response; retried with the adaptive delay.
	ErrRateLimited = errors.New("rate limited")
	// ErrInstrumentRejected is a quantity, notional or leverage violation.
	ErrInstrumentRejected = errors.New("instrument rejected")
	// ErrExchangeStateConflict means the venue disagrees with our belief, e.g. no position to close.
	ErrExchangeStateConflict = errors.New("exchange state conflict")
	ErrConfiguration         = errors.New("configuration error")
	// ErrUnknownOutcome is a timed out call whose effect is unknown until the next reconciliation.
	ErrUnknownOutcome   = errors.New("unknown outcome")
	ErrQuantityTooSmall = errors.New("quantity too small")
	// ErrNotModified means the requested value is already in place.
	ErrNotModified = errors.New("not modified")
	ErrNotFound    = errors.New("not found")
)

// Error is an error returned by the exchange API. Kind classifies it.
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Kind error  `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

// Unwrap exposes the taxonomy class.
func (e *Error) Unwrap() error {
	return e.Kind
}

// Retryable reports whether err is absorbed by the exchange client's retry policy.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrRateLimited)
}
