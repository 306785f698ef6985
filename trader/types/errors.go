package types

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation bad input (lots, price increment, unknown instrument, balance)
	ErrValidation = errors.New("validation error")
	// ErrInstrumentNotFound ticker unknown to the broker
	ErrInstrumentNotFound = fmt.Errorf("%w: instrument not found", ErrValidation)
	// ErrOrderNotFound broker has no record of the order
	ErrOrderNotFound = errors.New("order not found at broker")
	// ErrCircuitOpen gateway calls short-circuited after repeated failures
	ErrCircuitOpen = errors.New("gateway circuit breaker open")
)

// GatewayError error returned by a brokerage call
type GatewayError struct {
	Op        string // gateway operation, e.g. "place_limit_order"
	Code      int    // broker error code when available
	Transient bool   // safe to retry (network, rate limit, 5xx)
	Err       error
}

func (e *GatewayError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Code != 0 {
		return fmt.Sprintf("gateway %s failed (%s, code %d): %v", e.Op, kind, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retryable gateway error
func NewTransientError(op string, err error) *GatewayError {
	return &GatewayError{Op: op, Transient: true, Err: err}
}

// NewPermanentError wraps err as a non-retryable gateway error
func NewPermanentError(op string, code int, err error) *GatewayError {
	return &GatewayError{Op: op, Code: code, Err: err}
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Transient
	}
	return false
}
