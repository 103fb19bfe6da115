package domain

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by every component. Callers match with errors.Is.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
	ErrGatewayError           = errors.New("payment gateway error")
	ErrNotFound               = errors.New("not found")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrValidationFailed       = errors.New("validation failed")

	// ErrLedgerImmutable is returned when something tries to update or delete a ledger row.
	ErrLedgerImmutable = errors.New("ledger entries are append-only")
)

// GatewayError wraps a failure returned by an external payment backend together with
// the context needed to reconcile it by hand.
type GatewayError struct {
	Gateway   string
	Reference string
	OrderID   uint
	Op        string
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s %s (order %d, reference %q): %v", e.Gateway, e.Op, e.OrderID, e.Reference, e.Err)
}

// Unwrap exposes both the ErrGatewayError class and the underlying cause.
func (e *GatewayError) Unwrap() []error {
	return []error{ErrGatewayError, e.Err}
}

// TransitionError reports a rejected state machine move.
func TransitionError(entity string, from, to any) error {
	return fmt.Errorf("%w: %s cannot move from %v to %v", ErrInvalidStateTransition, entity, from, to)
}
