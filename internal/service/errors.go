package service

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientStock means a requested quantity exceeds what is
	// available.  It is the only error shown to shoppers specifically.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrAlreadyReserved means the session already holds stock.
	ErrAlreadyReserved = errors.New("session already holds a reservation")
	// ErrInvalidState means a transition was attempted from a state that
	// does not allow it, usually a race or a stale client.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrInsufficientOnHand means a committed decrement found fewer units
	// on hand than were reserved.  Reaching it indicates an integrity bug.
	ErrInsufficientOnHand = errors.New("insufficient on-hand quantity")
	// ErrGatewayUnavailable means the payment gateway could not create a
	// payment session after the hold was committed.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrSessionNotFound    = errors.New("checkout session not found")
	ErrInvalidCart        = errors.New("invalid cart")
)

// StockError names the first line item that could not be held.
type StockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d",
		e.VariantID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }
