package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadyTerminal     = errors.New("reservation already terminal")
	ErrMessageDelivery     = errors.New("message delivery failed")
	ErrDuplicateMessage    = errors.New("duplicate message")
	ErrItemNotFound        = errors.New("item not found")
	ErrItemExists          = errors.New("item already exists")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
)

// MessageDeliveryError is returned when a publish exhausted its retry budget.
// It matches ErrMessageDelivery with errors.Is.
type MessageDeliveryError struct {
	RoutingKey string
	MessageID  string
	Attempts   int
	Err        error
}

func (e *MessageDeliveryError) Error() string {
	return fmt.Sprintf("deliver %s (message %s) failed after %d attempts: %v",
		e.RoutingKey, e.MessageID, e.Attempts, e.Err)
}

func (e *MessageDeliveryError) Unwrap() error {
	return e.Err
}

func (e *MessageDeliveryError) Is(target error) bool {
	return target == ErrMessageDelivery
}
