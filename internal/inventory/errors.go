package inventory

import (
	"errors"
	"fmt"
)

var (
	ErrEventNotFound        = errors.New("event not found")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrInvalidTransition    = errors.New("invalid reservation status transition")
	ErrInvalidMessage       = errors.New("invalid inventory message")
	ErrInvalidTicketCount   = errors.New("ticket count must be greater than zero")

	// ErrStorage and ErrTransport mark failures that are worth a redelivery.
	ErrStorage   = errors.New("storage failure")
	ErrTransport = errors.New("transport failure")

	// ErrOutcomeInFlight is returned for a redelivery that finds an earlier
	// attempt's outcome still unpublished within the grace period.
	ErrOutcomeInFlight = errors.New("outcome of an earlier attempt is still being published")
)

// InsufficientCapacityError carries the capacity seen by the ledger when a
// reservation was rejected.
type InsufficientCapacityError struct {
	EventID   int64
	Available int64
	Requested int64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("Insufficient capacity. Available: %d, Requested: %d", e.Available, e.Requested)
}

func (e *InsufficientCapacityError) Is(target error) bool {
	return target == ErrInsufficientCapacity
}

// EventNotFoundError names the event the ledger could not find.
type EventNotFoundError struct {
	EventID int64
}

func (e *EventNotFoundError) Error() string {
	return fmt.Sprintf("Event not found: %d", e.EventID)
}

func (e *EventNotFoundError) Is(target error) bool {
	return target == ErrEventNotFound
}

// StorageError wraps a driver error so callers can match ErrStorage.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// TransportError wraps a broker error so callers can match ErrTransport.
func TransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// IsTransient reports whether the message that produced err should be
// redelivered rather than acknowledged.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrTransport) || errors.Is(err, ErrOutcomeInFlight)
}
