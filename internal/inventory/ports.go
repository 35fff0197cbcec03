package inventory

import (
	"context"
	"time"
)

// Transactor scopes a unit of work. Ledger and ReservationStore calls made
// with the ctx passed to fn commit or roll back together.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReleaseResult is the outcome of returning tickets to an event. Overflow is
// the number of tickets dropped because the increment would have exceeded
// the total capacity.
type ReleaseResult struct {
	Left     int64
	Overflow int64
}

// Ledger mutates remaining capacity with conditional updates evaluated by the
// storage engine.
type Ledger interface {
	// TryReserve decrements left capacity by count when at least count is
	// left and returns the new value. It returns *EventNotFoundError or
	// *InsufficientCapacityError otherwise.
	TryReserve(ctx context.Context, eventID, count int64) (int64, error)
	// Release adds count back, capped at the event's total capacity.
	Release(ctx context.Context, eventID, count int64) (ReleaseResult, error)
	GetEvent(ctx context.Context, eventID int64) (Event, error)
}

// ReservationStore persists reservation records. TransactionID is unique.
type ReservationStore interface {
	// Create returns ErrDuplicateTransaction when a record with the same
	// transaction id already exists.
	Create(ctx context.Context, r Reservation) error
	FindByTransactionID(ctx context.Context, transactionID string) (Reservation, error)
	FindByEventID(ctx context.Context, eventID int64) ([]Reservation, error)
	FindByStatus(ctx context.Context, status Status) ([]Reservation, error)
	// UpdateStatus moves a record from one status to another only when it is
	// currently in from. It returns ErrInvalidTransition otherwise.
	UpdateStatus(ctx context.Context, transactionID string, from, to Status) error
	SetErrorMessage(ctx context.Context, transactionID, message string) error
	// MarkOutcomeSent clears OutcomePending when the record is still in
	// status. A record that moved on is left untouched.
	MarkOutcomeSent(ctx context.Context, transactionID string, status Status) error
	// FindStuck returns RESERVED records created before cutoff.
	FindStuck(ctx context.Context, cutoff time.Time) ([]Reservation, error)
	// DeleteTerminalBefore removes COMPENSATED and FAILED records created
	// before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// Store is what a storage backend provides to the participant.
type Store interface {
	Transactor
	Ledger
	ReservationStore
}

// Publisher emits outbound saga messages.
type Publisher interface {
	Publish(ctx context.Context, msg InventoryEvent) error
}

// Locker guards work that should run on one instance at a time.
type Locker interface {
	// TryLock returns acquired=false without error when another holder owns key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, acquired bool, err error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints reservation ids.
type IDGenerator func() string
