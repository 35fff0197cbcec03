package inventory

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusReserved    Status = "RESERVED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusCompensated Status = "COMPENSATED"
	StatusFailed      Status = "FAILED"
)

// Statuses lists every reservation status in declaration order.
var Statuses = []Status{StatusReserved, StatusConfirmed, StatusCompensated, StatusFailed}

// ParseStatus accepts the wire spelling of a status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown reservation status %q", s)
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusCompensated || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the reservation
// state machine. Only RESERVED has outgoing edges.
func CanTransition(from, to Status) bool {
	return from == StatusReserved && (to == StatusConfirmed || to == StatusCompensated)
}

// Reservation is the saga record for one transaction id.
type Reservation struct {
	ID               string
	TransactionID    string
	EventID          int64
	UserID           int64
	TicketCount      int64
	OriginalCapacity int64
	Status           Status
	CreatedAt        time.Time
	ErrorMessage     string
	// OutcomePending is set while the message announcing the current status
	// has not been confirmed as published.
	OutcomePending   bool
}

// NewReserved builds the record written together with a capacity decrement.
// originalCapacity is the left capacity observed before the decrement.
func NewReserved(id, transactionID string, eventID, userID, ticketCount, originalCapacity int64, now time.Time) (Reservation, error) {
	if strings.TrimSpace(transactionID) == "" {
		return Reservation{}, fmt.Errorf("%w: transaction id is required", ErrInvalidMessage)
	}
	if ticketCount <= 0 {
		return Reservation{}, ErrInvalidTicketCount
	}
	return Reservation{
		ID:               id,
		TransactionID:    transactionID,
		EventID:          eventID,
		UserID:           userID,
		TicketCount:      ticketCount,
		OriginalCapacity: originalCapacity,
		Status:           StatusReserved,
		CreatedAt:        now.UTC(),
		OutcomePending:   true,
	}, nil
}

// NewFailed builds the audit record for a reservation attempt that failed.
func NewFailed(id, transactionID string, eventID, userID, ticketCount int64, errorMessage string, now time.Time) Reservation {
	return Reservation{
		ID:             id,
		TransactionID:  transactionID,
		EventID:        eventID,
		UserID:         userID,
		TicketCount:    ticketCount,
		Status:         StatusFailed,
		CreatedAt:      now.UTC(),
		ErrorMessage:   errorMessage,
		OutcomePending: true,
	}
}

func (r Reservation) CanBeCompensated() bool { return r.Status == StatusReserved }

func (r Reservation) IsTerminal() bool { return r.Status.IsTerminal() }

// AgeInHours is derived from CreatedAt; a zero CreatedAt has age 0.
func (r Reservation) AgeInHours(now time.Time) int64 {
	if r.CreatedAt.IsZero() {
		return 0
	}
	return int64(now.Sub(r.CreatedAt) / time.Hour)
}

// Transition returns r moved to status to, or ErrInvalidTransition.
// Moving to COMPENSATED leaves an outcome to publish; CONFIRMED does not.
func (r Reservation) Transition(to Status) (Reservation, error) {
	if !CanTransition(r.Status, to) {
		return r, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.OutcomePending = AnnouncesOutcome(to)
	return r, nil
}

// AnnouncesOutcome reports whether entering s is followed by a message to
// the orchestrator.
func AnnouncesOutcome(s Status) bool {
	return s == StatusReserved || s == StatusFailed || s == StatusCompensated
}
