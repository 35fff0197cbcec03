// Package memory is an in-process inventory store used for local runs and
// tests. A single mutex plays the role of the storage engine: every
// conditional update is evaluated while it is held.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"ticketinventory/internal/inventory"
)

type txKey struct{ s *Store }

type Store struct {
	mu           sync.Mutex
	events       map[int64]inventory.Event
	reservations map[string]inventory.Reservation
}

var _ inventory.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		events:       make(map[int64]inventory.Event),
		reservations: make(map[string]inventory.Reservation),
	}
}

// WithTx runs fn with the store locked. Changes made by fn are discarded
// when it returns an error.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := maps.Clone(s.events)
	reservations := maps.Clone(s.reservations)

	if err := fn(context.WithValue(ctx, txKey{s}, true)); err != nil {
		s.events = events
		s.reservations = reservations
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{s}).(bool)
	return v
}

func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// SaveEvent inserts or replaces an event.
func (s *Store) SaveEvent(ctx context.Context, e inventory.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	defer s.lock(ctx)()
	s.events[e.ID] = e
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID int64) (inventory.Event, error) {
	defer s.lock(ctx)()
	e, ok := s.events[eventID]
	if !ok {
		return inventory.Event{}, &inventory.EventNotFoundError{EventID: eventID}
	}
	return e, nil
}

func (s *Store) TryReserve(ctx context.Context, eventID, count int64) (int64, error) {
	if count <= 0 {
		return 0, inventory.ErrInvalidTicketCount
	}
	defer s.lock(ctx)()
	e, ok := s.events[eventID]
	if !ok {
		return 0, &inventory.EventNotFoundError{EventID: eventID}
	}
	if e.LeftCapacity < count {
		return 0, &inventory.InsufficientCapacityError{EventID: eventID, Available: e.LeftCapacity, Requested: count}
	}
	e.LeftCapacity -= count
	s.events[eventID] = e
	return e.LeftCapacity, nil
}

func (s *Store) Release(ctx context.Context, eventID, count int64) (inventory.ReleaseResult, error) {
	if count <= 0 {
		return inventory.ReleaseResult{}, inventory.ErrInvalidTicketCount
	}
	defer s.lock(ctx)()
	e, ok := s.events[eventID]
	if !ok {
		return inventory.ReleaseResult{}, &inventory.EventNotFoundError{EventID: eventID}
	}
	var res inventory.ReleaseResult
	left := e.LeftCapacity + count
	if left > e.TotalCapacity {
		res.Overflow = left - e.TotalCapacity
		left = e.TotalCapacity
	}
	e.LeftCapacity = left
	s.events[eventID] = e
	res.Left = left
	return res, nil
}

func (s *Store) Create(ctx context.Context, r inventory.Reservation) error {
	defer s.lock(ctx)()
	if _, ok := s.reservations[r.TransactionID]; ok {
		return fmt.Errorf("%w: %s", inventory.ErrDuplicateTransaction, r.TransactionID)
	}
	s.reservations[r.TransactionID] = r
	return nil
}

func (s *Store) FindByTransactionID(ctx context.Context, transactionID string) (inventory.Reservation, error) {
	defer s.lock(ctx)()
	r, ok := s.reservations[transactionID]
	if !ok {
		return inventory.Reservation{}, inventory.ErrReservationNotFound
	}
	return r, nil
}

func (s *Store) FindByEventID(ctx context.Context, eventID int64) ([]inventory.Reservation, error) {
	return s.filter(ctx, func(r inventory.Reservation) bool { return r.EventID == eventID }), nil
}

func (s *Store) FindByStatus(ctx context.Context, status inventory.Status) ([]inventory.Reservation, error) {
	return s.filter(ctx, func(r inventory.Reservation) bool { return r.Status == status }), nil
}

func (s *Store) FindStuck(ctx context.Context, cutoff time.Time) ([]inventory.Reservation, error) {
	return s.filter(ctx, func(r inventory.Reservation) bool {
		return r.Status == inventory.StatusReserved && r.CreatedAt.Before(cutoff)
	}), nil
}

func (s *Store) UpdateStatus(ctx context.Context, transactionID string, from, to inventory.Status) error {
	defer s.lock(ctx)()
	r, ok := s.reservations[transactionID]
	if !ok {
		return inventory.ErrReservationNotFound
	}
	if r.Status != from {
		return fmt.Errorf("%w: %s is %s, not %s", inventory.ErrInvalidTransition, transactionID, r.Status, from)
	}
	r, err := r.Transition(to)
	if err != nil {
		return err
	}
	s.reservations[transactionID] = r
	return nil
}

func (s *Store) SetErrorMessage(ctx context.Context, transactionID, message string) error {
	defer s.lock(ctx)()
	r, ok := s.reservations[transactionID]
	if !ok {
		return inventory.ErrReservationNotFound
	}
	r.ErrorMessage = message
	s.reservations[transactionID] = r
	return nil
}

func (s *Store) MarkOutcomeSent(ctx context.Context, transactionID string, status inventory.Status) error {
	defer s.lock(ctx)()
	r, ok := s.reservations[transactionID]
	if !ok {
		return inventory.ErrReservationNotFound
	}
	if r.Status == status {
		r.OutcomePending = false
		s.reservations[transactionID] = r
	}
	return nil
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer s.lock(ctx)()
	var n int64
	for txn, r := range s.reservations {
		if (r.Status == inventory.StatusCompensated || r.Status == inventory.StatusFailed) && r.CreatedAt.Before(cutoff) {
			delete(s.reservations, txn)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[inventory.Status]int64, error) {
	defer s.lock(ctx)()
	counts := make(map[inventory.Status]int64, len(inventory.Statuses))
	for _, st := range inventory.Statuses {
		counts[st] = 0
	}
	for _, r := range s.reservations {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *Store) filter(ctx context.Context, keep func(inventory.Reservation) bool) []inventory.Reservation {
	defer s.lock(ctx)()
	var out []inventory.Reservation
	for _, r := range s.reservations {
		if keep(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b inventory.Reservation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.TransactionID < b.TransactionID {
			return -1
		}
		if a.TransactionID > b.TransactionID {
			return 1
		}
		return 0
	})
	return out
}
