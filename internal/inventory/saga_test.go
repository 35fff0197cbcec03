package inventory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ticketinventory/internal/clock"
	"ticketinventory/internal/inventory"
	"ticketinventory/internal/storage/memory"

	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []inventory.InventoryEvent
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg inventory.InventoryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) sent() []inventory.InventoryEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]inventory.InventoryEvent(nil), p.msgs...)
}

func (p *recordingPublisher) ofType(t inventory.EventType) []inventory.InventoryEvent {
	var out []inventory.InventoryEvent
	for _, m := range p.sent() {
		if m.EventType == t {
			out = append(out, m)
		}
	}
	return out
}

// faultyStore injects errors into selected memory store calls.
type faultyStore struct {
	*memory.Store
	findErr    error
	reserveErr error
	createErr  error
	releaseErr error
	setErrErr  error
}

func (s *faultyStore) FindByTransactionID(ctx context.Context, txn string) (inventory.Reservation, error) {
	if s.findErr != nil {
		return inventory.Reservation{}, s.findErr
	}
	return s.Store.FindByTransactionID(ctx, txn)
}

func (s *faultyStore) TryReserve(ctx context.Context, eventID, count int64) (int64, error) {
	if s.reserveErr != nil {
		return 0, s.reserveErr
	}
	return s.Store.TryReserve(ctx, eventID, count)
}

func (s *faultyStore) Create(ctx context.Context, r inventory.Reservation) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.Create(ctx, r)
}

func (s *faultyStore) Release(ctx context.Context, eventID, count int64) (inventory.ReleaseResult, error) {
	if s.releaseErr != nil {
		return inventory.ReleaseResult{}, s.releaseErr
	}
	return s.Store.Release(ctx, eventID, count)
}

func (s *faultyStore) SetErrorMessage(ctx context.Context, txn, msg string) error {
	if s.setErrErr != nil {
		return s.setErrErr
	}
	if err := ctx.Err(); err != nil {
		return inventory.StorageError("set reservation error", err)
	}
	return s.Store.SetErrorMessage(ctx, txn, msg)
}

var testNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func seedEvent(t *testing.T, store *memory.Store, id, capacity int64) {
	t.Helper()
	e, err := inventory.NewEvent(id, "Concert", capacity, decimal.NewFromInt(40), inventory.Venue{ID: 1, Name: "Arena"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := store.SaveEvent(context.Background(), e); err != nil {
		t.Fatalf("save event: %v", err)
	}
}

func leftCapacity(t *testing.T, store inventory.Ledger, id int64) int64 {
	t.Helper()
	e, err := store.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	return e.LeftCapacity
}

func bookingValidated(t *testing.T, txn string, eventID, count int64) inventory.InventoryEvent {
	t.Helper()
	userID := int64(7)
	price := decimal.NewFromInt(40 * count)
	msg, err := inventory.NewInventoryEvent(txn, &userID, &eventID, &count, &price, inventory.BookingValidated)
	if err != nil {
		t.Fatalf("new booking event: %v", err)
	}
	return msg
}

func compensateCommand(t *testing.T, txn string) inventory.InventoryEvent {
	t.Helper()
	msg, err := inventory.CompensationEvent(txn, inventory.CompensateInventory)
	if err != nil {
		t.Fatalf("new compensation event: %v", err)
	}
	return msg
}

func newParticipant(t *testing.T, store inventory.Store, pub inventory.Publisher, opts ...inventory.ParticipantOption) *inventory.Participant {
	t.Helper()
	var n int
	var mu sync.Mutex
	defaults := []inventory.ParticipantOption{
		inventory.WithClock(clock.NewFixed(testNow)),
		inventory.WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("res-%d", n)
		}),
	}
	return inventory.NewParticipant(store, pub, zaptest.NewLogger(t), append(defaults, opts...)...)
}

func TestParticipant_Scenarios(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	seedEvent(t, store, 1, 10)
	pub := &recordingPublisher{}
	p := newParticipant(t, store, pub)

	t.Run("A reserve decrements and publishes INVENTORY_RESERVED", func(t *testing.T) {
		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := leftCapacity(t, store, 1); got != 7 {
			t.Fatalf("expected left 7, got %d", got)
		}
		r, err := store.FindByTransactionID(ctx, "t1")
		if err != nil {
			t.Fatalf("find reservation: %v", err)
		}
		if r.Status != inventory.StatusReserved {
			t.Fatalf("expected status RESERVED, got %s", r.Status)
		}
		if r.OriginalCapacity != 10 {
			t.Fatalf("expected original capacity 10, got %d", r.OriginalCapacity)
		}
		if !r.CreatedAt.Equal(testNow) {
			t.Fatalf("expected created at %v, got %v", testNow, r.CreatedAt)
		}

		sent := pub.ofType(inventory.InventoryReserved)
		if len(sent) != 1 {
			t.Fatalf("expected 1 INVENTORY_RESERVED, got %d", len(sent))
		}
		m := sent[0]
		if m.TransactionID != "t1" || *m.EventID != 1 || *m.TicketCount != 3 || *m.UserID != 7 {
			t.Fatalf("unexpected message: %+v", m)
		}
		if !m.TotalPrice.Equal(decimal.NewFromInt(120)) {
			t.Fatalf("expected total price 120, got %s", m.TotalPrice)
		}
	})

	t.Run("B redelivery is a no-op", func(t *testing.T) {
		before := len(pub.sent())
		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := leftCapacity(t, store, 1); got != 7 {
			t.Fatalf("expected left 7, got %d", got)
		}
		if n := len(pub.sent()); n != before {
			t.Fatalf("expected no new message, got %d new", n-before)
		}
		counts, _ := store.CountByStatus(ctx)
		if counts[inventory.StatusReserved] != 1 {
			t.Fatalf("expected exactly 1 reservation, got %v", counts)
		}
	})

	t.Run("C compensate restores capacity once", func(t *testing.T) {
		if err := p.Compensate(ctx, compensateCommand(t, "t1")); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := leftCapacity(t, store, 1); got != 10 {
			t.Fatalf("expected left 10, got %d", got)
		}
		r, _ := store.FindByTransactionID(ctx, "t1")
		if r.Status != inventory.StatusCompensated {
			t.Fatalf("expected status COMPENSATED, got %s", r.Status)
		}
		if n := len(pub.ofType(inventory.InventoryCompensated)); n != 1 {
			t.Fatalf("expected 1 INVENTORY_COMPENSATED, got %d", n)
		}

		if err := p.Compensate(ctx, compensateCommand(t, "t1")); err != nil {
			t.Fatalf("expected no error on second compensate, got %v", err)
		}
		if got := leftCapacity(t, store, 1); got != 10 {
			t.Fatalf("expected left 10 after second compensate, got %d", got)
		}
		if n := len(pub.ofType(inventory.InventoryCompensated)); n != 1 {
			t.Fatalf("expected no second INVENTORY_COMPENSATED, got %d", n)
		}
	})
}

func TestParticipant_InsufficientCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	seedEvent(t, store, 2, 2)
	pub := &recordingPublisher{}
	p := newParticipant(t, store, pub)

	if err := p.Reserve(ctx, bookingValidated(t, "t2", 2, 5)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := leftCapacity(t, store, 2); got != 2 {
		t.Fatalf("expected left 2, got %d", got)
	}

	r, err := store.FindByTransactionID(ctx, "t2")
	if err != nil {
		t.Fatalf("find reservation: %v", err)
	}
	want := "Insufficient capacity. Available: 2, Requested: 5"
	if r.Status != inventory.StatusFailed || r.ErrorMessage != want {
		t.Fatalf("expected FAILED with %q, got %s %q", want, r.Status, r.ErrorMessage)
	}

	failed := pub.ofType(inventory.InventoryReservationFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 INVENTORY_RESERVATION_FAILED, got %d", len(failed))
	}
	if failed[0].ErrorMessage != want {
		t.Fatalf("expected error message %q, got %q", want, failed[0].ErrorMessage)
	}
	if len(pub.ofType(inventory.InventoryReserved)) != 0 {
		t.Fatalf("expected no INVENTORY_RESERVED")
	}
}

func TestParticipant_ConcurrentReservations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("E competing transactions for the last seats", func(t *testing.T) {
		store := memory.NewStore()
		seedEvent(t, store, 1, 5)
		pub := &recordingPublisher{}
		p := newParticipant(t, store, pub)

		var wg sync.WaitGroup
		for _, txn := range []string{"a", "b"} {
			txn := txn
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := p.Reserve(ctx, bookingValidated(t, txn, 1, 3)); err != nil {
					t.Errorf("reserve %s: %v", txn, err)
				}
			}()
		}
		wg.Wait()

		if got := leftCapacity(t, store, 1); got != 2 {
			t.Fatalf("expected left 2, got %d", got)
		}
		if n := len(pub.ofType(inventory.InventoryReserved)); n != 1 {
			t.Fatalf("expected 1 success, got %d", n)
		}
		failed := pub.ofType(inventory.InventoryReservationFailed)
		if len(failed) != 1 {
			t.Fatalf("expected 1 failure, got %d", len(failed))
		}
		if failed[0].ErrorMessage != "Insufficient capacity. Available: 2, Requested: 3" {
			t.Fatalf("unexpected failure message %q", failed[0].ErrorMessage)
		}
	})

	t.Run("same transaction delivered concurrently reserves once", func(t *testing.T) {
		store := memory.NewStore()
		seedEvent(t, store, 1, 100)
		pub := &recordingPublisher{}
		p := newParticipant(t, store, pub)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				// A delivery that sees the winner's record before its message
				// went out is asked to come back later.
				if err := p.Reserve(ctx, bookingValidated(t, "dup", 1, 4)); err != nil && !errors.Is(err, inventory.ErrOutcomeInFlight) {
					t.Errorf("reserve: %v", err)
				}
			}()
		}
		wg.Wait()

		if err := p.Reserve(ctx, bookingValidated(t, "dup", 1, 4)); err != nil {
			t.Fatalf("late redelivery: %v", err)
		}

		if got := leftCapacity(t, store, 1); got != 96 {
			t.Fatalf("expected a single decrement to 96, got %d", got)
		}
		if n := len(pub.ofType(inventory.InventoryReserved)); n != 1 {
			t.Fatalf("expected 1 INVENTORY_RESERVED, got %d", n)
		}
		if n := len(pub.ofType(inventory.InventoryReservationFailed)); n != 0 {
			t.Fatalf("expected no failure messages, got %d", n)
		}
	})
}

func TestParticipant_CapacityConservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	seedEvent(t, store, 1, 50)
	pub := &recordingPublisher{}
	p := newParticipant(t, store, pub)

	active := map[string]int64{}
	for i := 1; i <= 12; i++ {
		txn := fmt.Sprintf("tx-%d", i)
		count := int64(i%4 + 1)
		if err := p.Reserve(ctx, bookingValidated(t, txn, 1, count)); err != nil {
			t.Fatalf("reserve %s: %v", txn, err)
		}
		r, _ := store.FindByTransactionID(ctx, txn)
		if r.Status == inventory.StatusReserved {
			active[txn] = count
		}
		if i%3 == 0 {
			if err := p.Compensate(ctx, compensateCommand(t, txn)); err != nil {
				t.Fatalf("compensate %s: %v", txn, err)
			}
			delete(active, txn)
		}
	}

	var sum int64
	for _, c := range active {
		sum += c
	}
	got := leftCapacity(t, store, 1)
	if got != 50-sum {
		t.Fatalf("expected left %d, got %d", 50-sum, got)
	}
	if got < 0 || got > 50 {
		t.Fatalf("left capacity out of bounds: %d", got)
	}
}

func TestParticipant_CompensateNoopOutsideReserved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, status := range []inventory.Status{inventory.StatusConfirmed, inventory.StatusCompensated, inventory.StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			store := memory.NewStore()
			seedEvent(t, store, 1, 10)
			if _, err := store.TryReserve(ctx, 1, 3); err != nil {
				t.Fatalf("reserve: %v", err)
			}
			r := inventory.Reservation{
				ID: "r1", TransactionID: "t1", EventID: 1, TicketCount: 3,
				OriginalCapacity: 10, Status: status, CreatedAt: testNow,
			}
			if err := store.Create(ctx, r); err != nil {
				t.Fatalf("create: %v", err)
			}
			pub := &recordingPublisher{}
			p := newParticipant(t, store, pub)

			if err := p.Compensate(ctx, compensateCommand(t, "t1")); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got := leftCapacity(t, store, 1); got != 7 {
				t.Fatalf("expected left unchanged at 7, got %d", got)
			}
			after, _ := store.FindByTransactionID(ctx, "t1")
			if after.Status != status {
				t.Fatalf("expected status %s, got %s", status, after.Status)
			}
			if len(pub.sent()) != 0 {
				t.Fatalf("expected no messages, got %+v", pub.sent())
			}
		})
	}

	t.Run("unknown transaction", func(t *testing.T) {
		pub := &recordingPublisher{}
		p := newParticipant(t, memory.NewStore(), pub)
		if err := p.Compensate(ctx, compensateCommand(t, "ghost")); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(pub.sent()) != 0 {
			t.Fatalf("expected no messages")
		}
	})
}

func TestParticipant_CompensateAddsBackTicketCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	seedEvent(t, store, 1, 10)
	p := newParticipant(t, store, &recordingPublisher{})

	if err := p.Reserve(ctx, bookingValidated(t, "first", 1, 3)); err != nil {
		t.Fatalf("reserve first: %v", err)
	}
	if err := p.Reserve(ctx, bookingValidated(t, "second", 1, 4)); err != nil {
		t.Fatalf("reserve second: %v", err)
	}
	if err := p.Compensate(ctx, compensateCommand(t, "first")); err != nil {
		t.Fatalf("compensate: %v", err)
	}

	// Resetting to first's original capacity (10) would erase second's seats.
	if got := leftCapacity(t, store, 1); got != 6 {
		t.Fatalf("expected left 6, got %d", got)
	}
}

func TestParticipant_Failures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	driverErr := errors.New("connection reset")

	t.Run("unknown event is answered with a failure message", func(t *testing.T) {
		store := memory.NewStore()
		pub := &recordingPublisher{}
		p := newParticipant(t, store, pub)

		if err := p.Reserve(ctx, bookingValidated(t, "t9", 99, 1)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		r, err := store.FindByTransactionID(ctx, "t9")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if r.Status != inventory.StatusFailed || r.ErrorMessage != "Event not found: 99" {
			t.Fatalf("unexpected reservation %+v", r)
		}
		if n := len(pub.ofType(inventory.InventoryReservationFailed)); n != 1 {
			t.Fatalf("expected failure message, got %d", n)
		}
	})

	t.Run("non-positive ticket count is rejected", func(t *testing.T) {
		store := memory.NewStore()
		seedEvent(t, store, 1, 10)
		pub := &recordingPublisher{}
		p := newParticipant(t, store, pub)

		if err := p.Reserve(ctx, bookingValidated(t, "zero", 1, 0)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := leftCapacity(t, store, 1); got != 10 {
			t.Fatalf("expected left 10, got %d", got)
		}
		failed := pub.ofType(inventory.InventoryReservationFailed)
		if len(failed) != 1 || failed[0].ErrorMessage == "" {
			t.Fatalf("expected failure message with error, got %+v", failed)
		}
	})

	t.Run("idempotency lookup failure asks for redelivery", func(t *testing.T) {
		store := &faultyStore{Store: memory.NewStore(), findErr: inventory.StorageError("find", driverErr)}
		seedEvent(t, store.Store, 1, 10)
		pub := &recordingPublisher{}
		p := newParticipant(t, store, pub)

		err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 1))
		if !inventory.IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		if got := leftCapacity(t, store, 1); got != 10 {
			t.Fatalf("expected left 10, got %d", got)
		}
		if len(pub.sent()) != 0 {
			t.Fatalf("expected no messages")
		}
	})

	t.Run("storage failure during the effect records FAILED", func(t *testing.T) {
		store := &faultyStore{Store: memory.NewStore(), reserveErr: inventory.StorageError("reserve capacity", driverErr)}
		seedEvent(t, store.Store, 1, 10)
		pub := &recordingPublisher{}
		p := newParticipant(t, store, pub)

		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 1)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		r, err := store.FindByTransactionID(ctx, "t1")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if r.Status != inventory.StatusFailed {
			t.Fatalf("expected FAILED, got %s", r.Status)
		}
		if n := len(pub.ofType(inventory.InventoryReservationFailed)); n != 1 {
			t.Fatalf("expected failure message, got %d", n)
		}
	})

	t.Run("failed audit write does not mask the failure message", func(t *testing.T) {
		store := &faultyStore{Store: memory.NewStore(), createErr: inventory.StorageError("create", driverErr)}
		seedEvent(t, store.Store, 1, 10)
		pub := &recordingPublisher{}
		p := newParticipant(t, store, pub)

		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 1)); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := leftCapacity(t, store, 1); got != 10 {
			t.Fatalf("expected rolled back left 10, got %d", got)
		}
		failed := pub.ofType(inventory.InventoryReservationFailed)
		if len(failed) != 1 || failed[0].ErrorMessage == "" {
			t.Fatalf("expected failure message with error, got %+v", failed)
		}
	})

	t.Run("cancelled attempt is left for redelivery", func(t *testing.T) {
		store := &faultyStore{Store: memory.NewStore(), reserveErr: context.DeadlineExceeded}
		seedEvent(t, store.Store, 1, 10)
		pub := &recordingPublisher{}
		p := newParticipant(t, store, pub)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := p.Reserve(cctx, bookingValidated(t, "t1", 1, 1))
		if !inventory.IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		if _, err := store.FindByTransactionID(ctx, "t1"); !errors.Is(err, inventory.ErrReservationNotFound) {
			t.Fatalf("expected no record, got %v", err)
		}
	})

	t.Run("publish failure asks for redelivery", func(t *testing.T) {
		store := memory.NewStore()
		seedEvent(t, store, 1, 10)
		pub := &recordingPublisher{err: errors.New("broker down")}
		p := newParticipant(t, store, pub)

		err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 1))
		if !errors.Is(err, inventory.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
		r, _ := store.FindByTransactionID(ctx, "t1")
		if !r.OutcomePending {
			t.Fatalf("expected the unsent outcome to stay pending")
		}
	})

	t.Run("saving the compensation error outlives an expired handler deadline", func(t *testing.T) {
		store := &faultyStore{Store: memory.NewStore()}
		seedEvent(t, store.Store, 1, 10)
		p := newParticipant(t, store, &recordingPublisher{})
		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3)); err != nil {
			t.Fatalf("reserve: %v", err)
		}

		store.releaseErr = inventory.StorageError("release capacity", context.DeadlineExceeded)
		expired, cancel := context.WithDeadline(ctx, testNow)
		defer cancel()

		err := p.Compensate(expired, compensateCommand(t, "t1"))
		if !inventory.IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		r, _ := store.FindByTransactionID(ctx, "t1")
		if r.Status != inventory.StatusReserved {
			t.Fatalf("expected RESERVED, got %s", r.Status)
		}
		if r.ErrorMessage == "" {
			t.Fatalf("expected error message to be stored despite the expired context")
		}
	})

	t.Run("compensation failure keeps RESERVED and stores the error", func(t *testing.T) {
		store := &faultyStore{Store: memory.NewStore()}
		seedEvent(t, store.Store, 1, 10)
		pub := &recordingPublisher{}
		p := newParticipant(t, store, pub)
		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3)); err != nil {
			t.Fatalf("reserve: %v", err)
		}

		store.releaseErr = inventory.StorageError("release capacity", driverErr)
		err := p.Compensate(ctx, compensateCommand(t, "t1"))
		if !inventory.IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		r, _ := store.FindByTransactionID(ctx, "t1")
		if r.Status != inventory.StatusReserved {
			t.Fatalf("expected RESERVED after failed compensation, got %s", r.Status)
		}
		if r.ErrorMessage == "" {
			t.Fatalf("expected error message to be stored")
		}
		if got := leftCapacity(t, store, 1); got != 7 {
			t.Fatalf("expected left 7, got %d", got)
		}
		if n := len(pub.ofType(inventory.InventoryCompensated)); n != 0 {
			t.Fatalf("expected no INVENTORY_COMPENSATED, got %d", n)
		}

		store.releaseErr = nil
		if err := p.Compensate(ctx, compensateCommand(t, "t1")); err != nil {
			t.Fatalf("redelivered compensate: %v", err)
		}
		if got := leftCapacity(t, store, 1); got != 10 {
			t.Fatalf("expected left 10 after redelivery, got %d", got)
		}
	})

	t.Run("compensation against a vanished event is not redelivered", func(t *testing.T) {
		store := &faultyStore{Store: memory.NewStore()}
		seedEvent(t, store.Store, 1, 10)
		p := newParticipant(t, store, &recordingPublisher{})
		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3)); err != nil {
			t.Fatalf("reserve: %v", err)
		}

		store.releaseErr = &inventory.EventNotFoundError{EventID: 1}
		store.setErrErr = errors.New("audit write failed")
		if err := p.Compensate(ctx, compensateCommand(t, "t1")); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		r, _ := store.FindByTransactionID(ctx, "t1")
		if r.Status != inventory.StatusReserved {
			t.Fatalf("expected RESERVED, got %s", r.Status)
		}
	})
}

func TestParticipant_Confirm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	seedEvent(t, store, 1, 10)
	pub := &recordingPublisher{}
	p := newParticipant(t, store, pub)

	if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 2)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	confirm, _ := inventory.CompensationEvent("t1", inventory.ConfirmInventory)
	if err := p.Confirm(ctx, confirm); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	r, _ := store.FindByTransactionID(ctx, "t1")
	if r.Status != inventory.StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", r.Status)
	}

	if err := p.Compensate(ctx, compensateCommand(t, "t1")); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if got := leftCapacity(t, store, 1); got != 8 {
		t.Fatalf("expected confirmed seats to stay taken, got left %d", got)
	}
	if len(pub.sent()) != 1 {
		t.Fatalf("expected only the INVENTORY_RESERVED message, got %d", len(pub.sent()))
	}

	if err := p.Confirm(ctx, confirm); err != nil {
		t.Fatalf("second confirm: %v", err)
	}
}

func TestParticipant_ResendsUnpublishedOutcome(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	grace := 10 * time.Second

	setup := func(t *testing.T) (*memory.Store, *recordingPublisher, *clock.Manual, *inventory.Participant) {
		store := memory.NewStore()
		seedEvent(t, store, 1, 10)
		pub := &recordingPublisher{err: errors.New("broker down")}
		clk := clock.NewManual(testNow)
		p := newParticipant(t, store, pub, inventory.WithClock(clk), inventory.WithOutcomeGrace(grace))
		return store, pub, clk, p
	}

	t.Run("INVENTORY_RESERVED", func(t *testing.T) {
		store, pub, clk, p := setup(t)

		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3)); !inventory.IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		pub.err = nil

		err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3))
		if !errors.Is(err, inventory.ErrOutcomeInFlight) {
			t.Fatalf("expected ErrOutcomeInFlight inside the grace period, got %v", err)
		}
		if n := len(pub.sent()); n != 0 {
			t.Fatalf("expected nothing sent yet, got %d", n)
		}

		clk.Advance(grace)
		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3)); err != nil {
			t.Fatalf("expected re-send, got %v", err)
		}
		if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3)); err != nil {
			t.Fatalf("expected no-op, got %v", err)
		}

		sent := pub.ofType(inventory.InventoryReserved)
		if len(sent) != 1 {
			t.Fatalf("expected exactly 1 INVENTORY_RESERVED, got %d", len(sent))
		}
		if !sent[0].TotalPrice.Equal(decimal.NewFromInt(120)) || *sent[0].TicketCount != 3 {
			t.Fatalf("unexpected re-sent message %+v", sent[0])
		}
		if got := leftCapacity(t, store, 1); got != 7 {
			t.Fatalf("expected a single decrement to 7, got %d", got)
		}
		r, _ := store.FindByTransactionID(ctx, "t1")
		if r.OutcomePending {
			t.Fatalf("expected outcome to be marked sent")
		}
	})

	t.Run("INVENTORY_RESERVATION_FAILED", func(t *testing.T) {
		store, pub, clk, p := setup(t)

		if err := p.Reserve(ctx, bookingValidated(t, "t2", 99, 1)); !inventory.IsTransient(err) {
			t.Fatalf("expected transient error, got %v", err)
		}
		pub.err = nil
		clk.Advance(grace + time.Second)

		for i := 0; i < 2; i++ {
			if err := p.Reserve(ctx, bookingValidated(t, "t2", 99, 1)); err != nil {
				t.Fatalf("redelivery %d: %v", i, err)
			}
		}
		failed := pub.ofType(inventory.InventoryReservationFailed)
		if len(failed) != 1 {
			t.Fatalf("expected exactly 1 INVENTORY_RESERVATION_FAILED, got %d", len(failed))
		}
		if failed[0].ErrorMessage != "Event not found: 99" {
			t.Fatalf("expected stored reason, got %q", failed[0].ErrorMessage)
		}
		r, _ := store.FindByTransactionID(ctx, "t2")
		if r.Status != inventory.StatusFailed || r.OutcomePending {
			t.Fatalf("expected FAILED with outcome sent, got %s pending=%v", r.Status, r.OutcomePending)
		}
	})

	t.Run("INVENTORY_COMPENSATED", func(t *testing.T) {
		store, pub, _, p := setup(t)
		pub.err = nil
		if err := p.Reserve(ctx, bookingValidated(t, "t3", 1, 4)); err != nil {
			t.Fatalf("reserve: %v", err)
		}

		pub.err = errors.New("broker down")
		if err := p.Compensate(ctx, compensateCommand(t, "t3")); !errors.Is(err, inventory.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
		pub.err = nil

		for i := 0; i < 2; i++ {
			if err := p.Compensate(ctx, compensateCommand(t, "t3")); err != nil {
				t.Fatalf("redelivery %d: %v", i, err)
			}
		}
		if n := len(pub.ofType(inventory.InventoryCompensated)); n != 1 {
			t.Fatalf("expected exactly 1 INVENTORY_COMPENSATED, got %d", n)
		}
		if got := leftCapacity(t, store, 1); got != 10 {
			t.Fatalf("expected capacity restored once to 10, got %d", got)
		}
	})
}

func TestParticipant_CompensateReportsCappedRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := memory.NewStore()
	seedEvent(t, store, 1, 10)
	rec := &fakeRecorder{Recorder: inventory.NopRecorder()}
	p := newParticipant(t, store, &recordingPublisher{}, inventory.WithRecorder(rec))

	if err := p.Reserve(ctx, bookingValidated(t, "t1", 1, 3)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Capacity restored out of band, so giving back 3 would overshoot.
	seedEvent(t, store, 1, 10)

	if err := p.Compensate(ctx, compensateCommand(t, "t1")); err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if got := leftCapacity(t, store, 1); got != 10 {
		t.Fatalf("expected left capped at 10, got %d", got)
	}
	if rec.anomalies != 1 {
		t.Fatalf("expected 1 capacity anomaly, got %d", rec.anomalies)
	}
}
