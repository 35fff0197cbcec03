package mongodb

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"ticketinventory/internal/inventory"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("skipping MongoDB integration tests: TEST_MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Connect(ctx, uri)
	if err != nil {
		t.Skipf("skipping MongoDB integration tests: %v", err)
	}
	dbName := "inventory_test_" + uuid.NewString()[:8]
	t.Cleanup(func() {
		_ = client.Database(dbName).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	store := NewStore(client, dbName)
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	return store
}

func TestStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	e, err := inventory.NewEvent(1, "Concert", 10, decimal.RequireFromString("25.50"), inventory.Venue{ID: 3, Name: "Hall"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := store.SaveEvent(ctx, e); err != nil {
		t.Fatalf("save event: %v", err)
	}

	t.Run("capacity updates are conditional", func(t *testing.T) {
		left, err := store.TryReserve(ctx, 1, 4)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if left != 6 {
			t.Fatalf("expected left 6, got %d", left)
		}

		_, err = store.TryReserve(ctx, 1, 7)
		var insufficient *inventory.InsufficientCapacityError
		if !errors.As(err, &insufficient) || insufficient.Available != 6 {
			t.Fatalf("expected InsufficientCapacityError with 6 available, got %v", err)
		}

		res, err := store.Release(ctx, 1, 6)
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if res.Left != 10 || res.Overflow != 2 {
			t.Fatalf("expected left 10 overflow 2, got %+v", res)
		}

		got, err := store.GetEvent(ctx, 1)
		if err != nil {
			t.Fatalf("get event: %v", err)
		}
		if got.LeftCapacity != 10 || !got.TicketPrice.Equal(decimal.RequireFromString("25.50")) {
			t.Fatalf("unexpected event: %+v", got)
		}
	})

	t.Run("reservations are unique per transaction", func(t *testing.T) {
		r, err := inventory.NewReserved(uuid.NewString(), "t1", 1, 9, 2, 10, now)
		if err != nil {
			t.Fatalf("new reservation: %v", err)
		}
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := store.MarkOutcomeSent(ctx, "t1", inventory.StatusReserved); err != nil {
			t.Fatalf("mark outcome sent: %v", err)
		}
		if got, _ := store.FindByTransactionID(ctx, "t1"); got.OutcomePending {
			t.Fatalf("expected the marker to be cleared")
		}
		r.ID = uuid.NewString()
		if err := store.Create(ctx, r); !errors.Is(err, inventory.ErrDuplicateTransaction) {
			t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
		}

		if err := store.UpdateStatus(ctx, "t1", inventory.StatusReserved, inventory.StatusConfirmed); err != nil {
			t.Fatalf("confirm: %v", err)
		}
		err = store.UpdateStatus(ctx, "t1", inventory.StatusReserved, inventory.StatusCompensated)
		if !errors.Is(err, inventory.ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}

		got, err := store.FindByTransactionID(ctx, "t1")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.Status != inventory.StatusConfirmed || got.OutcomePending {
			t.Fatalf("expected CONFIRMED without a pending outcome, got %+v", got)
		}

		counts, err := store.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[inventory.StatusConfirmed] != 1 || counts[inventory.StatusReserved] != 0 {
			t.Fatalf("unexpected counts: %v", counts)
		}
	})
}
