package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"ticketinventory/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		ServiceEnv:          "test",
		Transport:           config.TransportMemory,
		Store:               config.StoreMemory,
		KafkaBookingTopic:   "booking-events",
		KafkaInventoryTopic: "inventory-events",
		MetricsAddr:         "127.0.0.1:0",
		ReconcileInterval:   time.Hour,
		StuckThreshold:      30 * time.Minute,
		RetentionPeriod:     7 * 24 * time.Hour,
		HandlerTimeout:      time.Second,
		ConsumerWorkers:     1,
		SeedEvents:          []config.SeedEvent{{ID: 1, Capacity: 10}},
	}
}

func TestApplication_ReservesOverMemoryTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := newContainer(ctx, memoryConfig())
	if err != nil {
		t.Fatalf("expected container, got %v", err)
	}

	replies := make(chan string, 4)
	c.bus.Subscribe("inventory-events", func(_ context.Context, body []byte) error {
		replies <- string(body)
		return nil
	})

	application := &Application{ctx: ctx, cancel: cancel, container: c}
	stopped := make(chan error, 1)
	go func() { stopped <- application.Run() }()

	body := []byte(`{"transactionId":"tx-1","userId":3,"eventId":1,"ticketCount":2,"totalPrice":"40.00","eventType":"BOOKING_VALIDATED"}`)
	if err := c.bus.Publish(ctx, "booking-events", body); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-replies:
		if !strings.Contains(got, `"eventType":"INVENTORY_RESERVED"`) || !strings.Contains(got, `"transactionId":"tx-1"`) {
			t.Fatalf("unexpected reply %s", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no reply published")
	}

	event, err := c.Store().GetEvent(ctx, 1)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event.LeftCapacity != 8 {
		t.Fatalf("expected 8 left, got %d", event.LeftCapacity)
	}

	application.Shutdown()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("application did not stop")
	}
}

func TestSeedEvents_KeepsExistingCapacity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := newContainer(ctx, memoryConfig())
	if err != nil {
		t.Fatalf("expected container, got %v", err)
	}
	defer c.Shutdown(context.Background())

	if _, err := c.Store().TryReserve(ctx, 1, 4); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := c.seedEvents(ctx); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	event, err := c.Store().GetEvent(ctx, 1)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event.LeftCapacity != 6 {
		t.Fatalf("expected reseed to keep 6 left, got %d", event.LeftCapacity)
	}
}
