package kafka

import (
	"context"
	"errors"
	"testing"

	"ticketinventory/internal/inventory"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type fakeProducer struct {
	written []kafkago.Message
	err     error
}

func (p *fakeProducer) WriteMessage(_ context.Context, msg kafkago.Message) error {
	if p.err != nil {
		return p.err
	}
	p.written = append(p.written, msg)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()

	msg, err := inventory.CompensationEvent("tx-42", inventory.InventoryCompensated)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}

	t.Run("keys by transaction id", func(t *testing.T) {
		producer := &fakeProducer{}
		if err := NewPublisher(producer, zap.NewNop()).Publish(context.Background(), msg); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(producer.written) != 1 {
			t.Fatalf("expected 1 message, got %d", len(producer.written))
		}
		got := producer.written[0]
		if string(got.Key) != "tx-42" {
			t.Fatalf("expected key tx-42, got %s", got.Key)
		}
		if string(got.Value) != `{"transactionId":"tx-42","eventType":"INVENTORY_COMPENSATED"}` {
			t.Fatalf("unexpected payload %s", got.Value)
		}
	})

	t.Run("write failure is transient", func(t *testing.T) {
		producer := &fakeProducer{err: errors.New("no leader")}
		err := NewPublisher(producer, zap.NewNop()).Publish(context.Background(), msg)
		if !errors.Is(err, inventory.ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	})
}
