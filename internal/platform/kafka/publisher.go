package kafka

import (
	"context"

	"ticketinventory/internal/inventory"
	"ticketinventory/internal/platform/observability"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher writes inventory outcome messages through a Producer. The
// producer owns the destination topic.
type Publisher struct {
	producer Producer
	logger   observability.Logger
}

func NewPublisher(producer Producer, logger observability.Logger) *Publisher {
	return &Publisher{producer: producer, logger: logger}
}

// Publish keys each message by transaction id so all messages of one saga
// land on the same partition.
func (p *Publisher) Publish(ctx context.Context, msg inventory.InventoryEvent) error {
	payload, err := msg.Encode()
	if err != nil {
		p.logger.Error("❌ Failed to serialize inventory message",
			zap.Error(err),
			zap.String("transaction_id", msg.TransactionID),
		)
		return err
	}

	kafkaMsg := kafkago.Message{
		Key:   []byte(msg.TransactionID),
		Value: payload,
	}

	if err := p.producer.WriteMessage(ctx, kafkaMsg); err != nil {
		p.logger.Error("❌ Failed to publish inventory message",
			zap.Error(err),
			zap.String("transaction_id", msg.TransactionID),
			zap.String("event_type", string(msg.EventType)),
		)
		return inventory.TransportError("kafka write", err)
	}

	p.logger.Info("📤 Sent inventory message",
		zap.String("transaction_id", msg.TransactionID),
		zap.String("event_type", string(msg.EventType)),
	)
	return nil
}
