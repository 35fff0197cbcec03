package rabbitmq

import (
	"context"

	"ticketinventory/internal/inventory"
	"ticketinventory/internal/platform/observability"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type publishFunc func(ctx context.Context, queue, messageID string, body []byte, headers amqp.Table) error

// Publisher sends inventory outcome messages to a single reply queue.
type Publisher struct {
	publish publishFunc
	queue   string
	logger  observability.Logger
}

func NewPublisher(client *Client, queue string, logger observability.Logger) *Publisher {
	return &Publisher{publish: client.Publish, queue: queue, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, msg inventory.InventoryEvent) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	if err := p.publish(ctx, p.queue, msg.TransactionID, body, injectTraceContext(ctx)); err != nil {
		p.logger.Error("❌ Failed to publish inventory message",
			zap.Error(err),
			zap.String("queue", p.queue),
			zap.String("transaction_id", msg.TransactionID),
		)
		return inventory.TransportError("amqp publish", err)
	}

	p.logger.Info("📤 Sent inventory message",
		zap.String("queue", p.queue),
		zap.String("transaction_id", msg.TransactionID),
		zap.String("event_type", string(msg.EventType)),
	)
	return nil
}
