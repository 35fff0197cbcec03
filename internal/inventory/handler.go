package inventory

import (
	"context"
	"time"

	"ticketinventory/internal/platform/observability"

	"go.uber.org/zap"
)

// MessageHandler processes one inbound message body. A returned error that
// satisfies IsTransient asks the transport to redeliver; any other error is
// permanent.
type MessageHandler interface {
	Handle(ctx context.Context, body []byte) error
}

// SagaOperations is the set of saga steps a message can trigger.
type SagaOperations interface {
	Reserve(ctx context.Context, msg InventoryEvent) error
	Compensate(ctx context.Context, msg InventoryEvent) error
	Confirm(ctx context.Context, msg InventoryEvent) error
}

// SagaHandler decodes inventory messages and routes them by event type.
type SagaHandler struct {
	saga    SagaOperations
	logger  observability.Logger
	timeout time.Duration
}

// NewMessageHandler creates a SagaHandler. A zero timeout leaves the
// incoming context untouched.
func NewMessageHandler(saga SagaOperations, logger observability.Logger, timeout time.Duration) *SagaHandler {
	return &SagaHandler{saga: saga, logger: logger, timeout: timeout}
}

func (h *SagaHandler) Handle(ctx context.Context, body []byte) error {
	msg, err := DecodeInventoryEvent(body)
	if err != nil {
		h.logger.Error("❌ Invalid inventory message", zap.Error(err), zap.ByteString("raw_value", body))
		return err
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	h.logger.Debug("📨 Inventory message received",
		zap.String("transaction_id", msg.TransactionID),
		zap.String("event_type", string(msg.EventType)),
	)

	switch msg.EventType {
	case BookingValidated:
		return h.saga.Reserve(ctx, msg)
	case CompensateInventory:
		return h.saga.Compensate(ctx, msg)
	case ConfirmInventory:
		return h.saga.Confirm(ctx, msg)
	default:
		// Outcome messages share the inventory topic with commands.
		h.logger.Debug("Ignoring message", zap.String("event_type", string(msg.EventType)))
		return nil
	}
}
