package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
)

type Producer interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Reader is the explicit-commit subset of *kafka.Reader. Offsets are only
// committed after a message was handled.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageHandler processes the body of one message.
type MessageHandler interface {
	Handle(ctx context.Context, body []byte) error
}
