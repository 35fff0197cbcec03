package kafka

import (
	"context"
	"time"

	"ticketinventory/internal/platform/observability"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const (
	defaultMinBackoff = 200 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// ConsumerService reads one topic and hands each message to a handler.
//
// A message whose handling fails with a retryable error is handled again
// after a backoff and its offset is not committed until it succeeds, so a
// crash in between leads to redelivery. Other failures are logged and
// committed.
type ConsumerService struct {
	reader     Reader
	handler    MessageHandler
	logger     observability.Logger
	retryable  func(error) bool
	minBackoff time.Duration
	maxBackoff time.Duration
}

type ConsumerOption func(*ConsumerService)

// WithRetryable sets the predicate deciding which handler errors are redelivered.
func WithRetryable(fn func(error) bool) ConsumerOption {
	return func(c *ConsumerService) { c.retryable = fn }
}

func WithBackoff(min, max time.Duration) ConsumerOption {
	return func(c *ConsumerService) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

func NewConsumerService(reader Reader, handler MessageHandler, logger observability.Logger, opts ...ConsumerOption) *ConsumerService {
	c := &ConsumerService{
		reader:     reader,
		handler:    handler,
		logger:     logger,
		retryable:  func(error) bool { return false },
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ConsumerService) Start(ctx context.Context) error {
	c.logger.Info("Kafka consumer started. Waiting for messages...")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("Context done, exiting Kafka read loop.", zap.Error(err))
				break
			}
			c.logger.Error("❌ Error reading from Kafka", zap.Error(err))
			if !sleep(ctx, c.minBackoff) {
				break
			}
			continue
		}

		if !c.process(ctx, msg) {
			break
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("❌ Failed to commit offset", zap.Error(err),
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
		}
	}

	c.logger.Info("Consumer service finished. Shutting down...")
	return nil
}

// process handles msg until it succeeds or fails permanently. It returns
// false when ctx ended first; the offset must then stay uncommitted.
func (c *ConsumerService) process(ctx context.Context, msg kafka.Message) bool {
	msgCtx := extractTraceContext(ctx, msg.Headers)
	backoff := c.minBackoff

	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(msgCtx, msg.Value)
		if err == nil {
			return true
		}

		fields := []zap.Field{
			zap.Error(err),
			zap.ByteString("key", msg.Key),
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
		}
		if !c.retryable(err) {
			c.logger.Error("❌ Dropping message after permanent failure", fields...)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		c.logger.Warn("Handling failed, redelivering", append(fields, zap.Duration("backoff", backoff))...)
		if !sleep(ctx, backoff) {
			return false
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// extractTraceContext continues the trace carried in the message headers.
func extractTraceContext(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range headers {
		carrier[header.Key] = string(header.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
