package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketinventory/internal/platform/observability"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPrefetch   = 50
	defaultMinBackoff = 200 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

var errDeliveriesClosed = errors.New("deliveries channel closed")

// MessageHandler processes the body of one delivery.
type MessageHandler interface {
	Handle(ctx context.Context, body []byte) error
}

// Consumer drains a set of queues with manual acknowledgement. Retryable
// failures are requeued after a backoff that doubles while consecutive
// deliveries on a queue keep failing; everything else is acked or rejected
// once handled.
type Consumer struct {
	client     *Client
	queues     []string
	handler    MessageHandler
	logger     observability.Logger
	retryable  func(error) bool
	prefetch   int
	minBackoff time.Duration
	maxBackoff time.Duration
}

type ConsumerOption func(*Consumer)

func WithRequeueBackoff(min, max time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.minBackoff = min
		c.maxBackoff = max
	}
}

func NewConsumer(client *Client, queues []string, handler MessageHandler, retryable func(error) bool, logger observability.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		client:     client,
		queues:     queues,
		handler:    handler,
		logger:     logger,
		retryable:  retryable,
		prefetch:   defaultPrefetch,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start consumes every queue until ctx is done. A closed deliveries channel
// is returned as an error so the process can restart and reconnect.
func (c *Consumer) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range c.queues {
		queue := queue
		g.Go(func() error { return c.consumeQueue(gctx, queue) })
	}
	return g.Wait()
}

func (c *Consumer) consumeQueue(ctx context.Context, queue string) error {
	ch, err := c.client.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.logger.Warn("Set QoS failed", zap.Error(err), zap.String("queue", queue))
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "inventory-"+uuid.NewString(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume %s: %w", queue, err)
	}

	c.logger.Info("👂 Listening on queue", zap.String("queue", queue))
	return c.serve(ctx, queue, deliveries)
}

func (c *Consumer) serve(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context done, exiting queue loop.", zap.String("queue", queue))
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%s: %w", queue, errDeliveriesClosed)
			}
			if c.settle(ctx, queue, d, failures) {
				failures++
			} else {
				failures = 0
			}
		}
	}
}

// settle acks, requeues or rejects d and reports whether it was requeued.
// failures counts the requeues immediately before d on this queue.
func (c *Consumer) settle(ctx context.Context, queue string, d amqp.Delivery, failures int) (requeued bool) {
	msgCtx := extractTraceContext(ctx, d.Headers)
	err := c.handler.Handle(msgCtx, d.Body)

	fields := []zap.Field{
		zap.String("queue", queue),
		zap.String("message_id", d.MessageId),
		zap.Uint64("delivery_tag", d.DeliveryTag),
	}

	var ackErr error
	switch {
	case err == nil:
		ackErr = d.Ack(false)
	case c.retryable(err):
		delay := c.requeueDelay(failures)
		c.logger.Warn("Handling failed, requeueing", append(fields, zap.Error(err), zap.Duration("backoff", delay))...)
		sleep(ctx, delay)
		ackErr = d.Nack(false, true)
		requeued = true
	default:
		c.logger.Error("❌ Rejecting message after permanent failure", append(fields, zap.Error(err))...)
		ackErr = d.Nack(false, false)
	}
	if ackErr != nil {
		c.logger.Error("❌ Failed to settle delivery", append(fields, zap.Error(ackErr))...)
	}
	return requeued
}

// requeueDelay is minBackoff doubled once per earlier consecutive failure,
// capped at maxBackoff.
func (c *Consumer) requeueDelay(failures int) time.Duration {
	d := c.minBackoff
	for i := 0; i < failures && d < c.maxBackoff; i++ {
		d *= 2
	}
	return min(d, c.maxBackoff)
}

// sleep waits for d or until ctx is done. The requeue still happens on
// shutdown so the broker can hand the delivery to another consumer.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
