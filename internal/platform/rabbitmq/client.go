// Package rabbitmq carries saga messages over durable RabbitMQ queues.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ticketinventory/internal/platform/observability"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Client owns one connection and the channel used for publishing.
// Consumers open their own channels.
type Client struct {
	conn   *amqp.Connection
	mu     sync.Mutex
	pubCh  *amqp.Channel
	logger observability.Logger
}

func Dial(url string, logger observability.Logger) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	logger.Info("✅ Connected to RabbitMQ")
	return &Client{conn: conn, pubCh: ch, logger: logger}, nil
}

// DeclareQueue creates a durable queue if it doesn't exist.
func (c *Client) DeclareQueue(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.pubCh.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	c.logger.Info("✅ Queue declared", zap.String("queue", name))
	return nil
}

// Publish sends a persistent JSON message to queue through the default
// exchange.
func (c *Client) Publish(ctx context.Context, queue, messageID string, body []byte, headers amqp.Table) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pubCh.PublishWithContext(ctx, "", queue, false, false, pub)
}

// Channel opens a fresh channel on the shared connection.
func (c *Client) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var chErr error
	if c.pubCh != nil {
		chErr = c.pubCh.Close()
	}
	if err := c.conn.Close(); err != nil {
		return err
	}
	return chErr
}
