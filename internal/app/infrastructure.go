package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketinventory/internal/config"
	"ticketinventory/internal/inventory"
	"ticketinventory/internal/platform/kafka"
	"ticketinventory/internal/platform/membus"
	"ticketinventory/internal/platform/rabbitmq"
	"ticketinventory/internal/platform/redislock"
	"ticketinventory/internal/storage/memory"
	"ticketinventory/internal/storage/mongodb"
	"ticketinventory/internal/storage/postgres"
	"ticketinventory/migrations"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	membusMaxAttempts = 5
	membusRetryDelay  = 200 * time.Millisecond
)

// eventSaver is implemented by every store backend for startup seeding.
type eventSaver interface {
	SaveEvent(ctx context.Context, e inventory.Event) error
}

func (c *Container) setupStore(ctx context.Context) error {
	switch c.config.Store {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, c.config.DatabaseURL, c.config.DatabaseMaxConns)
		if err != nil {
			return err
		}
		c.addCloser(func(context.Context) error { pool.Close(); return nil })

		if _, err := migrations.Apply(ctx, pool, c.logger); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		c.store = postgres.NewStore(pool)

	case config.StoreMongo:
		client, err := mongodb.Connect(ctx, c.config.MongoURI)
		if err != nil {
			return err
		}
		c.addCloser(client.Disconnect)

		store := mongodb.NewStore(client, c.config.MongoDatabase)
		if err := store.EnsureIndexes(ctx); err != nil {
			return err
		}
		c.store = store

	default:
		c.logger.Warn("Using in-memory store; reservations are lost on restart")
		c.store = memory.NewStore()
	}

	c.logger.Info("✅ Store ready", zap.String("store", c.config.Store))
	return nil
}

// seedEvents creates configured events that do not exist yet. Existing
// events keep their remaining capacity.
func (c *Container) seedEvents(ctx context.Context) error {
	if len(c.config.SeedEvents) == 0 {
		return nil
	}
	saver, ok := c.store.(eventSaver)
	if !ok {
		return fmt.Errorf("store %T cannot seed events", c.store)
	}

	for _, seed := range c.config.SeedEvents {
		_, err := c.store.GetEvent(ctx, seed.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, inventory.ErrEventNotFound) {
			return err
		}

		event, err := inventory.NewEvent(seed.ID, fmt.Sprintf("Event %d", seed.ID), seed.Capacity, seed.Price, inventory.Venue{})
		if err != nil {
			return err
		}
		if err := saver.SaveEvent(ctx, event); err != nil {
			return err
		}
		c.logger.Info("Seeded event", zap.Int64("event_id", seed.ID), zap.Int64("capacity", seed.Capacity))
	}
	return nil
}

func (c *Container) setupTransport(ctx context.Context) error {
	switch c.config.Transport {
	case config.TransportKafka:
		var tp trace.TracerProvider
		if c.tracerProvider != nil {
			tp = c.tracerProvider
		}
		producer, err := kafka.NewWriter(kafka.WriterSettings{
			Brokers:  c.config.KafkaBrokers,
			Topic:    c.config.KafkaInventoryTopic,
			ClientID: config.ServiceName,
		}, tp)
		if err != nil {
			return err
		}
		c.addCloser(func(context.Context) error { return producer.Close() })
		c.publisher = kafka.NewPublisher(producer, c.logger)

	case config.TransportRabbitMQ:
		client, err := rabbitmq.Dial(c.config.RabbitMQURL, c.logger)
		if err != nil {
			return err
		}
		c.addCloser(func(context.Context) error { return client.Close() })

		if err := client.DeclareQueue(c.config.RabbitMQReplyQueue); err != nil {
			return err
		}
		c.rabbit = client
		c.publisher = rabbitmq.NewPublisher(client, c.config.RabbitMQReplyQueue, c.logger)

	default:
		bus := membus.NewBus(c.logger,
			membus.WithRetry(inventory.IsTransient, membusMaxAttempts, membusRetryDelay),
		)
		c.addCloser(func(context.Context) error { bus.Stop(); return nil })
		c.bus = bus
		c.publisher = bus.Publisher(c.config.KafkaInventoryTopic)
	}

	c.logger.Info("✅ Transport ready", zap.String("transport", c.config.Transport))
	return nil
}

func (c *Container) setupConsumers() error {
	switch c.config.Transport {
	case config.TransportKafka:
		settings := kafka.ReaderSettings{
			Brokers: c.config.KafkaBrokers,
			Topics:  []string{c.config.KafkaBookingTopic, c.config.KafkaInventoryTopic},
			GroupID: c.config.KafkaGroupID,
		}
		for i := 0; i < c.config.ConsumerWorkers; i++ {
			reader := kafka.NewReader(settings)
			c.addCloser(func(context.Context) error { return reader.Close() })

			consumer := kafka.NewConsumerService(reader, c.handler, c.logger.With(zap.Int("worker", i)),
				kafka.WithRetryable(inventory.IsTransient),
			)
			c.runners = append(c.runners, runner{name: fmt.Sprintf("kafka-consumer-%d", i), start: consumer.Start})
		}

	case config.TransportRabbitMQ:
		queues := []string{c.config.RabbitMQBookingQueue, c.config.RabbitMQCommandQueue}
		for i := 0; i < c.config.ConsumerWorkers; i++ {
			consumer := rabbitmq.NewConsumer(c.rabbit, queues, c.handler, inventory.IsTransient, c.logger.With(zap.Int("worker", i)))
			c.runners = append(c.runners, runner{name: fmt.Sprintf("rabbitmq-consumer-%d", i), start: consumer.Start})
		}

	default:
		c.bus.Subscribe(c.config.KafkaBookingTopic, c.handler.Handle)
		c.bus.Subscribe(c.config.KafkaInventoryTopic, c.handler.Handle)
		c.runners = append(c.runners, runner{name: "membus", start: c.bus.Start})
	}
	return nil
}

// setupLocker uses Redis when configured so that only one replica sweeps at
// a time. A single replica can do without.
func (c *Container) setupLocker(ctx context.Context) error {
	if c.config.RedisAddr == "" {
		return nil
	}
	client, err := redislock.NewClient(ctx, c.config.RedisAddr, c.config.RedisPassword, 0)
	if err != nil {
		return err
	}
	c.addCloser(func(context.Context) error { return client.Close() })
	c.locker = redislock.New(client)
	c.logger.Info("✅ Reconciler lock backed by Redis", zap.String("addr", c.config.RedisAddr))
	return nil
}
