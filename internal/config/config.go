package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	ServiceName    = "ticket-inventory-service"
	ServiceVersion = "0.1.0"
)

const (
	LogsPath      = "/otlp/v1/logs"
	TracesPath    = "/otlp/v1/traces"
	ExportTimeout = 30 * time.Second
	MaxQueueSize  = 2048
)

const (
	TransportKafka    = "kafka"
	TransportRabbitMQ = "rabbitmq"
	TransportMemory   = "memory"

	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

const (
	defaultBookingTopic      = "booking-events"
	defaultInventoryTopic    = "inventory-events"
	defaultGroupID           = "inventory-service-group"
	defaultCommandQueue      = "inventory-commands"
	defaultMongoDatabase     = "ticket_inventory"
	defaultMetricsAddr       = ":9090"
	defaultReconcileInterval = 5 * time.Minute
	defaultStuckThreshold    = 30 * time.Minute
	defaultRetentionPeriod   = 7 * 24 * time.Hour
	defaultHandlerTimeout    = 10 * time.Second
	defaultDBMaxConns        = 10
)

// SeedEvent is an event row applied at startup so a fresh store can serve
// reservations.
type SeedEvent struct {
	ID       int64
	Capacity int64
	Price    decimal.Decimal
}

type Config struct {
	ServiceEnv string
	Transport  string
	Store      string

	KafkaBrokers        []string
	KafkaBookingTopic   string
	KafkaInventoryTopic string
	KafkaGroupID        string

	RabbitMQURL          string
	RabbitMQBookingQueue string
	RabbitMQCommandQueue string
	RabbitMQReplyQueue   string

	DatabaseURL      string
	DatabaseMaxConns int32
	MongoURI         string
	MongoDatabase    string

	RedisAddr     string
	RedisPassword string

	OtelEndpoint   string
	OtelAuthHeader string
	MetricsAddr    string

	ReconcileInterval time.Duration
	StuckThreshold    time.Duration
	RetentionPeriod   time.Duration
	HandlerTimeout    time.Duration
	ConsumerWorkers   int

	SeedEvents []SeedEvent
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	config := &Config{
		ServiceEnv: env("SERVICE_ENV", "development"),
		Transport:  strings.ToLower(env("TRANSPORT", TransportKafka)),
		Store:      strings.ToLower(env("STORE", StorePostgres)),

		KafkaBrokers:        splitList(getenv("KAFKA_BROKER")),
		KafkaBookingTopic:   env("KAFKA_BOOKING_TOPIC", defaultBookingTopic),
		KafkaInventoryTopic: env("KAFKA_INVENTORY_TOPIC", defaultInventoryTopic),
		KafkaGroupID:        env("KAFKA_GROUP_ID", defaultGroupID),

		RabbitMQURL:          env("RABBITMQ_URL", ""),
		RabbitMQBookingQueue: env("RABBITMQ_BOOKING_QUEUE", defaultBookingTopic),
		RabbitMQCommandQueue: env("RABBITMQ_COMMAND_QUEUE", defaultCommandQueue),
		RabbitMQReplyQueue:   env("RABBITMQ_REPLY_QUEUE", defaultInventoryTopic),

		DatabaseURL:   env("DATABASE_URL", ""),
		MongoURI:      env("MONGO_URI", ""),
		MongoDatabase: env("MONGO_DATABASE", defaultMongoDatabase),

		RedisAddr:     env("REDIS_ADDR", ""),
		RedisPassword: env("REDIS_PASSWORD", ""),

		OtelEndpoint:   env("OTEL_ENDPOINT", ""),
		OtelAuthHeader: env("OTEL_AUTH_HEADER", ""),
		MetricsAddr:    env("METRICS_ADDR", defaultMetricsAddr),
	}

	var err error
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"RECONCILE_INTERVAL", defaultReconcileInterval, &config.ReconcileInterval},
		{"STUCK_THRESHOLD", defaultStuckThreshold, &config.StuckThreshold},
		{"RETENTION_PERIOD", defaultRetentionPeriod, &config.RetentionPeriod},
		{"HANDLER_TIMEOUT", defaultHandlerTimeout, &config.HandlerTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.key, getenv(d.key), d.def); err != nil {
			return nil, err
		}
	}

	maxConns, err := parsePositiveInt("DATABASE_MAX_CONNS", getenv("DATABASE_MAX_CONNS"), defaultDBMaxConns)
	if err != nil {
		return nil, err
	}
	config.DatabaseMaxConns = int32(maxConns)

	if config.ConsumerWorkers, err = parsePositiveInt("CONSUMER_WORKERS", getenv("CONSUMER_WORKERS"), 1); err != nil {
		return nil, err
	}

	if config.SeedEvents, err = ParseSeedEvents(getenv("SEED_EVENTS")); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch c.Transport {
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKER environment variable is required")
		}
	case TransportRabbitMQ:
		if c.RabbitMQURL == "" {
			return fmt.Errorf("RABBITMQ_URL environment variable is required")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("TRANSPORT must be one of kafka, rabbitmq, memory, got %q", c.Transport)
	}

	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI environment variable is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE must be one of postgres, mongo, memory, got %q", c.Store)
	}

	if c.OtelEndpoint != "" && c.OtelAuthHeader == "" {
		return fmt.Errorf("OTEL_AUTH_HEADER environment variable is required when OTEL_ENDPOINT is set")
	}
	return nil
}

// ParseSeedEvents reads "id:capacity[:price]" entries separated by commas.
func ParseSeedEvents(raw string) ([]SeedEvent, error) {
	var seeds []SeedEvent
	for _, entry := range splitList(raw) {
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("SEED_EVENTS entry %q: want id:capacity[:price]", entry)
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("SEED_EVENTS entry %q: invalid id", entry)
		}
		capacity, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || capacity < 0 {
			return nil, fmt.Errorf("SEED_EVENTS entry %q: invalid capacity", entry)
		}
		price := decimal.Zero
		if len(parts) == 3 {
			if price, err = decimal.NewFromString(parts[2]); err != nil {
				return nil, fmt.Errorf("SEED_EVENTS entry %q: invalid price: %w", entry, err)
			}
		}
		seeds = append(seeds, SeedEvent{ID: id, Capacity: capacity, Price: price})
	}
	return seeds, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(key, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	return d, nil
}

func parsePositiveInt(key, raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return n, nil
}
