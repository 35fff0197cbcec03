package app

import (
	"context"
	"fmt"

	"ticketinventory/internal/config"
	"ticketinventory/internal/inventory"
	"ticketinventory/internal/platform/membus"
	"ticketinventory/internal/platform/metrics"
	"ticketinventory/internal/platform/observability"
	"ticketinventory/internal/platform/rabbitmq"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// runner is a long-lived component started by Application.Run.
type runner struct {
	name  string
	start func(ctx context.Context) error
}

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config         *config.Config
	logger         *zap.Logger
	tracerProvider *sdktrace.TracerProvider
	otelShutdown   func(context.Context) error

	registry *prometheus.Registry
	recorder *metrics.Recorder

	store     inventory.Store
	publisher inventory.Publisher
	locker    inventory.Locker

	// set by setupTransport for the consumers that share them
	rabbit *rabbitmq.Client
	bus    *membus.Bus

	participant *inventory.Participant
	reconciler  *inventory.Reconciler
	handler     *inventory.SagaHandler

	runners []runner
	// closers run in reverse order on shutdown.
	closers []func(context.Context) error
}

// NewContainer loads configuration and builds every component.
func NewContainer(ctx context.Context) (*Container, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return newContainer(ctx, cfg)
}

func newContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{config: cfg}

	if err := c.setupLogger(); err != nil {
		return nil, err
	}
	c.setupObservability(ctx)
	c.setupMetrics()

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", c.setupStore},
		{"seed", c.seedEvents},
		{"transport", c.setupTransport},
		{"locker", c.setupLocker},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			c.Shutdown(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("setup %s: %w", step.name, err)
		}
	}

	factory := NewServiceFactory(c)
	c.participant = factory.CreateParticipant()
	c.reconciler = factory.CreateReconciler()
	c.handler = factory.CreateMessageHandler(c.participant)

	if err := c.setupConsumers(); err != nil {
		c.Shutdown(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("setup consumers: %w", err)
	}
	c.runners = append(c.runners,
		runner{name: "reconciler", start: func(ctx context.Context) error {
			return c.reconciler.Run(ctx, cfg.ReconcileInterval)
		}},
		runner{name: "metrics", start: metrics.NewServer(cfg.MetricsAddr, c.registry, c.logger).Start},
	)

	return c, nil
}

// setupLogger starts with a plain production logger until the OTel bridge
// is available.
func (c *Container) setupLogger() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	c.logger = logger
	return nil
}

// setupObservability configures OpenTelemetry logging and tracing. Export
// failures are logged and the service keeps running without them.
func (c *Container) setupObservability(ctx context.Context) {
	otelLogShutdown, err := observability.SetupLoggingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry logging", zap.Error(err))
	}

	tp, otelTraceShutdown, err := observability.SetupTracingSDK(ctx, c.config)
	if err != nil {
		c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
	}
	c.tracerProvider = tp
	c.otelShutdown = observability.JoinShutdown(otelTraceShutdown, otelLogShutdown)

	c.logger = observability.NewLogger(config.ServiceName, observability.LevelFor(c.config.ServiceEnv))
	c.logger.Info("Logger re-initialized with OpenTelemetry bridge",
		zap.String("transport", c.config.Transport),
		zap.String("store", c.config.Store),
		zap.Bool("otlp_export", c.config.OtelEndpoint != ""),
	)
}

func (c *Container) setupMetrics() {
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.recorder = metrics.NewRecorder(c.registry)
}

func (c *Container) addCloser(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			c.logger.Error("Failed to close component", zap.Error(err))
		}
	}
	c.closers = nil

	if c.otelShutdown != nil {
		if err := c.otelShutdown(ctx); err != nil {
			c.logger.Error("Failed to shutdown OpenTelemetry", zap.Error(err))
		}
	}

	c.logger.Info("Infrastructure shutdown complete")
	// stdout sync fails on some terminals; nothing useful to do about it.
	_ = c.logger.Sync()
}

func (c *Container) Logger() observability.Logger           { return c.logger }
func (c *Container) Config() *config.Config                 { return c.config }
func (c *Container) Store() inventory.Store                 { return c.store }
func (c *Container) Publisher() inventory.Publisher         { return c.publisher }
func (c *Container) Participant() *inventory.Participant    { return c.participant }
func (c *Container) Reconciler() *inventory.Reconciler      { return c.reconciler }
func (c *Container) MessageHandler() *inventory.SagaHandler { return c.handler }
