package kafka

import (
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	BatchTimeout = 10 * time.Millisecond
	BatchSize    = 100
)

type ReaderSettings struct {
	Brokers []string
	Topics  []string
	GroupID string
}

// NewReader returns a consumer-group reader that never commits on its own.
func NewReader(s ReaderSettings) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        s.Brokers,
		GroupTopics:    s.Topics,
		GroupID:        s.GroupID,
		CommitInterval: 0,
		StartOffset:    kafkago.FirstOffset,
	})
}

type WriterSettings struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// NewWriter returns a producer that injects the current trace context into
// every message it writes.
func NewWriter(s WriterSettings, tp trace.TracerProvider) (Producer, error) {
	baseWriter := &kafkago.Writer{
		Addr:         kafkago.TCP(s.Brokers...),
		Topic:        s.Topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: BatchTimeout,
		BatchSize:    BatchSize,
		RequiredAcks: kafkago.RequireAll,
	}

	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return otelkafka.NewWriter(baseWriter,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes(
			[]attribute.KeyValue{
				semconv.MessagingDestinationNameKey.String(s.Topic),
				attribute.String("messaging.kafka.client_id", s.ClientID),
			},
		),
	)
}
