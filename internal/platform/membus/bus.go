// Package membus is an in-process topic bus used when no broker is
// configured. It is not durable.
package membus

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"ticketinventory/internal/inventory"
	"ticketinventory/internal/platform/observability"

	"go.uber.org/zap"
)

const (
	queueSize          = 1024
	handlerConcurrency = 8
	handlerTimeout     = 30 * time.Second
	defaultMaxAttempts = 5
	defaultRetryDelay  = 100 * time.Millisecond
)

// Handler consumes one message body.
type Handler func(ctx context.Context, body []byte) error

type envelope struct {
	topic   string
	body    []byte
	attempt int
}

type Bus struct {
	mu          sync.RWMutex
	subs        map[string][]Handler
	queue       chan envelope
	startOnce   sync.Once
	stopOnce    sync.Once
	cancel      context.CancelFunc
	done        chan struct{}
	retryable   func(error) bool
	maxAttempts int
	retryDelay  time.Duration
	log         observability.Logger
}

type Option func(*Bus)

// WithRetry requeues messages whose handler failed with a retryable error,
// up to maxAttempts deliveries in total.
func WithRetry(retryable func(error) bool, maxAttempts int, delay time.Duration) Option {
	return func(b *Bus) {
		b.retryable = retryable
		b.maxAttempts = maxAttempts
		b.retryDelay = delay
	}
}

func NewBus(logger observability.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:        make(map[string][]Handler),
		queue:       make(chan envelope, queueSize),
		done:        make(chan struct{}),
		retryable:   func(error) bool { return false },
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		log:         logger.With(zap.String("component", "membus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Start dispatches queued messages until ctx is done or Stop is called.
// It blocks, so the caller owns the goroutine.
func (b *Bus) Start(ctx context.Context) error {
	started := false
	b.startOnce.Do(func() {
		started = true
		bg, cancel := context.WithCancel(ctx)
		b.mu.Lock()
		b.cancel = cancel
		b.mu.Unlock()
		b.log.Info("Event bus started")
		b.dispatchLoop(bg)
		close(b.done)
		b.log.Info("Event bus stopped")
	})
	if !started {
		<-b.done
	}
	return nil
}

func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.mu.RLock()
		cancel := b.cancel
		b.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Publish enqueues body for every subscriber of topic.
func (b *Bus) Publish(ctx context.Context, topic string, body []byte) error {
	return b.enqueue(ctx, envelope{topic: topic, body: body, attempt: 1})
}

func (b *Bus) enqueue(ctx context.Context, e envelope) error {
	select {
	case b.queue <- e:
		b.log.Debug("Message enqueued", zap.String("topic", e.topic), zap.Int("attempt", e.attempt))
		return nil
	case <-ctx.Done():
		b.log.Warn("Message enqueue aborted", zap.String("topic", e.topic), zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.queue:
			b.fanout(ctx, e)
		}
	}
}

func (b *Bus) fanout(ctx context.Context, e envelope) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[e.topic]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.log.Debug("Message dropped, no subscriber", zap.String("topic", e.topic))
		return
	}

	sem := make(chan struct{}, handlerConcurrency)
	var wg sync.WaitGroup

	for _, h := range handlers {
		h := h
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("❌ Message handler panic",
						zap.String("topic", e.topic),
						zap.Any("panic", r),
						zap.String("stack", string(debug.Stack())),
					)
				}
				<-sem
				wg.Done()
			}()

			hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
			err := h(hctx, e.body)
			cancel()
			if err != nil {
				b.handleFailure(ctx, e, h, err)
			}
		}()
	}

	wg.Wait()
}

// handleFailure redelivers to the failing handler only, so other
// subscribers of the topic do not see the message twice.
func (b *Bus) handleFailure(ctx context.Context, e envelope, h Handler, err error) {
	fields := []zap.Field{zap.String("topic", e.topic), zap.Int("attempt", e.attempt), zap.Error(err)}
	if !b.retryable(err) || e.attempt >= b.maxAttempts {
		b.log.Error("❌ Dropping message", fields...)
		return
	}

	b.log.Warn("Handling failed, redelivering", fields...)
	go func() {
		for attempt := e.attempt + 1; ; attempt++ {
			t := time.NewTimer(b.retryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}

			hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
			err := h(hctx, e.body)
			cancel()
			if err == nil {
				return
			}
			fields := []zap.Field{zap.String("topic", e.topic), zap.Int("attempt", attempt), zap.Error(err)}
			if !b.retryable(err) || attempt >= b.maxAttempts {
				b.log.Error("❌ Dropping message", fields...)
				return
			}
			b.log.Warn("Handling failed, redelivering", fields...)
		}
	}()
}

// Publisher returns an inventory.Publisher writing to topic.
func (b *Bus) Publisher(topic string) inventory.Publisher {
	return &publisher{bus: b, topic: topic}
}

type publisher struct {
	bus   *Bus
	topic string
}

func (p *publisher) Publish(ctx context.Context, msg inventory.InventoryEvent) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, p.topic, body); err != nil {
		return inventory.TransportError("membus publish", err)
	}
	p.bus.log.Info("📤 Sent inventory message",
		zap.String("topic", p.topic),
		zap.String("transaction_id", msg.TransactionID),
		zap.String("event_type", string(msg.EventType)),
	)
	return nil
}
