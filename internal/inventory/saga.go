package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticketinventory/internal/clock"
	"ticketinventory/internal/platform/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName = "ticketinventory/inventory"

	// DefaultOutcomeGrace matches the default per-message handler timeout.
	DefaultOutcomeGrace = 10 * time.Second

	followUpWriteTimeout = 5 * time.Second
)

// Participant drives the reservation saga for this service: it reserves
// capacity for validated bookings, releases it on compensation and confirms
// reservations, publishing the outcome to the orchestrator.
type Participant struct {
	store     Store
	publisher Publisher
	logger    observability.Logger
	tracer    observability.Tracer
	recorder  Recorder
	clock     Clock
	newID     IDGenerator

	outcomeGrace time.Duration
}

type ParticipantOption func(*Participant)

func WithRecorder(r Recorder) ParticipantOption {
	return func(p *Participant) { p.recorder = r }
}

func WithClock(c Clock) ParticipantOption {
	return func(p *Participant) { p.clock = c }
}

func WithIDGenerator(gen IDGenerator) ParticipantOption {
	return func(p *Participant) { p.newID = gen }
}

func WithTracer(t observability.Tracer) ParticipantOption {
	return func(p *Participant) { p.tracer = t }
}

// WithOutcomeGrace sets how long a redelivery waits before re-sending an
// outcome that an earlier attempt recorded but did not confirm as published.
// It should not be shorter than the handler timeout.
func WithOutcomeGrace(d time.Duration) ParticipantOption {
	return func(p *Participant) { p.outcomeGrace = d }
}

// NewParticipant creates a Participant with explicit dependencies.
func NewParticipant(store Store, publisher Publisher, logger observability.Logger, opts ...ParticipantOption) *Participant {
	p := &Participant{
		store:     store,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		recorder:  NopRecorder(),
		clock:     clock.NewSystem(),
		newID:     uuid.NewString,

		outcomeGrace: DefaultOutcomeGrace,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reserve handles a BOOKING_VALIDATED message.
//
// A returned error means the message should be redelivered. Business
// failures (unknown event, insufficient capacity, bad input) are answered
// with INVENTORY_RESERVATION_FAILED and return nil.
func (p *Participant) Reserve(ctx context.Context, msg InventoryEvent) (err error) {
	eventID, userID, count := int64Value(msg.EventID), int64Value(msg.UserID), int64Value(msg.TicketCount)

	ctx, span := p.tracer.Start(ctx, "inventory.reserve", trace.WithAttributes(
		attribute.String("saga.transaction_id", msg.TransactionID),
		attribute.Int64("inventory.event_id", eventID),
		attribute.Int64("inventory.ticket_count", count),
	))
	start := time.Now()
	outcome := OutcomeError
	defer func() {
		p.recorder.ObserveOperation(OpReserve, outcome, time.Since(start))
		endSpan(span, outcome, err)
	}()

	log := p.logger.With(
		zap.String("transaction_id", msg.TransactionID),
		zap.Int64("event_id", eventID),
		zap.Int64("ticket_count", count),
	)
	log.Info("Reserving inventory")

	existing, err := p.store.FindByTransactionID(ctx, msg.TransactionID)
	switch {
	case err == nil && existing.OutcomePending:
		outcome = OutcomeDuplicate
		return p.resendReserveOutcome(ctx, log, msg, existing)
	case err == nil:
		log.Info("Reservation already exists, skipping", zap.String("status", string(existing.Status)))
		outcome = OutcomeDuplicate
		return nil
	case !errors.Is(err, ErrReservationNotFound):
		log.Error("Idempotency lookup failed", zap.Error(err))
		return transient("lookup reservation", err)
	}

	if err := validateReserveInput(msg); err != nil {
		outcome = OutcomeFailed
		return p.rejectReservation(ctx, log, msg, err)
	}

	var left int64
	err = p.store.WithTx(ctx, func(ctx context.Context) error {
		newLeft, err := p.store.TryReserve(ctx, eventID, count)
		if err != nil {
			return err
		}
		r, err := NewReserved(p.newID(), msg.TransactionID, eventID, userID, count, newLeft+count, p.clock.Now())
		if err != nil {
			return err
		}
		if err := p.store.Create(ctx, r); err != nil {
			return err
		}
		left = newLeft
		return nil
	})
	switch {
	case errors.Is(err, ErrDuplicateTransaction):
		// A concurrent delivery of the same transaction won the unique index.
		log.Info("Reservation created concurrently, skipping")
		outcome = OutcomeDuplicate
		return nil
	case err != nil && ctx.Err() != nil:
		log.Warn("Reservation attempt interrupted", zap.Error(err))
		return transient("reserve", err)
	case err != nil:
		outcome = OutcomeFailed
		return p.rejectReservation(ctx, log, msg, err)
	}

	log.Info("Reserved tickets", zap.Int64("left_capacity", left))

	reserved, err := NewInventoryEvent(msg.TransactionID, msg.UserID, msg.EventID, msg.TicketCount, msg.TotalPrice, InventoryReserved)
	if err != nil {
		return err
	}
	if err := p.publishOutcome(ctx, log, reserved, StatusReserved); err != nil {
		return err
	}
	outcome = OutcomeSuccess
	return nil
}

// resendReserveOutcome publishes the outcome recorded by an earlier attempt
// that never confirmed it. Inside the grace period that attempt may still be
// publishing, so the message is handed back for redelivery instead.
func (p *Participant) resendReserveOutcome(ctx context.Context, log *zap.Logger, msg InventoryEvent, r Reservation) error {
	log = log.With(zap.String("status", string(r.Status)))

	var (
		out InventoryEvent
		err error
	)
	switch r.Status {
	case StatusReserved:
		out, err = NewInventoryEvent(msg.TransactionID, msg.UserID, msg.EventID, msg.TicketCount, msg.TotalPrice, InventoryReserved)
	case StatusFailed:
		out, err = FailureEvent(msg.TransactionID, msg.UserID, msg.EventID, msg.TicketCount, InventoryReservationFailed, r.ErrorMessage)
	default:
		log.Info("Reservation already exists, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	if age := p.clock.Now().Sub(r.CreatedAt); age < p.outcomeGrace {
		log.Info("Earlier attempt may still be publishing, asking for redelivery", zap.Duration("age", age))
		return fmt.Errorf("%w: %s", ErrOutcomeInFlight, msg.TransactionID)
	}
	log.Warn("Re-sending unpublished reservation outcome")
	return p.publishOutcome(ctx, log, out, r.Status)
}

// rejectReservation records a FAILED reservation and tells the orchestrator.
// The audit write is best-effort.
func (p *Participant) rejectReservation(ctx context.Context, log *zap.Logger, msg InventoryEvent, cause error) error {
	log.Warn("Inventory reservation failed", zap.Error(cause))

	reason := cause.Error()
	failed := NewFailed(p.newID(), msg.TransactionID, int64Value(msg.EventID), int64Value(msg.UserID), int64Value(msg.TicketCount), reason, p.clock.Now())
	if err := p.store.Create(ctx, failed); err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			log.Info("Reservation recorded concurrently, skipping failure message")
			return nil
		}
		log.Error("Failed to save failed reservation", zap.Error(err))
	}

	failure, err := FailureEvent(msg.TransactionID, msg.UserID, msg.EventID, msg.TicketCount, InventoryReservationFailed, reason)
	if err != nil {
		return err
	}
	return p.publishOutcome(ctx, log, failure, StatusFailed)
}

func validateReserveInput(msg InventoryEvent) error {
	if msg.EventID == nil {
		return fmt.Errorf("%w: event id is required", ErrInvalidMessage)
	}
	if msg.TicketCount == nil || *msg.TicketCount <= 0 {
		return ErrInvalidTicketCount
	}
	return nil
}

// Compensate handles a COMPENSATE_INVENTORY message. Only a RESERVED
// reservation is compensated; every other state is a no-op.
func (p *Participant) Compensate(ctx context.Context, msg InventoryEvent) (err error) {
	ctx, span := p.tracer.Start(ctx, "inventory.compensate", trace.WithAttributes(
		attribute.String("saga.transaction_id", msg.TransactionID),
	))
	start := time.Now()
	outcome := OutcomeError
	defer func() {
		p.recorder.ObserveOperation(OpCompensate, outcome, time.Since(start))
		endSpan(span, outcome, err)
	}()

	log := p.logger.With(zap.String("transaction_id", msg.TransactionID))
	log.Info("Compensating inventory")

	r, err := p.store.FindByTransactionID(ctx, msg.TransactionID)
	switch {
	case errors.Is(err, ErrReservationNotFound):
		log.Warn("No reservation found for transaction")
		outcome = OutcomeNoop
		return nil
	case err != nil:
		log.Error("Reservation lookup failed", zap.Error(err))
		return transient("lookup reservation", err)
	}

	log = log.With(zap.Int64("event_id", r.EventID), zap.Int64("ticket_count", r.TicketCount))
	if r.Status == StatusCompensated && r.OutcomePending {
		log.Warn("Re-sending unpublished compensation outcome")
		outcome = OutcomeDuplicate
		return p.sendCompensated(ctx, log, r.TransactionID)
	}
	if !r.CanBeCompensated() {
		log.Info("Reservation already processed", zap.String("status", string(r.Status)))
		outcome = OutcomeNoop
		return nil
	}

	var released ReleaseResult
	err = p.store.WithTx(ctx, func(ctx context.Context) error {
		if err := p.store.UpdateStatus(ctx, r.TransactionID, StatusReserved, StatusCompensated); err != nil {
			return err
		}
		res, err := p.store.Release(ctx, r.EventID, r.TicketCount)
		if err != nil {
			return err
		}
		released = res
		return nil
	})
	switch {
	case errors.Is(err, ErrInvalidTransition):
		log.Info("Reservation changed state concurrently, skipping")
		outcome = OutcomeNoop
		return nil
	case err != nil:
		log.Error("Inventory compensation failed", zap.Error(err))
		p.saveCompensationError(ctx, log, r.TransactionID, err)
		if IsTransient(err) || ctx.Err() != nil {
			return transient("compensate", err)
		}
		outcome = OutcomeFailed
		return nil
	}

	if released.Overflow > 0 {
		log.Warn("Released capacity exceeded total capacity, capped",
			zap.Int64("overflow", released.Overflow),
			zap.Int64("left_capacity", released.Left),
		)
		p.recorder.CapacityAnomaly(r.EventID)
	}
	log.Info("Restored tickets", zap.Int64("left_capacity", released.Left))

	if err := p.sendCompensated(ctx, log, r.TransactionID); err != nil {
		return err
	}
	outcome = OutcomeSuccess
	return nil
}

func (p *Participant) sendCompensated(ctx context.Context, log *zap.Logger, transactionID string) error {
	compensated, err := CompensationEvent(transactionID, InventoryCompensated)
	if err != nil {
		return err
	}
	return p.publishOutcome(ctx, log, compensated, StatusCompensated)
}

// saveCompensationError runs after ctx may have expired, so it gets its own
// short deadline.
func (p *Participant) saveCompensationError(ctx context.Context, log *zap.Logger, transactionID string, cause error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), followUpWriteTimeout)
	defer cancel()
	if err := p.store.SetErrorMessage(wctx, transactionID, cause.Error()); err != nil {
		log.Error("Failed to save compensation error", zap.Error(err))
	}
}

// Confirm handles a CONFIRM_INVENTORY message by closing a RESERVED
// reservation. Nothing is published.
func (p *Participant) Confirm(ctx context.Context, msg InventoryEvent) (err error) {
	ctx, span := p.tracer.Start(ctx, "inventory.confirm", trace.WithAttributes(
		attribute.String("saga.transaction_id", msg.TransactionID),
	))
	start := time.Now()
	outcome := OutcomeError
	defer func() {
		p.recorder.ObserveOperation(OpConfirm, outcome, time.Since(start))
		endSpan(span, outcome, err)
	}()

	log := p.logger.With(zap.String("transaction_id", msg.TransactionID))

	err = p.store.UpdateStatus(ctx, msg.TransactionID, StatusReserved, StatusConfirmed)
	switch {
	case errors.Is(err, ErrReservationNotFound):
		log.Warn("No reservation found to confirm")
		outcome = OutcomeNoop
		return nil
	case errors.Is(err, ErrInvalidTransition):
		log.Info("Reservation is not RESERVED, nothing to confirm")
		outcome = OutcomeNoop
		return nil
	case err != nil:
		log.Error("Reservation confirmation failed", zap.Error(err))
		return transient("confirm", err)
	}

	log.Info("Reservation confirmed")
	outcome = OutcomeSuccess
	return nil
}

// publishOutcome publishes msg and then clears the pending marker of a record
// still in status. A marker left set only causes a later re-send.
func (p *Participant) publishOutcome(ctx context.Context, log *zap.Logger, msg InventoryEvent, status Status) error {
	if err := p.publish(ctx, msg); err != nil {
		log.Error("Failed to publish "+string(msg.EventType), zap.Error(err))
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), followUpWriteTimeout)
	defer cancel()
	if err := p.store.MarkOutcomeSent(wctx, msg.TransactionID, status); err != nil && !errors.Is(err, ErrReservationNotFound) {
		log.Warn("Failed to mark outcome as sent", zap.Error(err))
	}
	return nil
}

func (p *Participant) publish(ctx context.Context, msg InventoryEvent) error {
	err := p.publisher.Publish(ctx, msg)
	p.recorder.MessagePublished(msg.EventType, err == nil)
	if err != nil && !IsTransient(err) {
		return TransportError("publish "+string(msg.EventType), err)
	}
	return err
}

// transient makes sure err is classified for redelivery.
func transient(op string, err error) error {
	if IsTransient(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return StorageError(op, err)
}

func endSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("saga.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
