package inventory

import (
	"context"
	"errors"
	"time"

	"ticketinventory/internal/clock"
	"ticketinventory/internal/platform/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultStuckThreshold  = 30 * time.Minute
	DefaultRetentionPeriod = 7 * 24 * time.Hour

	sweepLockKey = "ticketinventory:reconciler:sweep"
)

// ErrSweepLocked is returned by Sweep when another instance holds the sweep lock.
var ErrSweepLocked = errors.New("reconciler sweep held by another instance")

// SweepResult summarizes one reconciler pass.
type SweepResult struct {
	NeedingReview []Reservation
	Deleted       int64
	Counts        map[Status]int64
}

// Reconciler surfaces reservations stranded in RESERVED and removes aged
// terminal records. It never decides the outcome of a stuck reservation.
type Reconciler struct {
	store          ReservationStore
	locker         Locker
	logger         observability.Logger
	tracer         observability.Tracer
	recorder       Recorder
	clock          Clock
	stuckThreshold time.Duration
	retention      time.Duration
}

type ReconcilerOption func(*Reconciler)

func WithStuckThreshold(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.stuckThreshold = d }
}

func WithRetention(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.retention = d }
}

func WithLocker(l Locker) ReconcilerOption {
	return func(r *Reconciler) { r.locker = l }
}

func WithReconcilerClock(c Clock) ReconcilerOption {
	return func(r *Reconciler) { r.clock = c }
}

func WithReconcilerRecorder(rec Recorder) ReconcilerOption {
	return func(r *Reconciler) { r.recorder = rec }
}

func NewReconciler(store ReservationStore, logger observability.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:          store,
		locker:         localLocker{},
		logger:         logger,
		tracer:         otel.Tracer(tracerName),
		recorder:       NopRecorder(),
		clock:          clock.NewSystem(),
		stuckThreshold: DefaultStuckThreshold,
		retention:      DefaultRetentionPeriod,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindNeedingReview returns RESERVED reservations older than the stuck threshold.
func (r *Reconciler) FindNeedingReview(ctx context.Context) ([]Reservation, error) {
	return r.store.FindStuck(ctx, r.clock.Now().Add(-r.stuckThreshold))
}

// Cleanup deletes COMPENSATED and FAILED reservations older than the
// retention period.
func (r *Reconciler) Cleanup(ctx context.Context) (int64, error) {
	return r.store.DeleteTerminalBefore(ctx, r.clock.Now().Add(-r.retention))
}

// Sweep runs one pass under the sweep lock.
func (r *Reconciler) Sweep(ctx context.Context, lease time.Duration) (res SweepResult, err error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.sweep")
	start := time.Now()
	outcome := OutcomeError
	defer func() {
		r.recorder.ObserveOperation(OpSweep, outcome, time.Since(start))
		span.SetAttributes(
			attribute.Int("reconciler.needing_review", len(res.NeedingReview)),
			attribute.Int64("reconciler.deleted", res.Deleted),
		)
		endSpan(span, outcome, err)
	}()

	unlock, acquired, err := r.locker.TryLock(ctx, sweepLockKey, lease)
	if err != nil {
		return res, err
	}
	if !acquired {
		outcome = OutcomeNoop
		return res, ErrSweepLocked
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			r.logger.Warn("Failed to release sweep lock", zap.Error(uerr))
		}
	}()

	stuck, err := r.FindNeedingReview(ctx)
	if err != nil {
		return res, err
	}
	res.NeedingReview = stuck
	r.recorder.ReservationsNeedingReview(len(stuck))
	for _, s := range stuck {
		r.logger.Warn("Reservation needs review",
			zap.String("transaction_id", s.TransactionID),
			zap.Int64("event_id", s.EventID),
			zap.Int64("ticket_count", s.TicketCount),
			zap.Int64("age_hours", s.AgeInHours(r.clock.Now())),
			zap.String("error_message", s.ErrorMessage),
		)
	}

	deleted, err := r.Cleanup(ctx)
	if err != nil {
		return res, err
	}
	res.Deleted = deleted
	if deleted > 0 {
		r.logger.Info("Cleanup completed", zap.Int64("deleted", deleted))
	}

	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return res, err
	}
	res.Counts = counts
	r.recorder.ReservationsByStatus(counts)

	outcome = OutcomeSuccess
	return res, nil
}

// Run sweeps every interval until ctx is done. Sweep errors are logged.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	r.logger.Info("Reconciler started",
		zap.Duration("interval", interval),
		zap.Duration("stuck_threshold", r.stuckThreshold),
		zap.Duration("retention", r.retention),
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.sweepOnce(ctx, interval)
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context, interval time.Duration) {
	res, err := r.Sweep(ctx, interval)
	switch {
	case errors.Is(err, ErrSweepLocked):
		r.logger.Debug("Sweep skipped, lock held elsewhere")
	case err != nil && ctx.Err() == nil:
		r.logger.Error("Reconciler sweep failed", zap.Error(err))
	case err == nil:
		r.logger.Debug("Reconciler sweep finished",
			zap.Int("needing_review", len(res.NeedingReview)),
			zap.Int64("deleted", res.Deleted),
		)
	}
}

// localLocker always grants the lock; used when no shared lock is configured.
type localLocker struct{}

func (localLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
