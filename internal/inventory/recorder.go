package inventory

import "time"

// Operation names used for spans and metrics.
const (
	OpReserve    = "reserve"
	OpCompensate = "compensate"
	OpConfirm    = "confirm"
	OpSweep      = "sweep"
)

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeNoop      = "noop"
	OutcomeError     = "error"
)

// Recorder receives saga measurements.
type Recorder interface {
	ObserveOperation(operation, outcome string, elapsed time.Duration)
	MessagePublished(eventType EventType, ok bool)
	CapacityAnomaly(eventID int64)
	ReservationsNeedingReview(n int)
	ReservationsByStatus(counts map[Status]int64)
}

type nopRecorder struct{}

// NopRecorder discards everything.
func NopRecorder() Recorder { return nopRecorder{} }

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}
func (nopRecorder) MessagePublished(EventType, bool)               {}
func (nopRecorder) CapacityAnomaly(int64)                          {}
func (nopRecorder) ReservationsNeedingReview(int)                  {}
func (nopRecorder) ReservationsByStatus(map[Status]int64)          {}
