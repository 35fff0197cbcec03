// Package metrics exports saga measurements to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"ticketinventory/internal/inventory"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "inventory"

// Recorder implements inventory.Recorder on Prometheus collectors.
type Recorder struct {
	outcomes        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	published       *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	needingReview   prometheus.Gauge
	reservationsNow *prometheus.GaugeVec
}

// NewRecorder registers the collectors on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "saga_outcomes_total",
			Help: "Saga operations handled, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "saga_duration_seconds",
			Help:    "Time spent handling one saga operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_published_total",
			Help: "Outbound saga messages, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "capacity_anomalies_total",
			Help: "Compensations whose release would have exceeded total capacity.",
		}, []string{"event_id"}),
		needingReview: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reservations_needing_review",
			Help: "RESERVED reservations older than the stuck threshold at the last sweep.",
		}),
		reservationsNow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reservations_by_status",
			Help: "Reservation records per status at the last sweep.",
		}, []string{"status"}),
	}

	reg.MustRegister(r.outcomes, r.duration, r.published, r.anomalies, r.needingReview, r.reservationsNow)
	return r
}

func (r *Recorder) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	r.outcomes.WithLabelValues(operation, outcome).Inc()
	r.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (r *Recorder) MessagePublished(eventType inventory.EventType, ok bool) {
	outcome := inventory.OutcomeSuccess
	if !ok {
		outcome = inventory.OutcomeError
	}
	r.published.WithLabelValues(string(eventType), outcome).Inc()
}

func (r *Recorder) CapacityAnomaly(eventID int64) {
	r.anomalies.WithLabelValues(strconv.FormatInt(eventID, 10)).Inc()
}

func (r *Recorder) ReservationsNeedingReview(n int) {
	r.needingReview.Set(float64(n))
}

func (r *Recorder) ReservationsByStatus(counts map[inventory.Status]int64) {
	for _, st := range inventory.Statuses {
		r.reservationsNow.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
