// Package metrics holds the Prometheus collectors of the reservation service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "inventory"

type Metrics struct {
	reservationOps    *prometheus.CounterVec
	casConflicts      prometheus.Counter
	reservationsSwept prometheus.Counter
	sweepDuration     prometheus.Histogram
	publishAttempts   *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	messagesConsumed  *prometheus.CounterVec
	duplicates        prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reservationOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_operations_total",
			Help:      "Reservation manager operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		casConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_conflicts_total",
			Help:      "Version conflicts observed on conditional item updates.",
		}),
		reservationsSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_expired_total",
			Help:      "Pending reservations reclaimed by the expiry sweeper.",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one expiry sweep cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		publishAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_attempts_total",
			Help:      "Broker publish attempts by routing key and result.",
		}, []string{"routing_key", "result"}),
		publishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Publishes that exhausted their retry budget.",
		}, []string{"routing_key"}),
		messagesConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_consumed_total",
			Help:      "Consumed messages by routing key and settlement decision.",
		}, []string{"routing_key", "decision"}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Deliveries absorbed by the idempotency guard.",
		}),
	}
}

func (m *Metrics) ReservationOp(operation, outcome string) {
	if m == nil {
		return
	}
	m.reservationOps.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) CASConflict() {
	if m == nil {
		return
	}
	m.casConflicts.Inc()
}

func (m *Metrics) Swept(expired int, took time.Duration) {
	if m == nil {
		return
	}
	m.reservationsSwept.Add(float64(expired))
	m.sweepDuration.Observe(took.Seconds())
}

func (m *Metrics) PublishAttempt(routingKey string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.publishAttempts.WithLabelValues(routingKey, result).Inc()
}

func (m *Metrics) PublishFailed(routingKey string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(routingKey).Inc()
}

func (m *Metrics) MessageConsumed(routingKey, decision string) {
	if m == nil {
		return
	}
	m.messagesConsumed.WithLabelValues(routingKey, decision).Inc()
}

func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}
