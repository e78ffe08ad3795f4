// Package metrics provides Prometheus metrics for the prescription desk.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. Helper methods are safe on a nil
// receiver so components can run without metrics in tests.
type Metrics struct {
	PrescriptionsCreated   prometheus.Counter
	PrescriptionsSent      prometheus.Counter
	Decisions              *prometheus.CounterVec
	DecisionConflicts      prometheus.Counter
	InsufficientStock      prometheus.Counter
	DecisionDuration       prometheus.Histogram
	StockConsumed          prometheus.Counter
	OutboxPending          prometheus.Gauge
	OutboxPublished        prometheus.Counter
	OutboxDeadLettered     prometheus.Counter
	KafkaMessagesProduced  prometheus.Counter
	KafkaMessagesConsumed  prometheus.Counter
	NotificationsDelivered prometheus.Counter
	NotificationsFailed    prometheus.Counter
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total draft prescriptions created, duplicates included",
		}),
		PrescriptionsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_sent_total",
			Help: "Total prescriptions sent to the pharmacy",
		}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_decisions_total",
			Help: "Pharmacy decisions by outcome",
		}, []string{"outcome"}),
		DecisionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_decision_conflicts_total",
			Help: "Decisions refused because the prescription was already decided",
		}),
		InsufficientStock: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_fulfill_insufficient_stock_total",
			Help: "Fulfill attempts refused by the execution-time stock check",
		}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prescription_decision_duration_seconds",
			Help:    "Decision execution duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		StockConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_units_consumed_total",
			Help: "Batch units decremented by fulfillment",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published",
		}),
		OutboxDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Outbox entries moved to the dead letter topic",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		NotificationsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Patient notifications delivered",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Patient notifications that failed delivery",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsSent,
		m.Decisions,
		m.DecisionConflicts,
		m.InsufficientStock,
		m.DecisionDuration,
		m.StockConsumed,
		m.OutboxPending,
		m.OutboxPublished,
		m.OutboxDeadLettered,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.NotificationsDelivered,
		m.NotificationsFailed,
		m.CircuitBreakerState,
	)

	return m
}

func (m *Metrics) Created() {
	if m != nil {
		m.PrescriptionsCreated.Inc()
	}
}

func (m *Metrics) Sent() {
	if m != nil {
		m.PrescriptionsSent.Inc()
	}
}

// Decided records a successful decision and its latency.
func (m *Metrics) Decided(outcome string, took time.Duration) {
	if m != nil {
		m.Decisions.WithLabelValues(outcome).Inc()
		m.DecisionDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.DecisionConflicts.Inc()
	}
}

func (m *Metrics) StockRefused() {
	if m != nil {
		m.InsufficientStock.Inc()
	}
}

func (m *Metrics) UnitsConsumed(units int) {
	if m != nil {
		m.StockConsumed.Add(float64(units))
	}
}

func (m *Metrics) Outbox(pending int64, published, deadLettered int) {
	if m != nil {
		m.OutboxPending.Set(float64(pending))
		m.OutboxPublished.Add(float64(published))
		m.OutboxDeadLettered.Add(float64(deadLettered))
	}
}

func (m *Metrics) MessageProduced() {
	if m != nil {
		m.KafkaMessagesProduced.Inc()
	}
}

func (m *Metrics) MessageConsumed() {
	if m != nil {
		m.KafkaMessagesConsumed.Inc()
	}
}

// Notified records a delivery outcome.
func (m *Metrics) Notified(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.NotificationsFailed.Inc()
		return
	}
	m.NotificationsDelivered.Inc()
}

// BreakerState records a circuit breaker state change.
func (m *Metrics) BreakerState(name string, state int) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
