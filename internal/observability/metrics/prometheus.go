// Package metrics provides Prometheus metrics for the claims engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	EncountersOpened     prometheus.Counter
	EncountersSubmitted  prometheus.Counter
	Transitions          *prometheus.CounterVec
	DeltasPending        prometheus.Gauge
	DeltasUploaded       prometheus.Counter
	SyncConflicts        prometheus.Counter
	FetchesSuperseded    prometheus.Counter
	BatchesCreated       prometheus.Counter
	PartialBatchFailures prometheus.Counter
	KafkaMessagesOut     prometheus.Counter
	KafkaMessagesIn      prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all metrics and registers them on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates all metrics and registers them on the given registerer.
// Tests pass a fresh registry so parallel instances never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EncountersOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "encounters_opened_total",
			Help: "Total encounters opened",
		}),
		EncountersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "encounters_submitted_total",
			Help: "Total encounters submitted to the payer",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claim_transitions_total",
			Help: "Claim state transitions by type",
		}, []string{"transition"}),
		DeltasPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sync_deltas_pending",
			Help: "Unsynced deltas in the local ledger",
		}),
		DeltasUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_deltas_uploaded_total",
			Help: "Total deltas acknowledged by the gateway",
		}),
		SyncConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_conflicts_total",
			Help: "Delta uploads rejected by the gateway as conflicts",
		}),
		FetchesSuperseded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sync_fetches_superseded_total",
			Help: "Collection fetches cancelled by a newer fetch",
		}),
		BatchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reimbursement_batches_created_total",
			Help: "Total reimbursement batches created",
		}),
		PartialBatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reimbursement_partial_failures_total",
			Help: "Batch writes aborted because an encounter binding failed",
		}),
		KafkaMessagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.EncountersOpened,
		m.EncountersSubmitted,
		m.Transitions,
		m.DeltasPending,
		m.DeltasUploaded,
		m.SyncConflicts,
		m.FetchesSuperseded,
		m.BatchesCreated,
		m.PartialBatchFailures,
		m.KafkaMessagesOut,
		m.KafkaMessagesIn,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
