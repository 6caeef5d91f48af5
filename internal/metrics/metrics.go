// Package metrics registers the Prometheus metrics emitted by the gateway,
// following the teacher's Namespace/Subsystem/promauto convention.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smsgateway"

var (
	// SubmitLatency tracks submit-response round-trip time per service.
	SubmitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "submit_latency_seconds",
			Help:      "Round-trip latency of session.submit calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// SendOutcomes counts per-message send outcomes by resulting status.
	SendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sender",
			Name:      "outcomes_total",
			Help:      "Outbound send outcomes by resulting message state",
		},
		[]string{"service", "state"},
	)

	// WindowLiberatedSlots counts slots cancelled by WindowMonitor for
	// exceeding the staleness threshold.
	WindowLiberatedSlots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "liberated_slots_total",
			Help:      "In-flight slots cancelled for exceeding the staleness threshold",
		},
		[]string{"service"},
	)

	// WindowCriticalInspections counts inspections flagged critical.
	WindowCriticalInspections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "window",
			Name:      "critical_inspections_total",
			Help:      "Window inspections flagged critical (liberated >= saturation threshold)",
		},
		[]string{"service"},
	)

	// RebindAttempts counts rebind attempts by outcome.
	RebindAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rebind_attempts_total",
			Help:      "SessionManager rebind attempts by outcome",
		},
		[]string{"service", "outcome"}, // outcome: success, failure
	)

	// SessionBound reports whether a service's session is currently bound.
	SessionBound = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "bound",
			Help:      "1 if the service's SMPP session is currently bound, else 0",
		},
		[]string{"service"},
	)

	// InboundMessages counts inbound PDUs by classification.
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "messages_total",
			Help:      "Inbound DeliverSm PDUs by classification",
		},
		[]string{"service", "kind"}, // kind: mo, dlr
	)

	// BatchSize tracks the size of batches claimed from MessageStore.
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "serviceloop",
			Name:      "batch_size",
			Help:      "Number of messages claimed per poll",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"service"},
	)

	// CircuitBreakerState reports the gobreaker state per service (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "circuit_breaker_state",
			Help:      "Submit circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
		[]string{"service"},
	)
)
