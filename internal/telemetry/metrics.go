package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FlowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authorization_flow_transitions_total",
		Help: "Persisted authorization flow state transitions.",
	}, []string{"from", "to"})

	ConnectorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_connector_calls_total",
		Help: "Bank connector invocations by operation and result.",
	}, []string{"bank", "op", "result"})

	ConnectorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bank_connector_call_duration_seconds",
		Help:    "Latency of bank connector invocations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"bank", "op"})

	BankEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bank_events_total",
		Help: "Inbound bank events by transport and result.",
	}, []string{"source", "result"})

	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authorization_flow_version_conflicts_total",
		Help: "Compare-and-swap attempts that lost to a concurrent writer.",
	})

	ExpiredFlows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authorization_flow_expired_total",
		Help: "Stale flows retired by the reconciliation sweep.",
	})
)
