// Package metrics exposes Prometheus collectors observing the Channel Core
// from the outside, the way estuary-flow's go/ops package wires counters and
// histograms alongside (not instead of) its structured log lines.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Actions counts every Action the StateMachine hands to the driver,
	// labelled by action name (§3 Action).
	Actions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "channeld",
		Name:      "actions_total",
		Help:      "Actions produced by the StateMachine, by kind.",
	}, []string{"action"})

	// ExchangeDuration observes wall time from the request's ArrivedAt
	// stamp to the driver's Complete action.
	ExchangeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "channeld",
		Name:      "exchange_duration_seconds",
		Help:      "Time from request-line arrival to exchange completion.",
		Buckets:   prometheus.DefBuckets,
	})

	// BytesWritten tracks the running total of post-interception response
	// bytes confirmed written to the transport (§3 Invariant 4).
	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "channeld",
		Name:      "response_bytes_written_total",
		Help:      "Bytes confirmed written to the transport after commit.",
	})

	// Aborts counts terminal cancellations (§4.5 abort), labelled by
	// whether the response had already committed.
	Aborts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "channeld",
		Name:      "aborts_total",
		Help:      "Exchange aborts, by committed state at the time of abort.",
	}, []string{"committed"})
)

func init() {
	prometheus.MustRegister(Actions, ExchangeDuration, BytesWritten, Aborts)
}
