// Package metrics holds the bridge's Prometheus instrumentation. Workers
// update these as a side effect; nothing in the core logic reads them back.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xmppbridge_queue_depth",
			Help: "Current occupancy of a bridge queue.",
		},
		[]string{"queue"}, // incoming, outgoing, priority
	)

	QueueUtilizationPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xmppbridge_queue_utilization_percent",
			Help: "Current occupancy of a bridge queue as a percentage of capacity.",
		},
		[]string{"queue"},
	)

	InboxUtilizationPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "xmppbridge_inbox_utilization_percent",
			Help: "Current occupancy of the inbox as a percentage of capacity.",
		},
	)

	SendAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmppbridge_send_attempts_total",
			Help: "Total outbound send attempts, by outcome.",
		},
		[]string{"outcome"}, // success, transient_error, fatal_error
	)

	SendRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "xmppbridge_send_retries_total",
			Help: "Total outbound send retries scheduled after a transient error.",
		},
	)

	DeliveryNacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmppbridge_delivery_nacks_total",
			Help: "Total delivery_nack events emitted, by kind.",
		},
		[]string{"kind"}, // overloaded, retries_exhausted, shutdown, fatal_error
	)

	RejectedEnqueuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmppbridge_rejected_enqueues_total",
			Help: "Total enqueue attempts rejected by back-pressure, by queue and priority.",
		},
		[]string{"queue", "priority"},
	)

	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xmppbridge_connection_state",
			Help: "1 if the bridge's XMPP connection currently holds this state, 0 otherwise.",
		},
		[]string{"state"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmppbridge_http_requests_total",
			Help: "Total requests served by the diagnostics HTTP server.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "xmppbridge_http_request_duration_seconds",
			Help: "Latency of requests served by the diagnostics HTTP server.",
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		QueueUtilizationPercent,
		InboxUtilizationPercent,
		SendAttemptsTotal,
		SendRetriesTotal,
		DeliveryNacksTotal,
		RejectedEnqueuesTotal,
		ConnectionState,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
