// Package printermetrics exposes Prometheus metrics for the comm loop,
// event queue, and transfer manager, modeled on the teacher's
// internal/metrics package.
package printermetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsDropped counts events discarded because the queue was full.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connect_sdk_events_dropped_total",
		Help: "Total number of events dropped due to a full event queue",
	})

	// TelemetrySendDuration observes the latency of telemetry POSTs.
	TelemetrySendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "connect_sdk_telemetry_send_duration_seconds",
		Help:    "Duration of telemetry POST requests",
		Buckets: prometheus.DefBuckets,
	})

	// CommandsRejected counts rejected commands by reason.
	CommandsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connect_sdk_commands_rejected_total",
		Help: "Total number of commands rejected, by reason",
	}, []string{"reason"})

	// TransferBytes counts bytes moved by transfers, by direction.
	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connect_sdk_transfer_bytes_total",
		Help: "Total bytes transferred, by direction",
	}, []string{"direction"})

	// TransfersActive is the current count of RUNNING transfers.
	TransfersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connect_sdk_transfers_active",
		Help: "Number of transfers currently RUNNING",
	})

	// BackoffSeconds observes the comm loop's current retry backoff.
	BackoffSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connect_sdk_backoff_seconds",
		Help: "Current comm-loop retry backoff, in seconds",
	})
)
