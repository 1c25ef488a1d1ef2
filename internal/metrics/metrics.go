// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of registered streaming sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "completion_gateway_active_sessions",
		Help: "Number of in-flight streaming sessions.",
	})

	// SessionsTotal counts finished sessions by terminal status.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "completion_gateway_sessions_total",
		Help: "Finished streaming sessions by terminal status.",
	}, []string{"status"})

	// HeartbeatsTotal counts heartbeat comments written to sinks.
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "completion_gateway_heartbeats_total",
		Help: "Heartbeat comment frames written.",
	})

	// FramesTotal counts data frames written by event type.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "completion_gateway_frames_total",
		Help: "Data frames written to sinks by event type.",
	}, []string{"event"})

	// StaleSessionsSwept counts sessions removed by the janitor.
	StaleSessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "completion_gateway_stale_sessions_swept_total",
		Help: "Sessions cancelled and removed by the stale-session janitor.",
	})

	// UsageRecordsDropped counts usage records lost to queue overflow.
	UsageRecordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "completion_gateway_usage_records_dropped_total",
		Help: "Usage records dropped because the recording queue was full.",
	})
)
