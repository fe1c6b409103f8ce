// Package metrics provides Prometheus metrics for monitoring the browser
// session runtime.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionTransitionsTotal counts state transitions by target state.
	SessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steel_session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"state"},
	)

	// SessionDuration tracks how long sessions stay live.
	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steel_session_duration_seconds",
			Help:    "Live duration of completed sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		},
	)

	// LaunchDuration tracks browser launch latency.
	LaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steel_launch_duration_seconds",
			Help:    "Browser launch latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~51s
		},
	)

	// CrashesTotal counts browser disconnects while live.
	CrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steel_crashes_total",
			Help: "Total browser crashes detected while a session was live",
		},
	)

	// LaunchFailuresTotal counts failed launch attempts.
	LaunchFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steel_launch_failures_total",
			Help: "Total failed browser launch attempts",
		},
	)

	// FileProtocolViolationsTotal counts blocked file:// accesses.
	FileProtocolViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "steel_file_protocol_violations_total",
			Help: "Total blocked file protocol accesses",
		},
	)

	// SessionLive reports whether a session is currently live.
	SessionLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steel_session_live",
			Help: "1 while a session is live, 0 otherwise",
		},
	)

	// ProxiedWebSockets tracks open control-protocol proxy connections.
	ProxiedWebSockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "steel_proxied_websockets",
			Help: "Currently open proxied control-protocol WebSocket connections",
		},
	)

	// GoRoutines exposes the runtime goroutine count.
	GoRoutines = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "steel_goroutines",
			Help: "Number of goroutines",
		},
		func() float64 { return float64(runtime.NumGoroutine()) },
	)
)

// Register registers all collectors with the default registry.
// Safe to call once at startup.
func Register() {
	prometheus.MustRegister(
		SessionTransitionsTotal,
		SessionDuration,
		LaunchDuration,
		CrashesTotal,
		LaunchFailuresTotal,
		FileProtocolViolationsTotal,
		SessionLive,
		ProxiedWebSockets,
		GoRoutines,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLaunch records a completed launch attempt.
func ObserveLaunch(started time.Time, ok bool) {
	if ok {
		LaunchDuration.Observe(time.Since(started).Seconds())
		return
	}
	LaunchFailuresTotal.Inc()
}
