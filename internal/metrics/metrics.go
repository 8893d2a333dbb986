// Package metrics exposes Prometheus collectors for the fleet coordinator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes recorded by ObserveDispatch.
const (
	DispatchAssigned       = "assigned"
	DispatchNoTask         = "no_task"
	DispatchNoWorker       = "no_worker"
	DispatchConflict       = "conflict"
	DispatchDeliveryFailed = "delivery_failed"
	DispatchError          = "error"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	dispatchTotal              *prometheus.CounterVec
	dispatchDurationSeconds    prometheus.Histogram
	dispatchRequestsDropped    prometheus.Counter
	gatewayEventsTotal         *prometheus.CounterVec
	connectedSessions          prometheus.Gauge
	heartbeatTimeoutsTotal     prometheus.Counter

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// multiple times; the Observe helpers call it themselves.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		dispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_dispatch_total",
				Help: "Dispatch invocations labeled by outcome.",
			},
			[]string{"outcome"},
		)

		dispatchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleet_dispatch_duration_seconds",
				Help:    "Wall time of a single dispatch pass.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		)

		dispatchRequestsDropped = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_dispatch_requests_dropped_total",
				Help: "Dispatch requests discarded because the request queue was full.",
			},
		)

		gatewayEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_gateway_events_total",
				Help: "Inbound worker events labeled by event name and result.",
			},
			[]string{"event", "result"},
		)

		connectedSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_connected_sessions",
				Help: "Number of live worker sessions.",
			},
		)

		heartbeatTimeoutsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_heartbeat_timeouts_total",
				Help: "Workers demoted by the heartbeat sweep.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDispatch records one dispatch pass.
func ObserveDispatch(outcome string, duration time.Duration) {
	Init()
	dispatchTotal.WithLabelValues(outcome).Inc()
	dispatchDurationSeconds.Observe(duration.Seconds())
}

// ObserveDispatchDropped counts a dispatch request lost to backpressure.
func ObserveDispatchDropped() {
	Init()
	dispatchRequestsDropped.Inc()
}

// ObserveGatewayEvent counts one inbound worker event.
func ObserveGatewayEvent(event, result string) {
	Init()
	gatewayEventsTotal.WithLabelValues(event, result).Inc()
}

// SessionOpened increments the live session gauge.
func SessionOpened() {
	Init()
	connectedSessions.Inc()
}

// SessionClosed decrements the live session gauge.
func SessionClosed() {
	Init()
	connectedSessions.Dec()
}

// ObserveHeartbeatTimeouts adds n demoted workers.
func ObserveHeartbeatTimeouts(n int) {
	Init()
	heartbeatTimeoutsTotal.Add(float64(n))
}
