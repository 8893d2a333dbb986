package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scraper-fleet/internal/events"
)

// PrometheusSink counts lifecycle events.
type PrometheusSink struct {
	events       *prometheus.CounterVec
	taskFailures *prometheus.CounterVec
	attempts     prometheus.Histogram
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_events_total",
			Help: "Lifecycle events partitioned by kind.",
		}, []string{"kind"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_task_failures_total",
			Help: "Task failures reported by workers partitioned by error type.",
		}, []string{"error_type"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_task_attempts",
			Help:    "Attempts consumed by tasks when they reach a terminal state.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
	}
	for _, c := range []prometheus.Collector{s.events, s.taskFailures, s.attempts} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates counters for each event.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind)).Inc()
		switch evt.Kind {
		case events.TaskFailed:
			s.taskFailures.WithLabelValues(evt.ErrorType).Inc()
		case events.TaskCompleted, events.TaskPermanentlyFailed:
			s.attempts.Observe(float64(evt.Attempt))
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
