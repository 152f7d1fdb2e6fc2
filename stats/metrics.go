package stats

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsNamespace = "jobspool"

// Metrics mirrors the event stream into Prometheus counters.
type Metrics struct {
	Events        *prometheus.CounterVec
	RecordsStored *prometheus.CounterVec
	LastRun       *prometheus.GaugeVec
	RunFailures   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "events_total",
				Help:      "Pipeline events by stage and type",
			},
			[]string{"stage", "type"},
		),
		RecordsStored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "records_stored_total",
				Help:      "Job records written by kind",
			},
			[]string{"kind"},
		),
		LastRun: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: MetricsNamespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time a scheduled task last finished",
			},
			[]string{"task"},
		),
		RunFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "run_failures_total",
				Help:      "Scheduled task runs that returned an error",
			},
			[]string{"task"},
		),
	}
}

func (m *Metrics) Observe(evt Event) {
	m.Events.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
	if evt.Type == EventTypeStored && evt.Kind != "" {
		m.RecordsStored.WithLabelValues(evt.Kind).Inc()
	}
}

// Subscriber consumes an event stream until it closes.
func (m *Metrics) Subscriber(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(evt)
		}
	}
}
