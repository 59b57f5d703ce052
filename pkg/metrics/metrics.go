// Package metrics defines the Prometheus instrumentation of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics groups every collector the pipeline updates.
type PipelineMetrics struct {
	// StageDuration observes provider wall-clock per stage and outcome.
	StageDuration *prometheus.HistogramVec

	// StageOutcomes counts terminal stage results per stage and outcome.
	StageOutcomes *prometheus.CounterVec

	// QueueDepth tracks the number of queued tasks per stage.
	QueueDepth *prometheus.GaugeVec

	// FallbacksUsed counts stage results produced by a non-primary provider.
	FallbacksUsed *prometheus.CounterVec

	// EventsPublished counts progress events by type.
	EventsPublished *prometheus.CounterVec

	// SessionsStarted and SessionsCompleted count session lifecycle
	// transitions; completed is labeled by final status.
	SessionsStarted   prometheus.Counter
	SessionsCompleted *prometheus.CounterVec

	// AdmissionRejected counts session creations rejected by saturation.
	AdmissionRejected prometheus.Counter
}

// New registers the pipeline collectors on reg.
func New(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "menusense",
			Name:      "stage_duration_seconds",
			Help:      "Provider wall-clock time per stage attempt.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		StageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "menusense",
			Name:      "stage_outcomes_total",
			Help:      "Terminal stage results.",
		}, []string{"stage", "outcome"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "menusense",
			Name:      "stage_queue_depth",
			Help:      "Tasks currently queued per stage.",
		}, []string{"stage"}),
		FallbacksUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "menusense",
			Name:      "stage_fallbacks_total",
			Help:      "Stage results produced by a non-primary provider.",
		}, []string{"stage", "provider"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "menusense",
			Name:      "events_published_total",
			Help:      "Progress events published, by type.",
		}, []string{"type"}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "menusense",
			Name:      "sessions_started_total",
			Help:      "Sessions admitted for processing.",
		}),
		SessionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "menusense",
			Name:      "sessions_completed_total",
			Help:      "Sessions reaching a terminal status.",
		}, []string{"status"}),
		AdmissionRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "menusense",
			Name:      "admission_rejected_total",
			Help:      "Session creations rejected due to queue saturation.",
		}),
	}
}

// NewNop returns metrics on a throwaway registry, for tests.
func NewNop() *PipelineMetrics {
	return New(prometheus.NewRegistry())
}
