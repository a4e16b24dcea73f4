// Package metrics provides Prometheus instrumentation for the generation
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/planforge/planforge/llm"
)

// MetricsNamespace is the namespace for all planforge metrics.
const MetricsNamespace = "planforge"

// Service holds all Prometheus metrics for the generation pipeline.
type Service struct {
	// Job metrics
	JobTransitionsTotal *prometheus.CounterVec
	JobDurationSeconds  prometheus.Histogram
	JobsReclaimedTotal  prometheus.Counter
	ClaimConflictsTotal prometheus.Counter

	// Completion gateway metrics
	CompletionsTotal          *prometheus.CounterVec
	CompletionDurationSeconds *prometheus.HistogramVec
	ProviderFailuresTotal     *prometheus.CounterVec

	// Parser metrics
	ParseStagesTotal *prometheus.CounterVec
}

// NewService creates and registers all pipeline metrics.
func NewService(reg prometheus.Registerer) *Service {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Service{
		JobTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "job_transitions_total",
				Help:      "Total number of job status transitions",
			},
			[]string{"status"},
		),
		JobDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: MetricsNamespace,
				Name:      "job_duration_seconds",
				Help:      "Wall-clock duration of completed generation jobs",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
			},
		),
		JobsReclaimedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "jobs_reclaimed_total",
				Help:      "Total number of stuck jobs reclaimed after lease expiry",
			},
		),
		ClaimConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "claim_conflicts_total",
				Help:      "Total number of optimistic claim attempts lost to another worker",
			},
		),
		CompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "completions_total",
				Help:      "Total number of completion attempts by outcome",
			},
			[]string{"stage", "endpoint", "outcome"},
		),
		CompletionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: MetricsNamespace,
				Name:      "completion_duration_seconds",
				Help:      "Duration of successful completion calls",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
			},
			[]string{"stage", "endpoint"},
		),
		ProviderFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "provider_failures_total",
				Help:      "Total number of classified provider failures",
			},
			[]string{"endpoint", "kind"},
		),
		ParseStagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: MetricsNamespace,
				Name:      "parse_stages_total",
				Help:      "Total number of responses parsed, by repair stage that succeeded",
			},
			[]string{"stage"},
		),
	}
}

// RecordJobTransition records a job entering a status.
func (s *Service) RecordJobTransition(status string) {
	if s == nil {
		return
	}
	s.JobTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordJobDuration records the duration of a completed job.
func (s *Service) RecordJobDuration(d time.Duration) {
	if s == nil {
		return
	}
	s.JobDurationSeconds.Observe(d.Seconds())
}

// RecordReclaim records a stuck-job reclaim.
func (s *Service) RecordReclaim() {
	if s == nil {
		return
	}
	s.JobsReclaimedTotal.Inc()
}

// RecordClaimConflict records a claim attempt lost to a concurrent worker.
func (s *Service) RecordClaimConflict() {
	if s == nil {
		return
	}
	s.ClaimConflictsTotal.Inc()
}

// RecordParseStage records which repair stage produced a usable plan.
func (s *Service) RecordParseStage(stage string) {
	if s == nil {
		return
	}
	s.ParseStagesTotal.WithLabelValues(stage).Inc()
}

// CompletionSucceeded implements llm.Observer.
func (s *Service) CompletionSucceeded(stage, endpoint string, d time.Duration) {
	if s == nil {
		return
	}
	s.CompletionsTotal.WithLabelValues(stage, endpoint, "success").Inc()
	s.CompletionDurationSeconds.WithLabelValues(stage, endpoint).Observe(d.Seconds())
}

// CompletionFailed implements llm.Observer.
func (s *Service) CompletionFailed(stage, endpoint string, kind llm.ErrorKind) {
	if s == nil {
		return
	}
	s.CompletionsTotal.WithLabelValues(stage, endpoint, "failure").Inc()
	s.ProviderFailuresTotal.WithLabelValues(endpoint, string(kind)).Inc()
}
