package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the analytics pipeline.
type Metrics struct {
	BaselinesComputed  prometheus.Counter
	ScenariosEvaluated prometheus.Counter
	FallbackEstimates  prometheus.Counter
	ValidationsByStatus *prometheus.CounterVec
	CandidatesGenerated prometheus.Counter
	OptimizeRuns        prometheus.Counter
	InfeasibleRuns      prometheus.Counter
	PostMortems         prometheus.Counter
	ModelUpdates        prometheus.Counter
	RateLimited         prometheus.Counter

	OptimizeDuration prometheus.Histogram
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		BaselinesComputed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promoloop_baselines_computed",
			Help: "Number of baseline forecasts computed",
		}),
		ScenariosEvaluated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promoloop_scenarios_evaluated",
			Help: "Number of scenario KPI evaluations",
		}),
		FallbackEstimates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promoloop_fallback_estimates",
			Help: "Number of evaluations that used a fallback uplift coefficient",
		}),
		ValidationsByStatus: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promoloop_validations_by_status",
				Help: "Validation verdicts by status",
			},
			[]string{"status"},
		),
		CandidatesGenerated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promoloop_candidates_generated",
			Help: "Number of candidate scenarios generated",
		}),
		OptimizeRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promoloop_optimize_runs",
			Help: "Number of optimization runs",
		}),
		InfeasibleRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promoloop_infeasible_runs",
			Help: "Number of optimization runs where every candidate was blocked",
		}),
		PostMortems: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promoloop_post_mortems",
			Help: "Number of post-mortem reports generated",
		}),
		ModelUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promoloop_model_updates",
			Help: "Number of uplift model versions committed",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "promoloop_rate_limited",
			Help: "Number of requests rejected by the rate limiter",
		}),
		OptimizeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "promoloop_optimize_duration_seconds",
			Help:    "Wall time of optimization runs",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
