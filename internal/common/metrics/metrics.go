package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ask_pipeline_requests_total",
			Help: "Total number of ask requests by final state",
		},
		[]string{"state", "intent"},
	)

	PipelineStageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ask_pipeline_stage_failures_total",
			Help: "Total number of stage failures by error code",
		},
		[]string{"stage", "error_code"},
	)

	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ask_pipeline_stage_duration_seconds",
			Help: "Duration of each pipeline stage in seconds",
		},
		[]string{"stage"},
	)

	PipelineBranchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ask_pipeline_branch_outcomes_total",
			Help: "Branch outcomes by branch name and result",
		},
		[]string{"branch", "outcome"},
	)

	PipelineRequestsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ask_pipeline_requests_active",
			Help: "Number of ask requests currently being processed",
		},
	)

	GuardrailRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ask_guardrail_rejections_total",
			Help: "Generated statements rejected by the safety policy",
		},
		[]string{"guardrail"},
	)
)
