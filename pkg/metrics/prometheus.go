// Package metrics provides Prometheus-based metrics recording for the
// coordination subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics interface consumed by the coordination components.
type Recorder interface {
	ObserveSpend(model, category string, inputTokens, outputTokens int, cost float64)
	IncCapRejection(behavior string)
	ObserveRequest(kind, status string)
	IncRequestRejection(reason string)
	IncStageTransition(from, to string)
	ObserveQualityScore(taskType, model string, score float64)
	IncRouterRevert(taskType string)
}

// PrometheusRecorder implements Recorder using promauto-registered metrics.
type PrometheusRecorder struct {
	spendTokensTotal  *prometheus.CounterVec
	spendCostsTotal   *prometheus.CounterVec
	capRejections     *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	requestRejections *prometheus.CounterVec
	stageTransitions  *prometheus.CounterVec
	qualityScores     *prometheus.HistogramVec
	routerReverts     *prometheus.CounterVec
}

// NewPrometheusRecorder creates a Prometheus-based metrics recorder.
// promauto registers with the default registry, so create at most one.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		spendTokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealdesk_spend_tokens_total",
				Help: "Total tokens recorded against the monthly budget",
			},
			[]string{"model", "category", "type"},
		),
		spendCostsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealdesk_spend_cost_usd_total",
				Help: "Total cost in USD recorded against the monthly budget",
			},
			[]string{"model", "category"},
		),
		capRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealdesk_spend_cap_rejections_total",
				Help: "Operations disallowed or warned by the spend admission check",
			},
			[]string{"behavior"},
		),
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealdesk_agent_requests_total",
				Help: "Agent requests by kind and terminal status",
			},
			[]string{"kind", "status"},
		),
		requestRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealdesk_agent_request_rejections_total",
				Help: "Agent requests rejected at creation",
			},
			[]string{"reason"},
		),
		stageTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealdesk_pattern_stage_transitions_total",
				Help: "Learned pattern lifecycle stage transitions",
			},
			[]string{"from", "to"},
		),
		qualityScores: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dealdesk_routing_quality_score",
				Help:    "Quality scores observed during distillation testing and spot checks",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"task_type", "model"},
		),
		routerReverts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealdesk_routing_reverts_total",
				Help: "Automatic reverts from a distilled model back to the strong tier",
			},
			[]string{"task_type"},
		),
	}
}

// ObserveSpend records token and cost counters for one spend event.
func (p *PrometheusRecorder) ObserveSpend(model, category string, inputTokens, outputTokens int, cost float64) {
	p.spendTokensTotal.WithLabelValues(model, category, "input").Add(float64(inputTokens))
	p.spendTokensTotal.WithLabelValues(model, category, "output").Add(float64(outputTokens))
	p.spendCostsTotal.WithLabelValues(model, category).Add(cost)
}

// IncCapRejection increments the cap rejection counter.
func (p *PrometheusRecorder) IncCapRejection(behavior string) {
	p.capRejections.WithLabelValues(behavior).Inc()
}

// ObserveRequest records a request reaching a status.
func (p *PrometheusRecorder) ObserveRequest(kind, status string) {
	p.requestsTotal.WithLabelValues(kind, status).Inc()
}

// IncRequestRejection records a request rejected at creation time.
func (p *PrometheusRecorder) IncRequestRejection(reason string) {
	p.requestRejections.WithLabelValues(reason).Inc()
}

// IncStageTransition records a pattern moving between lifecycle stages.
func (p *PrometheusRecorder) IncStageTransition(from, to string) {
	p.stageTransitions.WithLabelValues(from, to).Inc()
}

// ObserveQualityScore records a quality score for a routed task type.
func (p *PrometheusRecorder) ObserveQualityScore(taskType, model string, score float64) {
	p.qualityScores.WithLabelValues(taskType, model).Observe(score)
}

// IncRouterRevert records an automatic routing revert.
func (p *PrometheusRecorder) IncRouterRevert(taskType string) {
	p.routerReverts.WithLabelValues(taskType).Inc()
}

// NopRecorder discards all observations. Useful in tests and in tools that do
// not serve a metrics endpoint.
type NopRecorder struct{}

// NewNopRecorder creates a recorder that discards everything.
func NewNopRecorder() *NopRecorder { return &NopRecorder{} }

// ObserveSpend implements Recorder.
func (NopRecorder) ObserveSpend(string, string, int, int, float64) {}

// IncCapRejection implements Recorder.
func (NopRecorder) IncCapRejection(string) {}

// ObserveRequest implements Recorder.
func (NopRecorder) ObserveRequest(string, string) {}

// IncRequestRejection implements Recorder.
func (NopRecorder) IncRequestRejection(string) {}

// IncStageTransition implements Recorder.
func (NopRecorder) IncStageTransition(string, string) {}

// ObserveQualityScore implements Recorder.
func (NopRecorder) ObserveQualityScore(string, string, float64) {}

// IncRouterRevert implements Recorder.
func (NopRecorder) IncRouterRevert(string) {}
