package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SpendMetrics represents aggregated learning-spend metrics for one model.
type SpendMetrics struct {
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCost    float64 `json:"total_cost_usd"`
}

// QueryService queries aggregated spend metrics back out of Prometheus. The
// audit log remains the accounting source of truth; this exists for dashboards
// that already scrape the /metrics endpoint.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service for the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetSpendByModel retrieves token and cost totals broken down by model.
func (q *QueryService) GetSpendByModel(ctx context.Context) (map[string]*SpendMetrics, error) {
	result := make(map[string]*SpendMetrics)

	modelsQuery := `group by (model) (dealdesk_spend_tokens_total)`
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	var models []string
	if vector, ok := modelsResult.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric["model"]; ok {
				models = append(models, string(name))
			}
		}
	}

	for _, modelName := range models {
		metrics := &SpendMetrics{Model: modelName}

		metrics.InputTokens, err = q.sumQuery(ctx,
			fmt.Sprintf(`sum(dealdesk_spend_tokens_total{model=%q, type="input"})`, modelName))
		if err != nil {
			return nil, fmt.Errorf("failed to query input tokens for model %s: %w", modelName, err)
		}

		metrics.OutputTokens, err = q.sumQuery(ctx,
			fmt.Sprintf(`sum(dealdesk_spend_tokens_total{model=%q, type="output"})`, modelName))
		if err != nil {
			return nil, fmt.Errorf("failed to query output tokens for model %s: %w", modelName, err)
		}

		metrics.TotalTokens = metrics.InputTokens + metrics.OutputTokens

		costQuery := fmt.Sprintf(`sum(dealdesk_spend_cost_usd_total{model=%q})`, modelName)
		costResult, _, err := q.queryAPI.Query(ctx, costQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query cost for model %s: %w", modelName, err)
		}
		if vector, ok := costResult.(model.Vector); ok && len(vector) > 0 {
			metrics.TotalCost = float64(vector[0].Value)
		}

		result[modelName] = metrics
	}

	return result, nil
}

// GetCategorySpend retrieves total cost for one spend category.
func (q *QueryService) GetCategorySpend(ctx context.Context, category string) (float64, error) {
	query := fmt.Sprintf(`sum(dealdesk_spend_cost_usd_total{category=%q})`, category)
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query category spend: %w", err)
	}

	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}

	return 0, nil
}

func (q *QueryService) sumQuery(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}

	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}

	return 0, nil
}
