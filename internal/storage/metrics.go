package storage

import (
	"context"
	"fmt"

	"github.com/miru-ai/miru/internal/model"
)

const upsertMetricResultSQL = `
	INSERT INTO metric_results (id, span_id, metric_type, details,
		prompt_tokens, completion_tokens, latency_ms, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	ON CONFLICT (span_id, metric_type) DO UPDATE SET
		details = EXCLUDED.details,
		prompt_tokens = EXCLUDED.prompt_tokens,
		completion_tokens = EXCLUDED.completion_tokens,
		latency_ms = EXCLUDED.latency_ms,
		updated_at = EXCLUDED.updated_at`

const selectMetricColumns = `id, span_id, metric_type, details,
	prompt_tokens, completion_tokens, latency_ms, created_at, updated_at`

// UpsertMetricResult stores a computed metric, overwriting any previous
// result for the same span and metric type.
func (db *DB) UpsertMetricResult(ctx context.Context, m *model.MetricResult) error {
	_, err := db.pool.Exec(ctx, upsertMetricResultSQL,
		m.ID, m.SpanID, string(m.MetricType), m.Details,
		m.PromptTokens, m.CompletionTokens, m.LatencyMs, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert metric result %s/%s: %w", m.SpanID, m.MetricType, err)
	}
	return nil
}

// MetricsBySpanIDs loads all metric results for the given spans.
func (db *DB) MetricsBySpanIDs(ctx context.Context, spanIDs []string) ([]model.MetricResult, error) {
	if len(spanIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+selectMetricColumns+` FROM metric_results WHERE span_id = ANY($1)
		 ORDER BY span_id, metric_type`, spanIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get metric results: %w", err)
	}
	defer rows.Close()

	var metrics []model.MetricResult
	for rows.Next() {
		var m model.MetricResult
		var mt string
		if err := rows.Scan(
			&m.ID, &m.SpanID, &mt, &m.Details,
			&m.PromptTokens, &m.CompletionTokens, &m.LatencyMs,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan metric result: %w", err)
		}
		m.MetricType = model.MetricType(mt)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
