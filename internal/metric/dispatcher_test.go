package metric

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miru-ai/miru/internal/aggregate"
	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/scorer"
	"github.com/miru-ai/miru/internal/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "miru.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func defaultScorers() []Scorer {
	return []Scorer{scorer.QueryRelevance{}, scorer.ResponseRelevance{}, scorer.ToolSelection{}}
}

func llmRawData() map[string]any {
	return map[string]any{
		"name": "chat",
		"attributes": map[string]any{
			"openinference": map[string]any{"span": map[string]any{"kind": "LLM"}},
			"llm": map[string]any{
				"input_messages": []any{
					map[string]any{"message": map[string]any{
						"role": "system", "content": "You are a weather assistant for forecasts"}},
					map[string]any{"message": map[string]any{
						"role": "user", "content": "Check the weather forecast for Paris"}},
				},
				"output_messages": []any{
					map[string]any{"message": map[string]any{
						"role": "assistant", "content": "The weather forecast for Paris is sunny"}},
				},
				"token_count": map[string]any{"prompt": int64(24), "completion": int64(11)},
			},
		},
	}
}

func ingestLLMSpan(t *testing.T, store storage.Store, raw map[string]any) *model.Span {
	t.Helper()
	span := &model.Span{
		ID:         uuid.NewString(),
		TraceID:    "trace-1",
		SpanID:     uuid.NewString(),
		Kind:       model.SpanKindLLM,
		Name:       "chat",
		StatusCode: model.StatusCodeOk,
		TaskID:     "task-1",
		StartTime:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC),
		RawData:    raw,
		CreatedAt:  time.Now().UTC(),
	}
	agg := aggregate.New(slog.Default())
	_, err := store.IngestBatch(context.Background(), []*model.Span{span}, agg.BuildTraceUpdates)
	require.NoError(t, err)
	return span
}

func TestComputeForSpansComputesAllMetrics(t *testing.T) {
	store := newTestStore(t)
	span := ingestLLMSpan(t, store, llmRawData())

	d := New(store, slog.Default(), defaultScorers())
	computed := d.ComputeForSpans(context.Background(), []*model.Span{span})

	assert.Equal(t, 3, computed)
	require.Len(t, span.Metrics, 3)
	for _, m := range span.Metrics {
		assert.Equal(t, span.ID, m.SpanID)
		assert.NotEmpty(t, m.Details)
	}
	assert.Equal(t, 24, span.Metrics[0].PromptTokens)
	assert.Equal(t, 11, span.Metrics[0].CompletionTokens)

	// persisted too
	stored, err := store.MetricsBySpanIDs(context.Background(), []string{span.ID})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestComputeForSpansSkipsExisting(t *testing.T) {
	store := newTestStore(t)
	span := ingestLLMSpan(t, store, llmRawData())

	d := New(store, slog.Default(), defaultScorers())
	first := d.ComputeForSpans(context.Background(), []*model.Span{span})
	assert.Equal(t, 3, first)

	second := d.ComputeForSpans(context.Background(), []*model.Span{span})
	assert.Equal(t, 0, second)
	assert.Len(t, span.Metrics, 3)
}

func TestComputeForSpansSkipsNonLLM(t *testing.T) {
	store := newTestStore(t)

	span := &model.Span{
		ID:      uuid.NewString(),
		Kind:    model.SpanKindTool,
		TaskID:  "task-1",
		RawData: map[string]any{},
	}

	d := New(store, slog.Default(), defaultScorers())
	assert.Equal(t, 0, d.ComputeForSpans(context.Background(), []*model.Span{span}))
	assert.Empty(t, span.Metrics)
}

func TestComputeForSpansScorerFailureMarksUnavailable(t *testing.T) {
	store := newTestStore(t)

	// no input messages extractable: every scorer fails, nothing persists
	raw := map[string]any{
		"name": "chat",
		"attributes": map[string]any{
			"openinference": map[string]any{"span": map[string]any{"kind": "LLM"}},
		},
	}
	span := ingestLLMSpan(t, store, raw)

	d := New(store, slog.Default(), defaultScorers())
	assert.Equal(t, 0, d.ComputeForSpans(context.Background(), []*model.Span{span}))

	require.Len(t, span.Metrics, 3)
	for _, m := range span.Metrics {
		assert.Equal(t, model.MetricStatusUnavailable, m.Details[model.DetailKeyStatus])
		assert.NotEmpty(t, m.Details[model.DetailKeyError])
	}

	stored, err := store.MetricsBySpanIDs(context.Background(), []string{span.ID})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestComputeForSpansRetriesAfterUnavailable(t *testing.T) {
	store := newTestStore(t)
	span := ingestLLMSpan(t, store, llmRawData())
	span.Metrics = append(span.Metrics,
		unavailableResult(span.ID, model.MetricTypeQueryRelevance, context.DeadlineExceeded))

	d := New(store, slog.Default(), defaultScorers())
	computed := d.ComputeForSpans(context.Background(), []*model.Span{span})
	assert.Equal(t, 3, computed)
}

func TestBindingsRestrictMetrics(t *testing.T) {
	store := newTestStore(t)
	span := ingestLLMSpan(t, store, llmRawData())

	d := New(store, slog.Default(), defaultScorers(), WithBindings(map[string][]model.MetricType{
		"task-1": {model.MetricTypeQueryRelevance},
	}))

	computed := d.ComputeForSpans(context.Background(), []*model.Span{span})
	assert.Equal(t, 1, computed)
	require.Len(t, span.Metrics, 1)
	assert.Equal(t, model.MetricTypeQueryRelevance, span.Metrics[0].MetricType)
}
