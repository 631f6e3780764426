package query

import (
	"bytes"
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
	"github.com/miru-ai/miru/internal/normalize"
	"github.com/miru-ai/miru/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "miru.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return New(store, slog.Default()), store
}

func ingest(t *testing.T, store storage.Store, spans ...*model.Span) {
	t.Helper()
	agg := aggregate.New(slog.Default())
	_, err := store.IngestBatch(context.Background(), spans, agg.BuildTraceUpdates)
	require.NoError(t, err)
}

func testSpan(traceID, spanID string, kind model.SpanKind, start time.Time) *model.Span {
	return &model.Span{
		ID:         uuid.NewString(),
		TraceID:    traceID,
		SpanID:     spanID,
		Kind:       kind,
		Name:       "span-" + spanID,
		StatusCode: model.StatusCodeOk,
		TaskID:     "task-1",
		StartTime:  start,
		EndTime:    start.Add(time.Second),
		RawData:    map[string]any{normalize.VersionKey: normalize.Version},
		CreatedAt:  time.Now().UTC(),
	}
}

// noopComputer satisfies Computer without computing anything.
type noopComputer struct{}

func (noopComputer) ComputeForSpans(context.Context, []*model.Span) int { return 0 }

func TestListTracesAssemblesTree(t *testing.T) {
	engine, store := newTestEngine(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	root := testSpan("trace-1", "root", model.SpanKindAgent, base)
	child := testSpan("trace-1", "child", model.SpanKindLLM, base.Add(time.Millisecond))
	rootID := "root"
	child.ParentSpanID = &rootID
	ingest(t, store, root, child)

	page, err := engine.ListTraces(context.Background(), model.TraceQuery{
		TaskIDs: []string{"task-1"}, Page: 1, PageSize: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Count)
	assert.Equal(t, 1, page.TotalPages)
	require.Len(t, page.Data, 1)

	tr := page.Data[0]
	assert.Equal(t, "trace-1", tr.Metadata.TraceID)
	assert.Equal(t, 2, tr.Metadata.SpanCount)
	require.Len(t, tr.Spans, 1)
	assert.Equal(t, "root", tr.Spans[0].SpanID)
	require.Len(t, tr.Spans[0].Children, 1)
	assert.Equal(t, "child", tr.Spans[0].Children[0].SpanID)
}

func TestListTracesOrphanSurfacesAsRoot(t *testing.T) {
	engine, store := newTestEngine(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	missing := "not-present"
	orphan := testSpan("trace-1", "orphan", model.SpanKindChain, base)
	orphan.ParentSpanID = &missing
	ingest(t, store, orphan)

	tr, err := engine.GetTrace(context.Background(), "trace-1")
	require.NoError(t, err)
	require.Len(t, tr.Spans, 1)
	assert.Equal(t, "orphan", tr.Spans[0].SpanID)
}

func TestGetTraceNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.GetTrace(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListSpansAttachesMetrics(t *testing.T) {
	engine, store := newTestEngine(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	llm := testSpan("trace-1", "s1", model.SpanKindLLM, base)
	ingest(t, store, llm)

	require.NoError(t, store.UpsertMetricResult(context.Background(), &model.MetricResult{
		ID:         uuid.NewString(),
		SpanID:     llm.ID,
		MetricType: model.MetricTypeQueryRelevance,
		Details:    map[string]any{model.DetailKeyRelevanceScore: 0.7},
		CreatedAt:  time.Now().UTC(),
	}))

	page, err := engine.ListSpans(context.Background(), model.TraceQuery{
		TaskIDs: []string{"task-1"}, Page: 1, PageSize: 50,
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Len(t, page.Data[0].Metrics, 1)
	assert.Equal(t, model.MetricTypeQueryRelevance, page.Data[0].Metrics[0].MetricType)
}

func TestListSpansPageOrder(t *testing.T) {
	engine, store := newTestEngine(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var spans []*model.Span
	for i := 0; i < 3; i++ {
		spans = append(spans, testSpan("trace-1", uuid.NewString(), model.SpanKindLLM,
			base.Add(time.Duration(i)*time.Minute)))
	}
	ingest(t, store, spans...)

	page, err := engine.ListSpans(context.Background(), model.TraceQuery{
		TaskIDs: []string{"task-1"}, Page: 1, PageSize: 50,
	})
	require.NoError(t, err)
	require.Len(t, page.Data, 3)
	// newest first
	assert.Equal(t, spans[2].ID, page.Data[0].ID)
	assert.Equal(t, spans[0].ID, page.Data[2].ID)
}

func TestComputeSpanMetricsRejectsNonLLMSpan(t *testing.T) {
	engine, store := newTestEngine(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tool := testSpan("trace-1", "s1", model.SpanKindTool, base)
	ingest(t, store, tool)

	_, err := engine.ComputeSpanMetrics(context.Background(), tool.ID, noopComputer{})
	require.ErrorIs(t, err, ErrNotComputable)
	assert.Contains(t, err.Error(), "LLM")
}

func TestUnstampedSpanWarnsAndIsStillServed(t *testing.T) {
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "miru.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	var buf bytes.Buffer
	engine := New(store, slog.New(slog.NewTextHandler(&buf, nil)))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	unstamped := testSpan("trace-1", "s1", model.SpanKindLLM, base)
	unstamped.RawData = map[string]any{"name": "chat"}
	stamped := testSpan("trace-1", "s2", model.SpanKindLLM, base.Add(time.Second))
	ingest(t, store, unstamped, stamped)

	got, err := engine.GetSpan(context.Background(), unstamped.ID)
	require.NoError(t, err)
	assert.Equal(t, unstamped.ID, got.ID)
	assert.Contains(t, buf.String(), "missing version stamp")
	assert.Contains(t, buf.String(), unstamped.ID)

	buf.Reset()
	_, err = engine.GetSpan(context.Background(), stamped.ID)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "missing version stamp")
}

func TestListTracesEmptyPageEnvelope(t *testing.T) {
	engine, _ := newTestEngine(t)

	page, err := engine.ListTraces(context.Background(), model.TraceQuery{
		TaskIDs: []string{"task-none"}, Page: 1, PageSize: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Count)
	assert.Equal(t, 0, page.TotalPages)
	assert.NotNil(t, page.Data)
	assert.Empty(t, page.Data)
}
