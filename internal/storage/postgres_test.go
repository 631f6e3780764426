package storage_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miru-ai/miru/internal/aggregate"
	"github.com/miru-ai/miru/internal/filters"
	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/storage"
	"github.com/miru-ai/miru/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func pgSpan(traceID, spanID, taskID string, kind model.SpanKind, start time.Time) *model.Span {
	return &model.Span{
		ID:         uuid.NewString(),
		TraceID:    traceID,
		SpanID:     spanID,
		Kind:       kind,
		Name:       "span-" + spanID,
		StatusCode: model.StatusCodeOk,
		TaskID:     taskID,
		StartTime:  start,
		EndTime:    start.Add(time.Second),
		RawData:    map[string]any{"span_kind": string(kind)},
		CreatedAt:  time.Now().UTC(),
	}
}

func ingestSpans(t *testing.T, spans ...*model.Span) int {
	t.Helper()
	agg := aggregate.New(slog.Default())
	inserted, err := testDB.IngestBatch(context.Background(), spans, agg.BuildTraceUpdates)
	require.NoError(t, err)
	return inserted
}

func pgQuery(taskID string) model.TraceQuery {
	return model.TraceQuery{
		TaskIDs:  []string{taskID},
		Page:     1,
		PageSize: model.DefaultPageSize,
		Sort:     model.SortDesc,
	}
}

func pgResolved(t *testing.T, q model.TraceQuery) filters.Resolved {
	t.Helper()
	r, err := filters.New(testDB.Dialect()).Resolve(q)
	require.NoError(t, err)
	return r
}

func TestPostgresMigrationsRecorded(t *testing.T) {
	var applied int
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT count(*) FROM schema_migrations`).Scan(&applied)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, applied, 1)
}

func TestPostgresSpanIndexes(t *testing.T) {
	rows, err := testDB.Pool().Query(context.Background(),
		`SELECT indexname FROM pg_indexes WHERE tablename = 'spans'`)
	require.NoError(t, err)
	defer rows.Close()

	indexes := map[string]bool{}
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		indexes[name] = true
	}
	require.NoError(t, rows.Err())

	for _, want := range []string{"idx_spans_parent", "idx_spans_session", "idx_spans_user"} {
		assert.True(t, indexes[want], "missing index %s", want)
	}
}

func TestPostgresIngestAndMetadataMerge(t *testing.T) {
	ctx := context.Background()
	traceID := uuid.NewString()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	n := ingestSpans(t,
		pgSpan(traceID, "s1", "pg-task-merge", model.SpanKindAgent, base),
		pgSpan(traceID, "s2", "pg-task-merge", model.SpanKindLLM, base.Add(2*time.Second)),
	)
	assert.Equal(t, 2, n)

	meta, err := testDB.TraceMetadataByID(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, "pg-task-merge", meta.TaskID)
	assert.Equal(t, 2, meta.SpanCount)
	assert.Equal(t, base, meta.StartTime.UTC())
	assert.Equal(t, base.Add(3*time.Second), meta.EndTime.UTC())
}

func TestPostgresDuplicateSpansSkipped(t *testing.T) {
	ctx := context.Background()
	traceID := uuid.NewString()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	ingestSpans(t, pgSpan(traceID, "s1", "pg-task-dup", model.SpanKindLLM, base))
	n := ingestSpans(t,
		pgSpan(traceID, "s1", "pg-task-dup", model.SpanKindLLM, base),
		pgSpan(traceID, "s2", "pg-task-dup", model.SpanKindLLM, base.Add(time.Second)),
	)
	assert.Equal(t, 1, n)

	meta, err := testDB.TraceMetadataByID(ctx, traceID)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.SpanCount)
}

func TestPostgresListTracesWithRelevanceFilter(t *testing.T) {
	ctx := context.Background()
	matching := uuid.NewString()
	other := uuid.NewString()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	matchSpan := pgSpan(matching, "s1", "pg-task-filter", model.SpanKindLLM, base)
	otherSpan := pgSpan(other, "s1", "pg-task-filter", model.SpanKindLLM, base.Add(time.Minute))
	ingestSpans(t, matchSpan, otherSpan)

	require.NoError(t, testDB.UpsertMetricResult(ctx, &model.MetricResult{
		ID:         uuid.NewString(),
		SpanID:     matchSpan.ID,
		MetricType: model.MetricTypeQueryRelevance,
		Details:    map[string]any{model.DetailKeyRelevanceScore: 0.9},
	}))
	require.NoError(t, testDB.UpsertMetricResult(ctx, &model.MetricResult{
		ID:         uuid.NewString(),
		SpanID:     otherSpan.ID,
		MetricType: model.MetricTypeQueryRelevance,
		Details:    map[string]any{model.DetailKeyRelevanceScore: 0.2},
	}))

	q := pgQuery("pg-task-filter")
	q.QueryRelevance = []model.RangeFilter{{Op: model.RangeOpGte, Value: 0.5}}

	ids, total, err := testDB.ListTraceIDs(ctx, pgResolved(t, q))
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{matching}, ids)
}

func TestPostgresMetricUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	traceID := uuid.NewString()
	span := pgSpan(traceID, "s1", "pg-task-upsert", model.SpanKindLLM,
		time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	ingestSpans(t, span)

	for _, score := range []float64{0.3, 0.8} {
		require.NoError(t, testDB.UpsertMetricResult(ctx, &model.MetricResult{
			ID:         uuid.NewString(),
			SpanID:     span.ID,
			MetricType: model.MetricTypeResponseRelevance,
			Details:    map[string]any{model.DetailKeyRelevanceScore: score},
		}))
	}

	metrics, err := testDB.MetricsBySpanIDs(ctx, []string{span.ID})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, 0.8, metrics[0].Details[model.DetailKeyRelevanceScore])
}

func TestPostgresSessionsAndUsers(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	sess := "pg-sess-1"
	user := "pg-user-1"

	s1 := pgSpan(uuid.NewString(), "s1", "pg-task-sessions", model.SpanKindLLM, base)
	s1.SessionID = &sess
	s1.UserID = &user
	s2 := pgSpan(uuid.NewString(), "s1", "pg-task-sessions", model.SpanKindLLM, base.Add(time.Minute))
	s2.SessionID = &sess
	s2.UserID = &user
	ingestSpans(t, s1, s2)

	r := pgResolved(t, pgQuery("pg-task-sessions"))

	sessions, total, err := testDB.ListSessions(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, sessions, 1)
	assert.Equal(t, sess, sessions[0].SessionID)
	assert.Equal(t, 2, sessions[0].TraceCount)

	users, total, err := testDB.ListUsers(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, users, 1)
	assert.Equal(t, user, users[0].UserID)
	assert.Equal(t, 1, users[0].SessionCount)

	traceIDs, err := testDB.TraceIDsBySession(ctx, sess)
	require.NoError(t, err)
	assert.Len(t, traceIDs, 2)
}
