package filters

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miru-ai/miru/internal/model"
)

func baseQuery() model.TraceQuery {
	return model.TraceQuery{
		TaskIDs:  []string{"task-1"},
		Page:     1,
		PageSize: 50,
	}
}

func strPtr(s string) *string { return &s }

func TestResolveRequiresTaskIDs(t *testing.T) {
	svc := New(DialectPostgres)

	q := baseQuery()
	q.TaskIDs = nil

	_, err := svc.Resolve(q)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Issues, 1)
	assert.Contains(t, verr.Issues[0], "task_ids")
}

func TestResolvePageSizeBounds(t *testing.T) {
	svc := New(DialectPostgres)

	tests := []struct {
		name     string
		pageSize int
		wantErr  bool
	}{
		{name: "zero", pageSize: 0, wantErr: true},
		{name: "min", pageSize: 1, wantErr: false},
		{name: "max", pageSize: 5000, wantErr: false},
		{name: "over max", pageSize: 5001, wantErr: true},
		{name: "negative", pageSize: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := baseQuery()
			q.PageSize = tt.pageSize
			_, err := svc.Resolve(q)
			if tt.wantErr {
				require.Error(t, err)
				var verr *ValidationError
				require.ErrorAs(t, err, &verr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestResolveCollectsAllIssues(t *testing.T) {
	svc := New(DialectPostgres)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	q := model.TraceQuery{
		Page:      0,
		PageSize:  9999,
		StartTime: &start,
		EndTime:   &end,
	}

	_, err := svc.Resolve(q)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Issues, 4)
}

func TestResolveAutoDetectsLLMForMetricFilters(t *testing.T) {
	svc := New(DialectPostgres)

	q := baseQuery()
	q.QueryRelevance = []model.RangeFilter{{Op: model.RangeOpGt, Value: 0.5}}

	r, err := svc.Resolve(q)
	require.NoError(t, err)
	assert.Equal(t, []model.SpanKind{model.SpanKindLLM}, r.SpanKinds)
	assert.False(t, r.Unrestricted())
}

func TestResolveAutoDetectsToolForToolName(t *testing.T) {
	svc := New(DialectPostgres)

	q := baseQuery()
	q.ToolName = strPtr("get_weather")

	r, err := svc.Resolve(q)
	require.NoError(t, err)
	assert.Equal(t, []model.SpanKind{model.SpanKindTool}, r.SpanKinds)
}

func TestResolveAutoDetectsBothKinds(t *testing.T) {
	svc := New(DialectPostgres)

	class := model.ToolClassificationCorrect
	q := baseQuery()
	q.ToolName = strPtr("get_weather")
	q.ToolSelection = &class

	r, err := svc.Resolve(q)
	require.NoError(t, err)
	assert.Equal(t, []model.SpanKind{model.SpanKindLLM, model.SpanKindTool}, r.SpanKinds)
}

func TestResolveStatusOnlyIsUnrestricted(t *testing.T) {
	svc := New(DialectPostgres)

	status := model.StatusCodeError
	q := baseQuery()
	q.StatusCode = &status

	r, err := svc.Resolve(q)
	require.NoError(t, err)
	assert.Len(t, r.SpanKinds, len(model.AllSpanKinds))
	assert.True(t, r.Unrestricted())
}

func TestResolveRejectsMetricFilterWithoutLLM(t *testing.T) {
	svc := New(DialectPostgres)

	q := baseQuery()
	q.SpanTypes = []model.SpanKind{model.SpanKindTool}
	q.ResponseRelevance = []model.RangeFilter{{Op: model.RangeOpGte, Value: 0.8}}

	_, err := svc.Resolve(q)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Issues, 1)
	assert.Contains(t, verr.Issues[0], "LLM")
}

func TestResolveRejectsToolNameWithoutTool(t *testing.T) {
	svc := New(DialectPostgres)

	q := baseQuery()
	q.SpanTypes = []model.SpanKind{model.SpanKindLLM}
	q.ToolName = strPtr("search")

	_, err := svc.Resolve(q)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Issues, 1)
	assert.Contains(t, verr.Issues[0], "TOOL")
}

func TestTraceConditionsTaskScopeOnly(t *testing.T) {
	svc := New(DialectPostgres)

	q := baseQuery()
	q.TaskIDs = []string{"task-1", "task-2"}

	r, err := svc.Resolve(q)
	require.NoError(t, err)

	b := svc.NewBuilder()
	conds := svc.TraceConditions(r, b, "tm")

	require.Len(t, conds, 1)
	assert.Equal(t, "tm.task_id IN ($1, $2)", conds[0])
	assert.Equal(t, []any{"task-1", "task-2"}, b.Args())
}

func TestTraceConditionsTimeWindowAndSession(t *testing.T) {
	svc := New(DialectPostgres)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	q := baseQuery()
	q.StartTime = &start
	q.EndTime = &end
	q.SessionID = strPtr("sess-9")

	r, err := svc.Resolve(q)
	require.NoError(t, err)

	b := svc.NewBuilder()
	conds := svc.TraceConditions(r, b, "tm")

	require.Len(t, conds, 4)
	assert.Equal(t, "tm.start_time >= $2", conds[1])
	assert.Equal(t, "tm.start_time <= $3", conds[2])
	assert.Equal(t, "tm.session_id = $4", conds[3])
	assert.Equal(t, []any{"task-1", start, end, "sess-9"}, b.Args())
}

func TestTraceConditionsRelevanceExists(t *testing.T) {
	svc := New(DialectPostgres)

	q := baseQuery()
	q.QueryRelevance = []model.RangeFilter{{Op: model.RangeOpGt, Value: 0.5}}

	r, err := svc.Resolve(q)
	require.NoError(t, err)

	b := svc.NewBuilder()
	conds := svc.TraceConditions(r, b, "tm")

	require.Len(t, conds, 2)
	exists := conds[1]
	assert.Contains(t, exists, "EXISTS (SELECT 1 FROM spans sp WHERE sp.trace_id = tm.trace_id")
	assert.Contains(t, exists, "sp.span_kind = $2")
	assert.Contains(t, exists, "JOIN spans ms ON ms.id = mr.span_id")
	assert.Contains(t, exists, "ms.trace_id = tm.trace_id")
	assert.Contains(t, exists, "ms.span_kind = $3")
	assert.Contains(t, exists, "mr.metric_type = $4")
	assert.Contains(t, exists,
		"CAST(jsonb_extract_path_text(mr.details, 'llm_relevance_score') AS DOUBLE PRECISION) > $5")
	assert.Equal(t, []any{"task-1", "LLM", "LLM", "QUERY_RELEVANCE", 0.5}, b.Args())
}

func TestTraceConditionsMultipleRangesSingleExists(t *testing.T) {
	svc := New(DialectPostgres)

	q := baseQuery()
	q.ResponseRelevance = []model.RangeFilter{
		{Op: model.RangeOpGte, Value: 0.2},
		{Op: model.RangeOpLt, Value: 0.9},
	}

	r, err := svc.Resolve(q)
	require.NoError(t, err)

	b := svc.NewBuilder()
	conds := svc.TraceConditions(r, b, "tm")

	require.Len(t, conds, 2)
	assert.Equal(t, 1, strings.Count(conds[1], "EXISTS (SELECT 1 FROM metric_results"))
	assert.Contains(t, conds[1], ">= $5")
	assert.Contains(t, conds[1], "< $6")
}

func TestSpanConditionsSpanRootedCorrelation(t *testing.T) {
	svc := New(DialectPostgres)

	q := baseQuery()
	q.ResponseRelevance = []model.RangeFilter{{Op: model.RangeOpLte, Value: 0.3}}

	r, err := svc.Resolve(q)
	require.NoError(t, err)

	b := svc.NewBuilder()
	conds := svc.SpanConditions(r, b, "s")

	require.Len(t, conds, 2)
	assert.Equal(t, "s.task_id IN ($1)", conds[0])
	assert.Contains(t, conds[1], "s.span_kind = $2")
	assert.Contains(t, conds[1], "mr.span_id = s.id")
	assert.NotContains(t, conds[1], "JOIN spans")
	assert.Contains(t, conds[1], "mr.metric_type = $3")
	assert.Contains(t, conds[1], "<= $4")
}

func TestSpanConditionsKindORGroups(t *testing.T) {
	svc := New(DialectPostgres)

	status := model.StatusCodeError
	q := baseQuery()
	q.SpanTypes = []model.SpanKind{model.SpanKindLLM, model.SpanKindTool}
	q.ToolName = strPtr("lookup")
	q.StatusCode = &status

	r, err := svc.Resolve(q)
	require.NoError(t, err)

	b := svc.NewBuilder()
	conds := svc.SpanConditions(r, b, "s")

	require.Len(t, conds, 2)
	group := conds[1]
	assert.Equal(t, 1, strings.Count(group, " OR "))
	assert.Equal(t, 2, strings.Count(group, "s.status_code ="))
	assert.Contains(t, group, "s.span_name = $6")
	assert.Equal(t, []any{"task-1", "LLM", "Error", "TOOL", "Error", "lookup"}, b.Args())
}

func TestToolClassificationExists(t *testing.T) {
	svc := New(DialectPostgres)

	class := model.ToolClassificationNoToolExpected
	q := baseQuery()
	q.ToolUsage = &class

	r, err := svc.Resolve(q)
	require.NoError(t, err)

	b := svc.NewBuilder()
	conds := svc.SpanConditions(r, b, "s")

	require.Len(t, conds, 2)
	assert.Contains(t, conds[1], "mr.metric_type = $3")
	assert.Contains(t, conds[1],
		"CAST(jsonb_extract_path_text(mr.details, 'tool_usage') AS INTEGER) = $4")
	assert.Equal(t, []any{"task-1", "LLM", "TOOL_SELECTION", 2}, b.Args())
}

func TestSQLiteDialectPlaceholdersAndJSON(t *testing.T) {
	svc := New(DialectSQLite)

	q := baseQuery()
	q.QueryRelevance = []model.RangeFilter{{Op: model.RangeOpGt, Value: 0.5}}

	r, err := svc.Resolve(q)
	require.NoError(t, err)

	b := svc.NewBuilder()
	conds := svc.SpanConditions(r, b, "s")

	require.Len(t, conds, 2)
	assert.Equal(t, "s.task_id IN (?)", conds[0])
	assert.Contains(t, conds[1],
		"CAST(json_extract(mr.details, '$.llm_relevance_score') AS REAL) > ?")
	assert.NotContains(t, conds[1], "$1")
}

func TestStatusOnlyQueryHasNoKindGroup(t *testing.T) {
	svc := New(DialectPostgres)

	r, err := svc.Resolve(baseQuery())
	require.NoError(t, err)

	b := svc.NewBuilder()
	conds := svc.SpanConditions(r, b, "s")
	require.Len(t, conds, 1)

	status := model.StatusCodeOk
	q := baseQuery()
	q.StatusCode = &status

	r, err = svc.Resolve(q)
	require.NoError(t, err)

	b = svc.NewBuilder()
	conds = svc.SpanConditions(r, b, "s")
	require.Len(t, conds, 2)
	// every kind gets its own group so status applies uniformly
	assert.Equal(t, len(model.AllSpanKinds), strings.Count(conds[1], "s.span_kind ="))
}
