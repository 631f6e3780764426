// Package storage provides the persistence layer for trace data.
//
// Two backends implement the same Store interface: a PostgreSQL store
// (via pgxpool) for production and an embedded SQLite store for
// single-binary deployments and tests. List queries are compiled once,
// dialect-aware, by the filters package; each backend only executes and
// scans.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/miru-ai/miru/internal/aggregate"
	"github.com/miru-ai/miru/internal/filters"
	"github.com/miru-ai/miru/internal/model"
)

// TraceUpdateFunc derives trace metadata updates from the spans that were
// actually inserted, so duplicate spans never inflate span counts.
type TraceUpdateFunc func(inserted []*model.Span) []aggregate.TraceUpdate

// Store is the persistence interface shared by both backends.
type Store interface {
	// Dialect reports the SQL dialect the backend speaks.
	Dialect() filters.Dialect

	// IngestBatch inserts spans and applies the derived trace metadata
	// updates in one transaction. Spans already present (same trace_id
	// and span_id) are skipped. Returns the number of spans inserted.
	IngestBatch(ctx context.Context, spans []*model.Span, build TraceUpdateFunc) (int, error)

	// ListTraceIDs runs the filtered trace page query and returns the
	// page of trace ids plus the total match count.
	ListTraceIDs(ctx context.Context, r filters.Resolved) ([]string, int, error)
	TraceMetadataByIDs(ctx context.Context, traceIDs []string) ([]model.TraceMetadata, error)
	TraceMetadataByID(ctx context.Context, traceID string) (model.TraceMetadata, error)
	SpansByTraceIDs(ctx context.Context, traceIDs []string) ([]*model.Span, error)

	// ListSpanIDs runs the filtered span page query.
	ListSpanIDs(ctx context.Context, r filters.Resolved) ([]string, int, error)
	SpansByIDs(ctx context.Context, ids []string) ([]*model.Span, error)
	SpanByID(ctx context.Context, id string) (*model.Span, error)

	ListSessions(ctx context.Context, r filters.Resolved) ([]model.SessionSummary, int, error)
	ListUsers(ctx context.Context, r filters.Resolved) ([]model.UserSummary, int, error)

	// By-id subresource lookups, newest trace first.
	TraceIDsBySession(ctx context.Context, sessionID string) ([]string, error)
	TraceIDsByUser(ctx context.Context, userID string) ([]string, error)
	SessionsByUser(ctx context.Context, userID string) ([]model.SessionSummary, error)

	MetricsBySpanIDs(ctx context.Context, spanIDs []string) ([]model.MetricResult, error)
	UpsertMetricResult(ctx context.Context, m *model.MetricResult) error

	Ping(ctx context.Context) error
	Close()
}

// sortDir maps the query sort direction to SQL, defaulting to newest first.
func sortDir(q model.TraceQuery) string {
	if q.Sort == model.SortAsc {
		return "ASC"
	}
	return "DESC"
}

// pageWindow returns LIMIT and OFFSET values for a validated query.
func pageWindow(q model.TraceQuery) (limit, offset int) {
	return q.PageSize, (q.Page - 1) * q.PageSize
}

// listQuery is a compiled page query plus its matching count query.
type listQuery struct {
	pageSQL   string
	pageArgs  []any
	countSQL  string
	countArgs []any
}

// compileTraceList builds the two-phase trace list queries: a page of
// trace ids ordered on start_time, and the total count with the same
// predicate.
func compileTraceList(svc *filters.Service, r filters.Resolved) listQuery {
	dir := sortDir(r.Query)
	limit, offset := pageWindow(r.Query)

	pb := svc.NewBuilder()
	where := strings.Join(svc.TraceConditions(r, pb, "tm"), " AND ")
	pageSQL := fmt.Sprintf(
		"SELECT tm.trace_id FROM trace_metadata tm WHERE %s ORDER BY tm.start_time %s, tm.trace_id %s LIMIT %s OFFSET %s",
		where, dir, dir, pb.Bind(limit), pb.Bind(offset))

	cb := svc.NewBuilder()
	countSQL := fmt.Sprintf(
		"SELECT COUNT(*) FROM trace_metadata tm WHERE %s",
		strings.Join(svc.TraceConditions(r, cb, "tm"), " AND "))

	return listQuery{pageSQL: pageSQL, pageArgs: pb.Args(), countSQL: countSQL, countArgs: cb.Args()}
}

// compileSpanList builds the two-phase span list queries.
func compileSpanList(svc *filters.Service, r filters.Resolved) listQuery {
	dir := sortDir(r.Query)
	limit, offset := pageWindow(r.Query)

	pb := svc.NewBuilder()
	where := strings.Join(svc.SpanConditions(r, pb, "s"), " AND ")
	pageSQL := fmt.Sprintf(
		"SELECT DISTINCT s.id, s.start_time FROM spans s WHERE %s ORDER BY s.start_time %s, s.id %s LIMIT %s OFFSET %s",
		where, dir, dir, pb.Bind(limit), pb.Bind(offset))

	cb := svc.NewBuilder()
	countSQL := fmt.Sprintf(
		"SELECT COUNT(DISTINCT s.id) FROM spans s WHERE %s",
		strings.Join(svc.SpanConditions(r, cb, "s"), " AND "))

	return listQuery{pageSQL: pageSQL, pageArgs: pb.Args(), countSQL: countSQL, countArgs: cb.Args()}
}

// compileSessionList builds the session aggregation queries over
// trace_metadata, grouped by session id.
func compileSessionList(svc *filters.Service, r filters.Resolved) listQuery {
	dir := sortDir(r.Query)
	limit, offset := pageWindow(r.Query)

	pb := svc.NewBuilder()
	where := strings.Join(svc.TraceConditions(r, pb, "tm"), " AND ")
	pageSQL := fmt.Sprintf(
		"SELECT tm.session_id, MIN(tm.task_id), MIN(tm.user_id), COUNT(*), MIN(tm.start_time), MAX(tm.end_time)"+
			" FROM trace_metadata tm WHERE tm.session_id IS NOT NULL AND %s"+
			" GROUP BY tm.session_id ORDER BY MAX(tm.end_time) %s, tm.session_id %s LIMIT %s OFFSET %s",
		where, dir, dir, pb.Bind(limit), pb.Bind(offset))

	cb := svc.NewBuilder()
	countSQL := fmt.Sprintf(
		"SELECT COUNT(DISTINCT tm.session_id) FROM trace_metadata tm WHERE tm.session_id IS NOT NULL AND %s",
		strings.Join(svc.TraceConditions(r, cb, "tm"), " AND "))

	return listQuery{pageSQL: pageSQL, pageArgs: pb.Args(), countSQL: countSQL, countArgs: cb.Args()}
}

// compileUserList builds the user aggregation queries over trace_metadata,
// grouped by user id.
func compileUserList(svc *filters.Service, r filters.Resolved) listQuery {
	dir := sortDir(r.Query)
	limit, offset := pageWindow(r.Query)

	pb := svc.NewBuilder()
	where := strings.Join(svc.TraceConditions(r, pb, "tm"), " AND ")
	pageSQL := fmt.Sprintf(
		"SELECT tm.user_id, COUNT(DISTINCT tm.session_id), COUNT(*), MIN(tm.start_time), MAX(tm.end_time)"+
			" FROM trace_metadata tm WHERE tm.user_id IS NOT NULL AND %s"+
			" GROUP BY tm.user_id ORDER BY MAX(tm.end_time) %s, tm.user_id %s LIMIT %s OFFSET %s",
		where, dir, dir, pb.Bind(limit), pb.Bind(offset))

	cb := svc.NewBuilder()
	countSQL := fmt.Sprintf(
		"SELECT COUNT(DISTINCT tm.user_id) FROM trace_metadata tm WHERE tm.user_id IS NOT NULL AND %s",
		strings.Join(svc.TraceConditions(r, cb, "tm"), " AND "))

	return listQuery{pageSQL: pageSQL, pageArgs: pb.Args(), countSQL: countSQL, countArgs: cb.Args()}
}
