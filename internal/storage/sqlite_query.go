package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/miru-ai/miru/internal/filters"
	"github.com/miru-ai/miru/internal/model"
)

// ListTraceIDs runs the filtered trace page query and returns the page of
// trace ids plus the total match count.
func (s *SQLiteStore) ListTraceIDs(ctx context.Context, r filters.Resolved) ([]string, int, error) {
	lq := compileTraceList(s.filters, r)

	var total int
	if err := s.db.QueryRowContext(ctx, lq.countSQL, convertArgs(lq.countArgs)...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count traces: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, lq.pageSQL, convertArgs(lq.pageArgs)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, fmt.Errorf("storage: scan trace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, total, rows.Err()
}

// ListSpanIDs runs the filtered span page query.
func (s *SQLiteStore) ListSpanIDs(ctx context.Context, r filters.Resolved) ([]string, int, error) {
	lq := compileSpanList(s.filters, r)

	var total int
	if err := s.db.QueryRowContext(ctx, lq.countSQL, convertArgs(lq.countArgs)...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count spans: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, lq.pageSQL, convertArgs(lq.pageArgs)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list spans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, startTime string
		if err := rows.Scan(&id, &startTime); err != nil {
			return nil, 0, fmt.Errorf("storage: scan span id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, total, rows.Err()
}

// SpansByIDs loads full span rows for a page of ids.
func (s *SQLiteStore) SpansByIDs(ctx context.Context, ids []string) ([]*model.Span, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectSpanColumns+` FROM spans WHERE id IN (`+inPlaceholders(len(ids))+`) ORDER BY start_time, id`,
		stringsToAny(ids)...)
	if err != nil {
		return nil, fmt.Errorf("storage: get spans by ids: %w", err)
	}
	defer rows.Close()
	return scanSQLiteSpans(rows)
}

// SpansByTraceIDs loads every span of the given traces.
func (s *SQLiteStore) SpansByTraceIDs(ctx context.Context, traceIDs []string) ([]*model.Span, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectSpanColumns+` FROM spans WHERE trace_id IN (`+inPlaceholders(len(traceIDs))+`) ORDER BY start_time, id`,
		stringsToAny(traceIDs)...)
	if err != nil {
		return nil, fmt.Errorf("storage: get spans by trace ids: %w", err)
	}
	defer rows.Close()
	return scanSQLiteSpans(rows)
}

// SpanByID retrieves a single span.
func (s *SQLiteStore) SpanByID(ctx context.Context, id string) (*model.Span, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectSpanColumns+` FROM spans WHERE id = ?`, id)

	sp, err := scanSQLiteSpan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("storage: span %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get span: %w", err)
	}
	return sp, nil
}

// TraceMetadataByIDs loads metadata rows for a page of trace ids.
func (s *SQLiteStore) TraceMetadataByIDs(ctx context.Context, traceIDs []string) ([]model.TraceMetadata, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectTraceMetadataColumns+` FROM trace_metadata WHERE trace_id IN (`+inPlaceholders(len(traceIDs))+`)`,
		stringsToAny(traceIDs)...)
	if err != nil {
		return nil, fmt.Errorf("storage: get trace metadata: %w", err)
	}
	defer rows.Close()

	var metas []model.TraceMetadata
	for rows.Next() {
		m, err := scanSQLiteTraceMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace metadata: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// TraceMetadataByID retrieves one trace's metadata.
func (s *SQLiteStore) TraceMetadataByID(ctx context.Context, traceID string) (model.TraceMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectTraceMetadataColumns+` FROM trace_metadata WHERE trace_id = ?`, traceID)

	m, err := scanSQLiteTraceMetadata(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.TraceMetadata{}, fmt.Errorf("storage: trace %s: %w", traceID, ErrNotFound)
		}
		return model.TraceMetadata{}, fmt.Errorf("storage: get trace metadata: %w", err)
	}
	return m, nil
}

// ListSessions aggregates trace metadata by session id.
func (s *SQLiteStore) ListSessions(ctx context.Context, r filters.Resolved) ([]model.SessionSummary, int, error) {
	lq := compileSessionList(s.filters, r)

	var total int
	if err := s.db.QueryRowContext(ctx, lq.countSQL, convertArgs(lq.countArgs)...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, lq.pageSQL, convertArgs(lq.pageArgs)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.SessionSummary
	for rows.Next() {
		var sess model.SessionSummary
		var start, end string
		if err := rows.Scan(&sess.SessionID, &sess.TaskID, &sess.UserID, &sess.TraceCount, &start, &end); err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		if sess.StartTime, err = decodeTime(start); err != nil {
			return nil, 0, fmt.Errorf("storage: decode session start: %w", err)
		}
		if sess.EndTime, err = decodeTime(end); err != nil {
			return nil, 0, fmt.Errorf("storage: decode session end: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// ListUsers aggregates trace metadata by user id.
func (s *SQLiteStore) ListUsers(ctx context.Context, r filters.Resolved) ([]model.UserSummary, int, error) {
	lq := compileUserList(s.filters, r)

	var total int
	if err := s.db.QueryRowContext(ctx, lq.countSQL, convertArgs(lq.countArgs)...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, lq.pageSQL, convertArgs(lq.pageArgs)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	var users []model.UserSummary
	for rows.Next() {
		var u model.UserSummary
		var start, end string
		if err := rows.Scan(&u.UserID, &u.SessionCount, &u.TraceCount, &start, &end); err != nil {
			return nil, 0, fmt.Errorf("storage: scan user: %w", err)
		}
		if u.StartTime, err = decodeTime(start); err != nil {
			return nil, 0, fmt.Errorf("storage: decode user start: %w", err)
		}
		if u.EndTime, err = decodeTime(end); err != nil {
			return nil, 0, fmt.Errorf("storage: decode user end: %w", err)
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// TraceIDsBySession returns every trace id in a session, newest first.
func (s *SQLiteStore) TraceIDsBySession(ctx context.Context, sessionID string) ([]string, error) {
	return s.traceIDsWhere(ctx,
		`SELECT trace_id FROM trace_metadata WHERE session_id = ? ORDER BY start_time DESC`, sessionID)
}

// TraceIDsByUser returns every trace id attributed to a user, newest first.
func (s *SQLiteStore) TraceIDsByUser(ctx context.Context, userID string) ([]string, error) {
	return s.traceIDsWhere(ctx,
		`SELECT trace_id FROM trace_metadata WHERE user_id = ? ORDER BY start_time DESC`, userID)
}

func (s *SQLiteStore) traceIDsWhere(ctx context.Context, query string, arg any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("storage: list trace ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan trace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SessionsByUser returns every session attributed to a user, newest first.
func (s *SQLiteStore) SessionsByUser(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, MIN(task_id), MIN(user_id), COUNT(*), MIN(start_time), MAX(end_time)
		 FROM trace_metadata WHERE user_id = ? AND session_id IS NOT NULL
		 GROUP BY session_id ORDER BY MAX(end_time) DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: sessions by user: %w", err)
	}
	defer rows.Close()

	var sessions []model.SessionSummary
	for rows.Next() {
		var sess model.SessionSummary
		var start, end string
		if err := rows.Scan(&sess.SessionID, &sess.TaskID, &sess.UserID, &sess.TraceCount, &start, &end); err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		if sess.StartTime, err = decodeTime(start); err != nil {
			return nil, fmt.Errorf("storage: decode session start: %w", err)
		}
		if sess.EndTime, err = decodeTime(end); err != nil {
			return nil, fmt.Errorf("storage: decode session end: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// MetricsBySpanIDs loads all metric results for the given spans.
func (s *SQLiteStore) MetricsBySpanIDs(ctx context.Context, spanIDs []string) ([]model.MetricResult, error) {
	if len(spanIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectMetricColumns+` FROM metric_results WHERE span_id IN (`+inPlaceholders(len(spanIDs))+`)
		 ORDER BY span_id, metric_type`,
		stringsToAny(spanIDs)...)
	if err != nil {
		return nil, fmt.Errorf("storage: get metric results: %w", err)
	}
	defer rows.Close()

	var metrics []model.MetricResult
	for rows.Next() {
		var m model.MetricResult
		var mt, details, created, updated string
		if err := rows.Scan(
			&m.ID, &m.SpanID, &mt, &details,
			&m.PromptTokens, &m.CompletionTokens, &m.LatencyMs,
			&created, &updated,
		); err != nil {
			return nil, fmt.Errorf("storage: scan metric result: %w", err)
		}
		m.MetricType = model.MetricType(mt)
		if err := json.Unmarshal([]byte(details), &m.Details); err != nil {
			return nil, fmt.Errorf("storage: decode metric details: %w", err)
		}
		if m.CreatedAt, err = decodeTime(created); err != nil {
			return nil, fmt.Errorf("storage: decode metric created: %w", err)
		}
		if m.UpdatedAt, err = decodeTime(updated); err != nil {
			return nil, fmt.Errorf("storage: decode metric updated: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSpans(rows *sql.Rows) ([]*model.Span, error) {
	var spans []*model.Span
	for rows.Next() {
		sp, err := scanSQLiteSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, sp)
	}
	return spans, rows.Err()
}

func scanSQLiteSpan(row scanner) (*model.Span, error) {
	var sp model.Span
	var kind, status, raw, start, end, created string
	if err := row.Scan(
		&sp.ID, &sp.TraceID, &sp.SpanID, &sp.ParentSpanID, &kind, &sp.Name,
		&status, &sp.TaskID, &sp.SessionID, &sp.UserID,
		&start, &end, &raw, &created,
	); err != nil {
		return nil, err
	}
	sp.Kind = model.SpanKind(kind)
	sp.StatusCode = model.StatusCode(status)

	var err error
	if sp.StartTime, err = decodeTime(start); err != nil {
		return nil, fmt.Errorf("decode start_time: %w", err)
	}
	if sp.EndTime, err = decodeTime(end); err != nil {
		return nil, fmt.Errorf("decode end_time: %w", err)
	}
	if sp.CreatedAt, err = decodeTime(created); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if err = json.Unmarshal([]byte(raw), &sp.RawData); err != nil {
		return nil, fmt.Errorf("decode raw_data: %w", err)
	}
	return &sp, nil
}

func scanSQLiteTraceMetadata(row scanner) (model.TraceMetadata, error) {
	var m model.TraceMetadata
	var start, end, created, updated string
	if err := row.Scan(
		&m.TraceID, &m.TaskID, &m.SessionID, &m.UserID, &m.SpanCount,
		&start, &end, &m.InputContent, &m.OutputContent,
		&created, &updated,
	); err != nil {
		return model.TraceMetadata{}, err
	}

	var err error
	if m.StartTime, err = decodeTime(start); err != nil {
		return model.TraceMetadata{}, fmt.Errorf("decode start_time: %w", err)
	}
	if m.EndTime, err = decodeTime(end); err != nil {
		return model.TraceMetadata{}, fmt.Errorf("decode end_time: %w", err)
	}
	if m.CreatedAt, err = decodeTime(created); err != nil {
		return model.TraceMetadata{}, fmt.Errorf("decode created_at: %w", err)
	}
	if m.UpdatedAt, err = decodeTime(updated); err != nil {
		return model.TraceMetadata{}, fmt.Errorf("decode updated_at: %w", err)
	}
	return m, nil
}
