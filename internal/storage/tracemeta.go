package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/miru-ai/miru/internal/aggregate"
	"github.com/miru-ai/miru/internal/filters"
	"github.com/miru-ai/miru/internal/model"
)

const upsertTraceMetadataSQL = `
	INSERT INTO trace_metadata (trace_id, task_id, session_id, user_id, span_count,
		start_time, end_time, input_content, output_content, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	ON CONFLICT (trace_id) DO UPDATE SET
		session_id = COALESCE(trace_metadata.session_id, EXCLUDED.session_id),
		user_id = COALESCE(trace_metadata.user_id, EXCLUDED.user_id),
		span_count = trace_metadata.span_count + EXCLUDED.span_count,
		start_time = LEAST(trace_metadata.start_time, EXCLUDED.start_time),
		end_time = GREATEST(trace_metadata.end_time, EXCLUDED.end_time),
		input_content = COALESCE(trace_metadata.input_content, EXCLUDED.input_content),
		output_content = COALESCE(trace_metadata.output_content, EXCLUDED.output_content),
		updated_at = EXCLUDED.updated_at
	RETURNING task_id`

const selectTraceMetadataColumns = `trace_id, task_id, session_id, user_id, span_count,
	start_time, end_time, input_content, output_content, created_at, updated_at`

// upsertTraceMetadata merges one trace update into trace_metadata. The
// task binding is write-once: a conflicting later task id is kept out and
// logged.
func (db *DB) upsertTraceMetadata(ctx context.Context, tx pgx.Tx, u aggregate.TraceUpdate) error {
	now := time.Now().UTC()

	var storedTask string
	err := tx.QueryRow(ctx, upsertTraceMetadataSQL,
		u.TraceID, u.TaskID, u.SessionID, u.UserID, u.CountDelta,
		u.StartTime, u.EndTime, u.InputContent, u.OutputContent, now,
	).Scan(&storedTask)
	if err != nil {
		return fmt.Errorf("storage: upsert trace metadata %s: %w", u.TraceID, err)
	}
	if storedTask != u.TaskID {
		db.logger.Warn("trace already bound to different task, keeping original",
			"trace_id", u.TraceID, "task_id", storedTask, "incoming_task_id", u.TaskID)
	}
	return nil
}

// ListTraceIDs runs the filtered trace page query and returns the page of
// trace ids plus the total match count.
func (db *DB) ListTraceIDs(ctx context.Context, r filters.Resolved) ([]string, int, error) {
	lq := compileTraceList(db.filters, r)

	var total int
	if err := db.pool.QueryRow(ctx, lq.countSQL, lq.countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count traces: %w", err)
	}

	rows, err := db.pool.Query(ctx, lq.pageSQL, lq.pageArgs...)
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

// TraceMetadataByIDs loads metadata rows for a page of trace ids.
func (db *DB) TraceMetadataByIDs(ctx context.Context, traceIDs []string) ([]model.TraceMetadata, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+selectTraceMetadataColumns+` FROM trace_metadata WHERE trace_id = ANY($1)`, traceIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get trace metadata: %w", err)
	}
	defer rows.Close()

	var metas []model.TraceMetadata
	for rows.Next() {
		m, err := scanTraceMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace metadata: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// TraceMetadataByID retrieves one trace's metadata.
func (db *DB) TraceMetadataByID(ctx context.Context, traceID string) (model.TraceMetadata, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+selectTraceMetadataColumns+` FROM trace_metadata WHERE trace_id = $1`, traceID)

	m, err := scanTraceMetadata(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TraceMetadata{}, fmt.Errorf("storage: trace %s: %w", traceID, ErrNotFound)
		}
		return model.TraceMetadata{}, fmt.Errorf("storage: get trace metadata: %w", err)
	}
	return m, nil
}

// ListSessions aggregates trace metadata by session id under the query's
// filters.
func (db *DB) ListSessions(ctx context.Context, r filters.Resolved) ([]model.SessionSummary, int, error) {
	lq := compileSessionList(db.filters, r)

	var total int
	if err := db.pool.QueryRow(ctx, lq.countSQL, lq.countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count sessions: %w", err)
	}

	rows, err := db.pool.Query(ctx, lq.pageSQL, lq.pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.SessionSummary
	for rows.Next() {
		var s model.SessionSummary
		if err := rows.Scan(&s.SessionID, &s.TaskID, &s.UserID, &s.TraceCount, &s.StartTime, &s.EndTime); err != nil {
			return nil, 0, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, total, rows.Err()
}

// ListUsers aggregates trace metadata by user id under the query's filters.
func (db *DB) ListUsers(ctx context.Context, r filters.Resolved) ([]model.UserSummary, int, error) {
	lq := compileUserList(db.filters, r)

	var total int
	if err := db.pool.QueryRow(ctx, lq.countSQL, lq.countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count users: %w", err)
	}

	rows, err := db.pool.Query(ctx, lq.pageSQL, lq.pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list users: %w", err)
	}
	defer rows.Close()

	var users []model.UserSummary
	for rows.Next() {
		var u model.UserSummary
		if err := rows.Scan(&u.UserID, &u.SessionCount, &u.TraceCount, &u.StartTime, &u.EndTime); err != nil {
			return nil, 0, fmt.Errorf("storage: scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// TraceIDsBySession returns every trace id in a session, newest first.
func (db *DB) TraceIDsBySession(ctx context.Context, sessionID string) ([]string, error) {
	return db.traceIDsWhere(ctx,
		`SELECT trace_id FROM trace_metadata WHERE session_id = $1 ORDER BY start_time DESC`, sessionID)
}

// TraceIDsByUser returns every trace id attributed to a user, newest first.
func (db *DB) TraceIDsByUser(ctx context.Context, userID string) ([]string, error) {
	return db.traceIDsWhere(ctx,
		`SELECT trace_id FROM trace_metadata WHERE user_id = $1 ORDER BY start_time DESC`, userID)
}

func (db *DB) traceIDsWhere(ctx context.Context, sql string, arg any) ([]string, error) {
	rows, err := db.pool.Query(ctx, sql, arg)
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
func (db *DB) SessionsByUser(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT session_id, MIN(task_id), MIN(user_id), COUNT(*), MIN(start_time), MAX(end_time)
		 FROM trace_metadata WHERE user_id = $1 AND session_id IS NOT NULL
		 GROUP BY session_id ORDER BY MAX(end_time) DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: sessions by user: %w", err)
	}
	defer rows.Close()

	var sessions []model.SessionSummary
	for rows.Next() {
		var s model.SessionSummary
		if err := rows.Scan(&s.SessionID, &s.TaskID, &s.UserID, &s.TraceCount, &s.StartTime, &s.EndTime); err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanTraceMetadata(row pgx.Row) (model.TraceMetadata, error) {
	var m model.TraceMetadata
	err := row.Scan(
		&m.TraceID, &m.TaskID, &m.SessionID, &m.UserID, &m.SpanCount,
		&m.StartTime, &m.EndTime, &m.InputContent, &m.OutputContent,
		&m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}
