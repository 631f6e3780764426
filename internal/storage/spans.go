package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/miru-ai/miru/internal/filters"
	"github.com/miru-ai/miru/internal/model"
)

const insertSpanSQL = `
	INSERT INTO spans (id, trace_id, span_id, parent_span_id, span_kind, span_name,
		status_code, task_id, session_id, user_id, start_time, end_time, raw_data, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (trace_id, span_id) DO NOTHING`

const selectSpanColumns = `id, trace_id, span_id, parent_span_id, span_kind, span_name,
	status_code, task_id, session_id, user_id, start_time, end_time, raw_data, created_at`

// IngestBatch inserts spans and applies trace metadata updates in a single
// transaction. Spans whose (trace_id, span_id) already exists are skipped
// and excluded from the metadata deltas.
func (db *DB) IngestBatch(ctx context.Context, spans []*model.Span, build TraceUpdateFunc) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin ingest: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var inserted []*model.Span
	for _, s := range spans {
		tag, err := tx.Exec(ctx, insertSpanSQL,
			s.ID, s.TraceID, s.SpanID, s.ParentSpanID, string(s.Kind), s.Name,
			string(s.StatusCode), s.TaskID, s.SessionID, s.UserID,
			s.StartTime, s.EndTime, s.RawData, s.CreatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("storage: insert span %s/%s: %w", s.TraceID, s.SpanID, err)
		}
		if tag.RowsAffected() == 0 {
			db.logger.Debug("duplicate span skipped", "trace_id", s.TraceID, "span_id", s.SpanID)
			continue
		}
		inserted = append(inserted, s)
	}

	for _, u := range build(inserted) {
		if err := db.upsertTraceMetadata(ctx, tx, u); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit ingest: %w", err)
	}
	return len(inserted), nil
}

// ListSpanIDs runs the filtered span page query and returns the page of
// span ids plus the total match count.
func (db *DB) ListSpanIDs(ctx context.Context, r filters.Resolved) ([]string, int, error) {
	lq := compileSpanList(db.filters, r)

	var total int
	if err := db.pool.QueryRow(ctx, lq.countSQL, lq.countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count spans: %w", err)
	}

	rows, err := db.pool.Query(ctx, lq.pageSQL, lq.pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list spans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var startTime time.Time
		if err := rows.Scan(&id, &startTime); err != nil {
			return nil, 0, fmt.Errorf("storage: scan span id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, total, rows.Err()
}

// SpansByIDs loads full span rows for a page of ids, ordered by start time.
func (db *DB) SpansByIDs(ctx context.Context, ids []string) ([]*model.Span, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+selectSpanColumns+` FROM spans WHERE id = ANY($1) ORDER BY start_time, id`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get spans by ids: %w", err)
	}
	defer rows.Close()
	return scanSpans(rows)
}

// SpansByTraceIDs loads every span of the given traces, ordered by start
// time within the result.
func (db *DB) SpansByTraceIDs(ctx context.Context, traceIDs []string) ([]*model.Span, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+selectSpanColumns+` FROM spans WHERE trace_id = ANY($1) ORDER BY start_time, id`, traceIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: get spans by trace ids: %w", err)
	}
	defer rows.Close()
	return scanSpans(rows)
}

// SpanByID retrieves a single span.
func (db *DB) SpanByID(ctx context.Context, id string) (*model.Span, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+selectSpanColumns+` FROM spans WHERE id = $1`, id)

	s, err := scanSpan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: span %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get span: %w", err)
	}
	return s, nil
}

func scanSpans(rows pgx.Rows) ([]*model.Span, error) {
	var spans []*model.Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

func scanSpan(row pgx.Row) (*model.Span, error) {
	var s model.Span
	var kind, status string
	if err := row.Scan(
		&s.ID, &s.TraceID, &s.SpanID, &s.ParentSpanID, &kind, &s.Name,
		&status, &s.TaskID, &s.SessionID, &s.UserID,
		&s.StartTime, &s.EndTime, &s.RawData, &s.CreatedAt,
	); err != nil {
		return nil, err
	}
	s.Kind = model.SpanKind(kind)
	s.StatusCode = model.StatusCode(status)
	return &s, nil
}
