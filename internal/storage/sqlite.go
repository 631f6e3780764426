package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/miru-ai/miru/internal/filters"
	"github.com/miru-ai/miru/internal/model"
)

// sqliteTimeLayout is a fixed-width UTC layout so stored timestamps
// compare correctly as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS spans (
    id              TEXT PRIMARY KEY,
    trace_id        TEXT NOT NULL,
    span_id         TEXT NOT NULL,
    parent_span_id  TEXT,
    span_kind       TEXT NOT NULL,
    span_name       TEXT NOT NULL,
    status_code     TEXT NOT NULL,
    task_id         TEXT NOT NULL,
    session_id      TEXT,
    user_id         TEXT,
    start_time      TEXT NOT NULL,
    end_time        TEXT NOT NULL,
    raw_data        TEXT NOT NULL DEFAULT '{}',
    created_at      TEXT NOT NULL,
    UNIQUE (trace_id, span_id)
);
CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans (trace_id);
CREATE INDEX IF NOT EXISTS idx_spans_parent ON spans (parent_span_id) WHERE parent_span_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_spans_task_time ON spans (task_id, start_time);
CREATE INDEX IF NOT EXISTS idx_spans_kind ON spans (span_kind);
CREATE INDEX IF NOT EXISTS idx_spans_session ON spans (session_id) WHERE session_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_spans_user ON spans (user_id) WHERE user_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS trace_metadata (
    trace_id        TEXT PRIMARY KEY,
    task_id         TEXT NOT NULL,
    session_id      TEXT,
    user_id         TEXT,
    span_count      INTEGER NOT NULL DEFAULT 0,
    start_time      TEXT NOT NULL,
    end_time        TEXT NOT NULL,
    input_content   TEXT,
    output_content  TEXT,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trace_metadata_task_time ON trace_metadata (task_id, start_time);
CREATE INDEX IF NOT EXISTS idx_trace_metadata_session ON trace_metadata (session_id) WHERE session_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_trace_metadata_user ON trace_metadata (user_id) WHERE user_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS metric_results (
    id                  TEXT PRIMARY KEY,
    span_id             TEXT NOT NULL REFERENCES spans (id) ON DELETE CASCADE,
    metric_type         TEXT NOT NULL,
    details             TEXT NOT NULL DEFAULT '{}',
    prompt_tokens       INTEGER NOT NULL DEFAULT 0,
    completion_tokens   INTEGER NOT NULL DEFAULT 0,
    latency_ms          INTEGER NOT NULL DEFAULT 0,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    UNIQUE (span_id, metric_type)
);
CREATE INDEX IF NOT EXISTS idx_metric_results_span ON metric_results (span_id);
`

// SQLiteStore is the embedded single-file backend. SQLite allows only one
// writer at a time, so writes are serialized through writeMu to avoid
// SQLITE_BUSY contention.
type SQLiteStore struct {
	db      *sql.DB
	filters *filters.Service
	logger  *slog.Logger
	writeMu sync.Mutex
}

// NewSQLite opens (creating if needed) the SQLite database at path and
// ensures the schema exists.
func NewSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create sqlite schema: %w", err)
	}

	return &SQLiteStore{
		db:      db,
		filters: filters.New(filters.DialectSQLite),
		logger:  logger,
	}, nil
}

// Dialect reports the SQL dialect of this backend.
func (s *SQLiteStore) Dialect() filters.Dialect {
	return filters.DialectSQLite
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database file.
func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing sqlite database", "error", err)
	}
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		// older rows may carry plain RFC3339
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

// convertArgs rewrites time.Time bind values into the fixed-width text
// form the schema stores.
func convertArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			out[i] = encodeTime(t)
			continue
		}
		out[i] = a
	}
	return out
}

func inPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

const sqliteInsertSpanSQL = `
	INSERT INTO spans (id, trace_id, span_id, parent_span_id, span_kind, span_name,
		status_code, task_id, session_id, user_id, start_time, end_time, raw_data, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (trace_id, span_id) DO NOTHING`

const sqliteUpsertTraceMetadataSQL = `
	INSERT INTO trace_metadata (trace_id, task_id, session_id, user_id, span_count,
		start_time, end_time, input_content, output_content, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (trace_id) DO UPDATE SET
		session_id = COALESCE(trace_metadata.session_id, excluded.session_id),
		user_id = COALESCE(trace_metadata.user_id, excluded.user_id),
		span_count = trace_metadata.span_count + excluded.span_count,
		start_time = MIN(trace_metadata.start_time, excluded.start_time),
		end_time = MAX(trace_metadata.end_time, excluded.end_time),
		input_content = COALESCE(trace_metadata.input_content, excluded.input_content),
		output_content = COALESCE(trace_metadata.output_content, excluded.output_content),
		updated_at = excluded.updated_at
	RETURNING task_id`

// IngestBatch inserts spans and applies trace metadata updates in a single
// transaction, skipping spans that already exist.
func (s *SQLiteStore) IngestBatch(ctx context.Context, spans []*model.Span, build TraceUpdateFunc) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin ingest: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var inserted []*model.Span
	for _, sp := range spans {
		raw, err := json.Marshal(sp.RawData)
		if err != nil {
			return 0, fmt.Errorf("storage: encode span data %s/%s: %w", sp.TraceID, sp.SpanID, err)
		}
		res, err := tx.ExecContext(ctx, sqliteInsertSpanSQL,
			sp.ID, sp.TraceID, sp.SpanID, sp.ParentSpanID, string(sp.Kind), sp.Name,
			string(sp.StatusCode), sp.TaskID, sp.SessionID, sp.UserID,
			encodeTime(sp.StartTime), encodeTime(sp.EndTime), string(raw), encodeTime(sp.CreatedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("storage: insert span %s/%s: %w", sp.TraceID, sp.SpanID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("storage: insert span %s/%s: %w", sp.TraceID, sp.SpanID, err)
		}
		if n == 0 {
			s.logger.Debug("duplicate span skipped", "trace_id", sp.TraceID, "span_id", sp.SpanID)
			continue
		}
		inserted = append(inserted, sp)
	}

	now := encodeTime(time.Now())
	for _, u := range build(inserted) {
		var storedTask string
		err := tx.QueryRowContext(ctx, sqliteUpsertTraceMetadataSQL,
			u.TraceID, u.TaskID, u.SessionID, u.UserID, u.CountDelta,
			encodeTime(u.StartTime), encodeTime(u.EndTime),
			u.InputContent, u.OutputContent, now, now,
		).Scan(&storedTask)
		if err != nil {
			return 0, fmt.Errorf("storage: upsert trace metadata %s: %w", u.TraceID, err)
		}
		if storedTask != u.TaskID {
			s.logger.Warn("trace already bound to different task, keeping original",
				"trace_id", u.TraceID, "task_id", storedTask, "incoming_task_id", u.TaskID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit ingest: %w", err)
	}
	return len(inserted), nil
}

// UpsertMetricResult stores a computed metric, overwriting any previous
// result for the same span and metric type.
func (s *SQLiteStore) UpsertMetricResult(ctx context.Context, m *model.MetricResult) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	details, err := json.Marshal(m.Details)
	if err != nil {
		return fmt.Errorf("storage: encode metric details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metric_results (id, span_id, metric_type, details,
			prompt_tokens, completion_tokens, latency_ms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (span_id, metric_type) DO UPDATE SET
			details = excluded.details,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			latency_ms = excluded.latency_ms,
			updated_at = excluded.updated_at`,
		m.ID, m.SpanID, string(m.MetricType), string(details),
		m.PromptTokens, m.CompletionTokens, m.LatencyMs,
		encodeTime(m.CreatedAt), encodeTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert metric result %s/%s: %w", m.SpanID, m.MetricType, err)
	}
	return nil
}
