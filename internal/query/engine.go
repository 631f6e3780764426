// Package query assembles trace, span, session and user results from the
// store using two-phase fetches: a page of ids first, then bulk child
// loads run in parallel.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/miru-ai/miru/internal/filters"
	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/normalize"
	"github.com/miru-ai/miru/internal/storage"
)

// ErrNotComputable marks a compute target metrics cannot run on, such as
// a non-LLM span.
var ErrNotComputable = errors.New("metrics not computable")

// Engine executes read queries against the configured store.
type Engine struct {
	store   storage.Store
	filters *filters.Service
	logger  *slog.Logger
}

// New creates a query engine bound to the store's SQL dialect.
func New(store storage.Store, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		filters: filters.New(store.Dialect()),
		logger:  logger,
	}
}

// Resolve validates a query against the filter rules of this engine's
// dialect.
func (e *Engine) Resolve(q model.TraceQuery) (filters.Resolved, error) {
	return e.filters.Resolve(q)
}

// ListTraces returns a page of full traces matching the query, newest
// first unless ascending sort was requested.
func (e *Engine) ListTraces(ctx context.Context, q model.TraceQuery) (model.PagedResponse[model.Trace], error) {
	var zero model.PagedResponse[model.Trace]

	r, err := e.filters.Resolve(q)
	if err != nil {
		return zero, err
	}

	ids, total, err := e.store.ListTraceIDs(ctx, r)
	if err != nil {
		return zero, err
	}

	traces, err := e.assembleTraces(ctx, ids)
	if err != nil {
		return zero, err
	}
	return model.NewPagedResponse(traces, total, q.Page, q.PageSize), nil
}

// GetTrace returns one full trace with its span tree and metric results.
func (e *Engine) GetTrace(ctx context.Context, traceID string) (model.Trace, error) {
	meta, err := e.store.TraceMetadataByID(ctx, traceID)
	if err != nil {
		return model.Trace{}, err
	}

	spans, err := e.store.SpansByTraceIDs(ctx, []string{traceID})
	if err != nil {
		return model.Trace{}, err
	}
	if err := e.attachMetrics(ctx, spans); err != nil {
		return model.Trace{}, err
	}
	return model.Trace{Metadata: meta, Spans: buildSpanTree(spans)}, nil
}

// ListSpans returns a page of spans matching the query, with metric
// results attached.
func (e *Engine) ListSpans(ctx context.Context, q model.TraceQuery) (model.PagedResponse[*model.Span], error) {
	var zero model.PagedResponse[*model.Span]

	r, err := e.filters.Resolve(q)
	if err != nil {
		return zero, err
	}

	ids, total, err := e.store.ListSpanIDs(ctx, r)
	if err != nil {
		return zero, err
	}

	spans, err := e.store.SpansByIDs(ctx, ids)
	if err != nil {
		return zero, err
	}
	if err := e.attachMetrics(ctx, spans); err != nil {
		return zero, err
	}

	return model.NewPagedResponse(orderByIDs(spans, ids), total, q.Page, q.PageSize), nil
}

// GetSpan returns one span with its metric results.
func (e *Engine) GetSpan(ctx context.Context, id string) (*model.Span, error) {
	span, err := e.store.SpanByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.attachMetrics(ctx, []*model.Span{span}); err != nil {
		return nil, err
	}
	return span, nil
}

// ListSessions returns a page of session summaries.
func (e *Engine) ListSessions(ctx context.Context, q model.TraceQuery) (model.PagedResponse[model.SessionSummary], error) {
	var zero model.PagedResponse[model.SessionSummary]

	r, err := e.filters.Resolve(q)
	if err != nil {
		return zero, err
	}
	sessions, total, err := e.store.ListSessions(ctx, r)
	if err != nil {
		return zero, err
	}
	return model.NewPagedResponse(sessions, total, q.Page, q.PageSize), nil
}

// ListUsers returns a page of user summaries.
func (e *Engine) ListUsers(ctx context.Context, q model.TraceQuery) (model.PagedResponse[model.UserSummary], error) {
	var zero model.PagedResponse[model.UserSummary]

	r, err := e.filters.Resolve(q)
	if err != nil {
		return zero, err
	}
	users, total, err := e.store.ListUsers(ctx, r)
	if err != nil {
		return zero, err
	}
	return model.NewPagedResponse(users, total, q.Page, q.PageSize), nil
}

// Computer runs on-demand metric computation over a set of spans. The
// metric dispatcher satisfies this.
type Computer interface {
	ComputeForSpans(ctx context.Context, spans []*model.Span) int
}

// GetSessionTraces returns every trace of a session, newest first.
func (e *Engine) GetSessionTraces(ctx context.Context, sessionID string) ([]model.Trace, error) {
	ids, err := e.store.TraceIDsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return e.assembleTraces(ctx, ids)
}

// GetUserSessions returns every session attributed to a user.
func (e *Engine) GetUserSessions(ctx context.Context, userID string) ([]model.SessionSummary, error) {
	sessions, err := e.store.SessionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	return sessions, nil
}

// GetUserTraces returns every trace attributed to a user, newest first.
func (e *Engine) GetUserTraces(ctx context.Context, userID string) ([]model.Trace, error) {
	ids, err := e.store.TraceIDsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	return e.assembleTraces(ctx, ids)
}

// ComputeTraceMetrics computes missing metrics for every LLM span of a
// trace and returns the trace with the combined metric view.
func (e *Engine) ComputeTraceMetrics(ctx context.Context, traceID string, c Computer) (model.Trace, error) {
	meta, err := e.store.TraceMetadataByID(ctx, traceID)
	if err != nil {
		return model.Trace{}, err
	}
	spans, err := e.store.SpansByTraceIDs(ctx, []string{traceID})
	if err != nil {
		return model.Trace{}, err
	}
	if err := e.attachMetrics(ctx, spans); err != nil {
		return model.Trace{}, err
	}
	c.ComputeForSpans(ctx, spans)
	return model.Trace{Metadata: meta, Spans: buildSpanTree(spans)}, nil
}

// ComputeSpanMetrics computes missing metrics for one span and returns it
// with the combined metric view. The target must be an LLM span with a
// task binding.
func (e *Engine) ComputeSpanMetrics(ctx context.Context, spanID string, c Computer) (*model.Span, error) {
	span, err := e.GetSpan(ctx, spanID)
	if err != nil {
		return nil, err
	}
	if span.Kind != model.SpanKindLLM {
		return nil, fmt.Errorf("span %s has kind %s, metrics are computed for LLM spans only: %w",
			spanID, span.Kind, ErrNotComputable)
	}
	if span.TaskID == "" {
		return nil, fmt.Errorf("span %s has no task binding: %w", spanID, ErrNotComputable)
	}
	c.ComputeForSpans(ctx, []*model.Span{span})
	return span, nil
}

// ComputeSessionMetrics computes missing metrics across every trace of a
// session and returns the traces with the combined metric view.
func (e *Engine) ComputeSessionMetrics(ctx context.Context, sessionID string, c Computer) ([]model.Trace, error) {
	ids, err := e.store.TraceIDsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}

	spans, err := e.store.SpansByTraceIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if err := e.attachMetrics(ctx, spans); err != nil {
		return nil, err
	}
	c.ComputeForSpans(ctx, spans)

	metas, err := e.store.TraceMetadataByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	metaByTrace := make(map[string]model.TraceMetadata, len(metas))
	for _, m := range metas {
		metaByTrace[m.TraceID] = m
	}
	spansByTrace := make(map[string][]*model.Span, len(ids))
	for _, s := range spans {
		spansByTrace[s.TraceID] = append(spansByTrace[s.TraceID], s)
	}

	traces := make([]model.Trace, 0, len(ids))
	for _, id := range ids {
		traces = append(traces, model.Trace{
			Metadata: metaByTrace[id],
			Spans:    buildSpanTree(spansByTrace[id]),
		})
	}
	return traces, nil
}

// assembleTraces bulk-loads metadata and spans for the page of trace ids
// in parallel, then assembles each trace's span tree in page order.
func (e *Engine) assembleTraces(ctx context.Context, traceIDs []string) ([]model.Trace, error) {
	if len(traceIDs) == 0 {
		return nil, nil
	}

	var (
		metas []model.TraceMetadata
		spans []*model.Span
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		metas, err = e.store.TraceMetadataByIDs(gctx, traceIDs)
		return err
	})
	g.Go(func() error {
		var err error
		spans, err = e.store.SpansByTraceIDs(gctx, traceIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := e.attachMetrics(ctx, spans); err != nil {
		return nil, err
	}

	metaByTrace := make(map[string]model.TraceMetadata, len(metas))
	for _, m := range metas {
		metaByTrace[m.TraceID] = m
	}
	spansByTrace := make(map[string][]*model.Span, len(traceIDs))
	for _, s := range spans {
		spansByTrace[s.TraceID] = append(spansByTrace[s.TraceID], s)
	}

	traces := make([]model.Trace, 0, len(traceIDs))
	for _, id := range traceIDs {
		meta, ok := metaByTrace[id]
		if !ok {
			e.logger.Warn("trace metadata missing for listed trace", "trace_id", id)
			continue
		}
		traces = append(traces, model.Trace{
			Metadata: meta,
			Spans:    buildSpanTree(spansByTrace[id]),
		})
	}
	return traces, nil
}

// attachMetrics bulk-loads metric results for the given spans and attaches
// them to their owners. Spans stored without the schema version stamp are
// flagged here, on the shared serve path, and still returned.
func (e *Engine) attachMetrics(ctx context.Context, spans []*model.Span) error {
	if len(spans) == 0 {
		return nil
	}
	e.warnUnstamped(spans)
	ids := make([]string, len(spans))
	byID := make(map[string]*model.Span, len(spans))
	for i, s := range spans {
		ids[i] = s.ID
		byID[s.ID] = s
	}

	metrics, err := e.store.MetricsBySpanIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, m := range metrics {
		if s, ok := byID[m.SpanID]; ok {
			s.Metrics = append(s.Metrics, m)
		}
	}
	return nil
}

// warnUnstamped logs spans that predate the version stamp or were stored
// by a newer writer without one.
func (e *Engine) warnUnstamped(spans []*model.Span) {
	for _, s := range spans {
		if _, ok := s.RawData[normalize.VersionKey]; !ok {
			e.logger.Warn("span missing version stamp",
				"span_id", s.ID, "trace_id", s.TraceID)
		}
	}
}

// buildSpanTree nests spans under their parents via parent_span_id.
// Spans whose parent is absent from the trace surface as roots. The input
// is assumed time-ordered; children keep that order.
func buildSpanTree(spans []*model.Span) []*model.Span {
	if len(spans) == 0 {
		return nil
	}

	bySpanID := make(map[string]*model.Span, len(spans))
	for _, s := range spans {
		s.Children = nil
		bySpanID[s.SpanID] = s
	}

	var roots []*model.Span
	for _, s := range spans {
		if s.ParentSpanID != nil {
			if parent, ok := bySpanID[*s.ParentSpanID]; ok && parent != s {
				parent.Children = append(parent.Children, s)
				continue
			}
		}
		roots = append(roots, s)
	}

	sort.SliceStable(roots, func(i, j int) bool {
		return roots[i].StartTime.Before(roots[j].StartTime)
	})
	return roots
}

// orderByIDs reorders loaded spans back into page order.
func orderByIDs(spans []*model.Span, ids []string) []*model.Span {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}
	out := make([]*model.Span, len(spans))
	copy(out, spans)
	sort.SliceStable(out, func(i, j int) bool {
		return pos[out[i].ID] < pos[out[j].ID]
	})
	return out
}
