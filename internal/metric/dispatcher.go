// Package metric computes LLM-quality metrics on demand.
//
// The dispatcher walks a set of spans, picks the LLM spans whose task has
// the metric enabled, skips results that already exist, runs the bound
// scorer and persists the outcome. A failing scorer never fails the
// request: the error is logged, the metric surfaces as unavailable in the
// response, and the remaining metrics still run.
package metric

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/normalize"
	"github.com/miru-ai/miru/internal/storage"
)

// Scorer computes one metric type from a span's extracted features.
type Scorer interface {
	MetricType() model.MetricType
	Score(ctx context.Context, f normalize.Features) (map[string]any, error)
}

// Dispatcher coordinates on-demand metric computation.
type Dispatcher struct {
	store    storage.Store
	scorers  map[model.MetricType]Scorer
	bindings map[string][]model.MetricType
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBindings restricts which metric types run per task id. Tasks absent
// from the map get every registered metric.
func WithBindings(bindings map[string][]model.MetricType) Option {
	return func(d *Dispatcher) {
		d.bindings = bindings
	}
}

// New creates a Dispatcher with the given scorers.
func New(store storage.Store, logger *slog.Logger, scorers []Scorer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		scorers: make(map[model.MetricType]Scorer, len(scorers)),
		logger:  logger,
	}
	for _, s := range scorers {
		d.scorers[s.MetricType()] = s
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// metricsFor returns the metric types enabled for a task, in registration
// declaration order.
func (d *Dispatcher) metricsFor(taskID string) []model.MetricType {
	if d.bindings != nil {
		if bound, ok := d.bindings[taskID]; ok {
			return bound
		}
	}
	var types []model.MetricType
	for _, mt := range model.AllMetricTypes {
		if _, ok := d.scorers[mt]; ok {
			types = append(types, mt)
		}
	}
	return types
}

// ComputeForSpans computes missing metrics for every eligible span,
// attaching new results to each span's Metrics in place. Returns the
// number of metrics computed.
func (d *Dispatcher) ComputeForSpans(ctx context.Context, spans []*model.Span) int {
	computed := 0
	for _, span := range spans {
		computed += d.computeForSpan(ctx, span)
	}
	return computed
}

func (d *Dispatcher) computeForSpan(ctx context.Context, span *model.Span) int {
	if span.Kind != model.SpanKindLLM {
		return 0
	}

	// unavailable markers do not count as computed; those metrics retry
	existing := make(map[model.MetricType]bool, len(span.Metrics))
	for _, m := range span.Metrics {
		if m.Details[model.DetailKeyStatus] == model.MetricStatusUnavailable {
			continue
		}
		existing[m.MetricType] = true
	}

	var features *normalize.Features
	computed := 0
	for _, mt := range d.metricsFor(span.TaskID) {
		if existing[mt] {
			continue
		}
		scorer, ok := d.scorers[mt]
		if !ok {
			continue
		}

		if features == nil {
			f := normalize.ExtractFeatures(span.RawData)
			features = &f
		}

		started := time.Now()
		details, err := scorer.Score(ctx, *features)
		if err != nil {
			d.logger.Warn("metric computation failed",
				"span_id", span.ID, "metric_type", mt, "error", err)
			span.Metrics = append(span.Metrics, unavailableResult(span.ID, mt, err))
			continue
		}

		result := model.MetricResult{
			ID:               uuid.NewString(),
			SpanID:           span.ID,
			MetricType:       mt,
			Details:          details,
			PromptTokens:     features.PromptTokens,
			CompletionTokens: features.CompletionTokens,
			LatencyMs:        int(time.Since(started).Milliseconds()),
			CreatedAt:        time.Now().UTC(),
		}
		result.UpdatedAt = result.CreatedAt

		if err := d.store.UpsertMetricResult(ctx, &result); err != nil {
			d.logger.Error("persisting metric result",
				"span_id", span.ID, "metric_type", mt, "error", err)
			span.Metrics = append(span.Metrics, unavailableResult(span.ID, mt, err))
			continue
		}

		span.Metrics = append(span.Metrics, result)
		computed++
	}
	return computed
}

// unavailableResult is the response-only marker for a metric that failed
// to compute or persist. It carries no score and is never stored.
func unavailableResult(spanID string, mt model.MetricType, cause error) model.MetricResult {
	now := time.Now().UTC()
	return model.MetricResult{
		ID:         uuid.NewString(),
		SpanID:     spanID,
		MetricType: mt,
		Details: map[string]any{
			model.DetailKeyStatus: model.MetricStatusUnavailable,
			model.DetailKeyError:  cause.Error(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
