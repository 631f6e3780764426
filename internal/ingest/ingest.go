// Package ingest decodes OTLP trace export requests, runs each span
// through normalization and feature extraction, resolves task bindings
// with parent-chain inheritance, and persists the accepted spans plus
// their trace metadata updates in one transaction.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/miru-ai/miru/internal/aggregate"
	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/normalize"
	"github.com/miru-ai/miru/internal/storage"
)

// ErrMalformedPayload marks an ingest body that is not a valid binary
// ExportTraceServiceRequest.
var ErrMalformedPayload = errors.New("ingest: malformed payload")

var ingestMeter = otel.GetMeterProvider().Meter("miru/ingest")

// Service turns OTLP payloads into persisted spans.
type Service struct {
	store  storage.Store
	norm   *normalize.Normalizer
	agg    *aggregate.Aggregator
	logger *slog.Logger
}

// New creates the ingest service.
func New(store storage.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		norm:   normalize.New(logger),
		agg:    aggregate.New(logger),
		logger: logger,
	}
}

// IngestProtobuf decodes a binary ExportTraceServiceRequest and ingests
// its spans.
func (s *Service) IngestProtobuf(ctx context.Context, body []byte) (model.IngestResponse, error) {
	var req collectortracepb.ExportTraceServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		return model.IngestResponse{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return s.IngestRequest(ctx, &req)
}

// candidate is one decoded span awaiting task resolution.
type candidate struct {
	span     *model.Span
	features normalize.Features
}

// IngestRequest ingests every span of an export request. Spans that
// cannot be bound to a task, directly or through an in-batch ancestor,
// are rejected; the rest are persisted transactionally.
func (s *Service) IngestRequest(ctx context.Context, req *collectortracepb.ExportTraceServiceRequest) (model.IngestResponse, error) {
	started := time.Now()

	var (
		candidates []candidate
		reasons    []string
		total      int
	)

	for _, rs := range req.GetResourceSpans() {
		resourceAttrs := rs.GetResource().GetAttributes()
		for _, ss := range rs.GetScopeSpans() {
			for _, span := range ss.GetSpans() {
				total++
				c, err := s.decodeSpan(span, resourceAttrs)
				if err != nil {
					s.logger.Warn("rejecting span", "error", err)
					reasons = append(reasons, err.Error())
					continue
				}
				candidates = append(candidates, c)
			}
		}
	}

	accepted, inheritReasons := resolveInheritance(candidates)
	reasons = append(reasons, inheritReasons...)

	spans := make([]*model.Span, len(accepted))
	for i, c := range accepted {
		spans[i] = c.span
	}

	inserted := 0
	if len(spans) > 0 {
		var err error
		inserted, err = s.store.IngestBatch(ctx, spans, s.agg.BuildTraceUpdates)
		if err != nil {
			return model.IngestResponse{}, err
		}
	}

	resp := model.IngestResponse{
		TotalSpans:       total,
		AcceptedSpans:    len(spans),
		RejectedSpans:    total - len(spans),
		RejectionReasons: reasons,
		Status:           model.IngestStatusSuccess,
	}
	if resp.RejectedSpans > 0 {
		resp.Status = model.IngestStatusPartial
	}
	if resp.RejectionReasons == nil {
		resp.RejectionReasons = []string{}
	}

	recordBatchMetrics(ctx, resp, time.Since(started))
	s.logger.Info("ingested batch",
		"total", total, "accepted", len(spans), "inserted", inserted,
		"rejected", resp.RejectedSpans)
	return resp, nil
}

// recordBatchMetrics emits per-batch counters and a duration histogram
// (best-effort, instruments lazily created).
func recordBatchMetrics(ctx context.Context, resp model.IngestResponse, elapsed time.Duration) {
	if counter, err := ingestMeter.Int64Counter("ingest.spans.accepted"); err == nil {
		counter.Add(ctx, int64(resp.AcceptedSpans))
	}
	if counter, err := ingestMeter.Int64Counter("ingest.spans.rejected"); err == nil {
		counter.Add(ctx, int64(resp.RejectedSpans))
	}
	if hist, err := ingestMeter.Float64Histogram("ingest.batch.duration",
		otelmetric.WithUnit("ms")); err == nil {
		hist.Record(ctx, float64(elapsed.Milliseconds()))
	}
}

// decodeSpan converts one OTLP span into its normalized candidate form.
func (s *Service) decodeSpan(span *tracepb.Span, resourceAttrs []*commonpb.KeyValue) (candidate, error) {
	traceID := hex.EncodeToString(span.GetTraceId())
	spanID := hex.EncodeToString(span.GetSpanId())
	if traceID == "" || spanID == "" {
		return candidate{}, fmt.Errorf("ingest: span %q missing trace or span id", span.GetName())
	}

	raw := wireSpan(span, resourceAttrs)
	normalized := s.norm.Span(raw)
	f := normalize.ExtractFeatures(normalized)

	// stash extracted content where the trace aggregator reads it
	if f.InputContent != "" {
		normalized["input_content"] = f.InputContent
	}
	if f.OutputContent != "" {
		normalized["output_content"] = f.OutputContent
	}

	name := f.Name
	if name == "" {
		name = span.GetName()
	}

	m := &model.Span{
		ID:         uuid.NewString(),
		TraceID:    traceID,
		SpanID:     spanID,
		Kind:       f.Kind,
		Name:       name,
		StatusCode: f.StatusCode,
		TaskID:     f.TaskID,
		SessionID:  f.SessionID,
		UserID:     f.UserID,
		StartTime:  nanosToTime(span.GetStartTimeUnixNano()),
		EndTime:    nanosToTime(span.GetEndTimeUnixNano()),
		RawData:    normalized,
		CreatedAt:  time.Now().UTC(),
	}
	if parent := hex.EncodeToString(span.GetParentSpanId()); parent != "" {
		m.ParentSpanID = &parent
	}
	return candidate{span: m, features: f}, nil
}

// resolveInheritance fills each span's task, session and user from its
// nearest in-batch ancestor that carries one, then rejects spans still
// unbound to a task.
func resolveInheritance(candidates []candidate) ([]candidate, []string) {
	type key struct{ traceID, spanID string }
	byID := make(map[key]*model.Span, len(candidates))
	for _, c := range candidates {
		byID[key{c.span.TraceID, c.span.SpanID}] = c.span
	}

	lookup := func(start *model.Span, get func(*model.Span) bool) {
		seen := map[key]bool{}
		cur := start
		for cur.ParentSpanID != nil {
			k := key{cur.TraceID, *cur.ParentSpanID}
			if seen[k] {
				return
			}
			seen[k] = true
			parent, ok := byID[k]
			if !ok {
				return
			}
			if get(parent) {
				return
			}
			cur = parent
		}
	}

	var accepted []candidate
	var reasons []string
	for _, c := range candidates {
		span := c.span
		if span.TaskID == "" {
			lookup(span, func(p *model.Span) bool {
				if p.TaskID != "" {
					span.TaskID = p.TaskID
					return true
				}
				return false
			})
		}
		if span.SessionID == nil {
			lookup(span, func(p *model.Span) bool {
				if p.SessionID != nil {
					span.SessionID = p.SessionID
					return true
				}
				return false
			})
		}
		if span.UserID == nil {
			lookup(span, func(p *model.Span) bool {
				if p.UserID != nil {
					span.UserID = p.UserID
					return true
				}
				return false
			})
		}

		if span.TaskID == "" {
			reasons = append(reasons, fmt.Sprintf(
				"ingest: span %s/%s has no task binding on itself or any ancestor", span.TraceID, span.SpanID))
			continue
		}
		accepted = append(accepted, c)
	}
	return accepted, reasons
}

// wireSpan renders an OTLP span in its JSON-encoding shape so the
// normalizer sees the same envelope form regardless of transport.
// Resource attributes are merged in; span attributes win on conflict.
func wireSpan(span *tracepb.Span, resourceAttrs []*commonpb.KeyValue) map[string]any {
	attrs := make([]any, 0, len(resourceAttrs)+len(span.GetAttributes()))
	spanKeys := make(map[string]bool, len(span.GetAttributes()))
	for _, kv := range span.GetAttributes() {
		spanKeys[kv.GetKey()] = true
	}
	for _, kv := range resourceAttrs {
		if spanKeys[kv.GetKey()] {
			continue
		}
		attrs = append(attrs, wireKeyValue(kv))
	}
	for _, kv := range span.GetAttributes() {
		attrs = append(attrs, wireKeyValue(kv))
	}

	raw := map[string]any{
		"name":                 span.GetName(),
		"trace_id":             hex.EncodeToString(span.GetTraceId()),
		"span_id":              hex.EncodeToString(span.GetSpanId()),
		"start_time_unix_nano": span.GetStartTimeUnixNano(),
		"end_time_unix_nano":   span.GetEndTimeUnixNano(),
		"attributes":           attrs,
	}
	if parent := hex.EncodeToString(span.GetParentSpanId()); parent != "" {
		raw["parent_span_id"] = parent
	}
	if st := span.GetStatus(); st != nil {
		raw["status"] = map[string]any{
			"code":    st.GetCode().String(),
			"message": st.GetMessage(),
		}
	}
	return raw
}

func wireKeyValue(kv *commonpb.KeyValue) map[string]any {
	return map[string]any{
		"key":   kv.GetKey(),
		"value": wireAnyValue(kv.GetValue()),
	}
}

// wireAnyValue mirrors the OTLP JSON encoding of AnyValue, including
// int64 carried as a string.
func wireAnyValue(v *commonpb.AnyValue) map[string]any {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return map[string]any{"stringValue": val.StringValue}
	case *commonpb.AnyValue_IntValue:
		return map[string]any{"intValue": fmt.Sprintf("%d", val.IntValue)}
	case *commonpb.AnyValue_DoubleValue:
		return map[string]any{"doubleValue": val.DoubleValue}
	case *commonpb.AnyValue_BoolValue:
		return map[string]any{"boolValue": val.BoolValue}
	case *commonpb.AnyValue_ArrayValue:
		values := make([]any, 0, len(val.ArrayValue.GetValues()))
		for _, item := range val.ArrayValue.GetValues() {
			values = append(values, wireAnyValue(item))
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}
	case *commonpb.AnyValue_KvlistValue:
		values := make([]any, 0, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			values = append(values, wireKeyValue(kv))
		}
		return map[string]any{"kvlistValue": map[string]any{"values": values}}
	case *commonpb.AnyValue_BytesValue:
		return map[string]any{"bytesValue": base64.StdEncoding.EncodeToString(val.BytesValue)}
	}
	return map[string]any{}
}

// nanosToTime converts an OTLP nanosecond timestamp, rounding to the
// microsecond precision the store keeps.
func nanosToTime(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC().Round(time.Microsecond)
}
