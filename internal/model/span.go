package model

import (
	"time"
)

// SpanKind is the OpenInference span kind, a closed set describing what a
// span represents inside an LLM application.
type SpanKind string

const (
	SpanKindLLM       SpanKind = "LLM"
	SpanKindChain     SpanKind = "CHAIN"
	SpanKindAgent     SpanKind = "AGENT"
	SpanKindTool      SpanKind = "TOOL"
	SpanKindRetriever SpanKind = "RETRIEVER"
	SpanKindEmbedding SpanKind = "EMBEDDING"
	SpanKindReranker  SpanKind = "RERANKER"
	SpanKindGuardrail SpanKind = "GUARDRAIL"
	SpanKindEvaluator SpanKind = "EVALUATOR"
	SpanKindUnknown   SpanKind = "UNKNOWN"
)

// AllSpanKinds lists every known span kind, in declaration order.
var AllSpanKinds = []SpanKind{
	SpanKindLLM, SpanKindChain, SpanKindAgent, SpanKindTool,
	SpanKindRetriever, SpanKindEmbedding, SpanKindReranker,
	SpanKindGuardrail, SpanKindEvaluator, SpanKindUnknown,
}

// ParseSpanKind maps a raw kind string to a SpanKind, falling back to UNKNOWN.
func ParseSpanKind(s string) SpanKind {
	for _, k := range AllSpanKinds {
		if string(k) == s {
			return k
		}
	}
	return SpanKindUnknown
}

// StatusCode is the OTEL span status code.
type StatusCode string

const (
	StatusCodeOk    StatusCode = "Ok"
	StatusCodeError StatusCode = "Error"
	StatusCodeUnset StatusCode = "Unset"
)

// Span is one normalized OpenInference span. Immutable after insert.
type Span struct {
	ID           string         `json:"id"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id,omitempty"`
	Kind         SpanKind       `json:"span_kind"`
	Name         string         `json:"span_name"`
	StatusCode   StatusCode     `json:"status_code"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	TaskID       string         `json:"task_id"`
	SessionID    *string        `json:"session_id,omitempty"`
	UserID       *string        `json:"user_id,omitempty"`
	RawData      map[string]any `json:"raw_data"`
	CreatedAt    time.Time      `json:"created_at"`

	// Metrics holds existing metric results for this span. Populated by
	// get/compute queries; nil on list queries.
	Metrics []MetricResult `json:"metrics,omitempty"`

	// Children forms the intra-trace tree via parent_span_id. Populated
	// only when a full trace is assembled.
	Children []*Span `json:"children,omitempty"`
}

// TraceMetadata is the derived one-per-trace aggregate row.
type TraceMetadata struct {
	TraceID       string    `json:"trace_id"`
	TaskID        string    `json:"task_id"`
	SessionID     *string   `json:"session_id,omitempty"`
	UserID        *string   `json:"user_id,omitempty"`
	SpanCount     int       `json:"span_count"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	InputContent  *string   `json:"input_content,omitempty"`
	OutputContent *string   `json:"output_content,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Trace is a full trace: the derived metadata plus all spans, with root
// spans nested via Children.
type Trace struct {
	Metadata TraceMetadata `json:"metadata"`
	Spans    []*Span       `json:"spans"`
}

// MetricType identifies an LLM-quality metric computed on an LLM span.
type MetricType string

const (
	MetricTypeQueryRelevance    MetricType = "QUERY_RELEVANCE"
	MetricTypeResponseRelevance MetricType = "RESPONSE_RELEVANCE"
	MetricTypeToolSelection     MetricType = "TOOL_SELECTION"
)

// AllMetricTypes lists every metric type.
var AllMetricTypes = []MetricType{
	MetricTypeQueryRelevance,
	MetricTypeResponseRelevance,
	MetricTypeToolSelection,
}

// MetricResult is one computed metric for one span. At most one row exists
// per (span, metric type); recomputation overwrites.
type MetricResult struct {
	ID               string         `json:"id"`
	SpanID           string         `json:"span_id"`
	MetricType       MetricType     `json:"metric_type"`
	Details          map[string]any `json:"details"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	LatencyMs        int            `json:"latency_ms"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Detail keys shared by metric result payloads. Every details object
// carries a numeric score and a justification string; the tool metric adds
// integer classification fields.
const (
	DetailKeyRelevanceScore = "llm_relevance_score"
	DetailKeyJustification  = "justification"
	DetailKeyToolSelection  = "tool_selection"
	DetailKeyToolUsage      = "tool_usage"
	DetailKeyStatus         = "status"
	DetailKeyError          = "error"
)

// MetricStatusUnavailable marks a metric that could not be computed for
// this response. Unavailable results are never persisted.
const MetricStatusUnavailable = "unavailable"

// SessionSummary is one row of the session list endpoint.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id"`
	UserID     *string   `json:"user_id,omitempty"`
	TraceCount int       `json:"trace_count"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// UserSummary is one row of the user list endpoint.
type UserSummary struct {
	UserID       string    `json:"user_id"`
	SessionCount int       `json:"session_count"`
	TraceCount   int       `json:"trace_count"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}
