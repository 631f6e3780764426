package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Pagination bounds for all list endpoints.
const (
	MinPageSize     = 1
	MaxPageSize     = 5000
	DefaultPageSize = 50
)

// SortDir is the sort direction on the temporal column.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// RangeOp is a comparison operator for relevance range filters.
type RangeOp string

const (
	RangeOpEq  RangeOp = "eq"
	RangeOpGt  RangeOp = "gt"
	RangeOpGte RangeOp = "gte"
	RangeOpLt  RangeOp = "lt"
	RangeOpLte RangeOp = "lte"
)

// SQL returns the SQL comparison operator for the range op.
func (op RangeOp) SQL() string {
	switch op {
	case RangeOpEq:
		return "="
	case RangeOpGt:
		return ">"
	case RangeOpGte:
		return ">="
	case RangeOpLt:
		return "<"
	case RangeOpLte:
		return "<="
	}
	return "="
}

// ParseRangeOp accepts both mnemonic ("gte") and symbolic (">=") forms.
func ParseRangeOp(s string) (RangeOp, error) {
	switch strings.ToLower(s) {
	case "eq", "=":
		return RangeOpEq, nil
	case "gt", ">":
		return RangeOpGt, nil
	case "gte", ">=":
		return RangeOpGte, nil
	case "lt", "<":
		return RangeOpLt, nil
	case "lte", "<=":
		return RangeOpLte, nil
	}
	return "", fmt.Errorf("invalid comparison operator: %q", s)
}

// RangeFilter is one relevance-score comparison, e.g. gte:0.8.
type RangeFilter struct {
	Op    RangeOp `json:"op"`
	Value float64 `json:"value"`
}

// ParseRangeFilter parses the query-param form "op:value".
func ParseRangeFilter(s string) (RangeFilter, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return RangeFilter{}, fmt.Errorf("invalid range filter %q: expected op:value", s)
	}
	op, err := ParseRangeOp(parts[0])
	if err != nil {
		return RangeFilter{}, err
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return RangeFilter{}, fmt.Errorf("invalid range filter value %q: %w", parts[1], err)
	}
	return RangeFilter{Op: op, Value: v}, nil
}

// ToolClassification is the tool selection/usage verdict stored inside a
// TOOL_SELECTION metric's details object.
type ToolClassification int

const (
	ToolClassificationIncorrect      ToolClassification = 0
	ToolClassificationCorrect        ToolClassification = 1
	ToolClassificationNoToolExpected ToolClassification = 2
)

// ParseToolClassification accepts the enum name (case-insensitive) or the
// integer form.
func ParseToolClassification(s string) (ToolClassification, error) {
	switch strings.ToLower(s) {
	case "incorrect", "0":
		return ToolClassificationIncorrect, nil
	case "correct", "1":
		return ToolClassificationCorrect, nil
	case "no_tool_expected", "2":
		return ToolClassificationNoToolExpected, nil
	}
	return 0, fmt.Errorf("invalid tool classification: %q", s)
}

// TraceQuery is the full filter surface shared by the trace, span, session
// and user query endpoints.
type TraceQuery struct {
	TaskIDs   []string   `json:"task_ids"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	SpanTypes  []SpanKind  `json:"span_types,omitempty"`
	ToolName   *string     `json:"tool_name,omitempty"`
	StatusCode *StatusCode `json:"status_code,omitempty"`
	SessionID  *string     `json:"session_id,omitempty"`
	UserID     *string     `json:"user_id,omitempty"`

	QueryRelevance    []RangeFilter       `json:"query_relevance,omitempty"`
	ResponseRelevance []RangeFilter       `json:"response_relevance,omitempty"`
	ToolSelection     *ToolClassification `json:"tool_selection,omitempty"`
	ToolUsage         *ToolClassification `json:"tool_usage,omitempty"`

	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
	Sort     SortDir `json:"sort"`
}

// HasMetricFilters reports whether any LLM metric filter is present.
func (q TraceQuery) HasMetricFilters() bool {
	return len(q.QueryRelevance) > 0 || len(q.ResponseRelevance) > 0 ||
		q.ToolSelection != nil || q.ToolUsage != nil
}

// HasRelevanceFilters reports whether a relevance range filter is present.
func (q TraceQuery) HasRelevanceFilters() bool {
	return len(q.QueryRelevance) > 0 || len(q.ResponseRelevance) > 0
}
