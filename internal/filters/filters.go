// Package filters validates trace queries and compiles them into
// correlation-correct SQL predicates.
//
// A query's span-kind set is auto-detected from the filters present, the
// combination is validated (LLM metric filters need LLM, tool_name needs
// TOOL), and the result compiles into one OR-group per resolved kind plus
// EXISTS subqueries for metric predicates. Metric EXISTS clauses come in
// two correlation modes: trace-rooted (inner span's trace_id against the
// outer trace correlation column) for trace queries, and span-rooted
// (inner metric's span_id against the outer span id) for span queries.
package filters

import (
	"fmt"
	"strings"

	"github.com/miru-ai/miru/internal/model"
)

// Dialect selects the SQL flavor for placeholders and JSON extraction.
// Detected at runtime from the configured store.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// jsonText renders the dialect's JSON text-extraction expression for a
// top-level key of a JSON column.
func (d Dialect) jsonText(col, key string) string {
	if d == DialectSQLite {
		return fmt.Sprintf("json_extract(%s, '$.%s')", col, key)
	}
	return fmt.Sprintf("jsonb_extract_path_text(%s, '%s')", col, key)
}

// floatType is the dialect's floating-point cast target.
func (d Dialect) floatType() string {
	if d == DialectSQLite {
		return "REAL"
	}
	return "DOUBLE PRECISION"
}

// ValidationError carries every issue found in a query so the caller sees
// the full list at once.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid query: " + strings.Join(e.Issues, "; ")
}

// Resolved is a validated query together with its resolved span-kind set.
type Resolved struct {
	Query model.TraceQuery

	// SpanKinds is the effective kind set: the caller's explicit
	// span_types, or the auto-detected set.
	SpanKinds []model.SpanKind

	// autoDetected records that SpanKinds was derived rather than given;
	// an unrestricted derived set compiles to no kind predicate at all.
	autoDetected bool
}

// Unrestricted reports whether the kind set places no restriction.
func (r Resolved) Unrestricted() bool {
	return r.autoDetected && len(r.SpanKinds) == len(model.AllSpanKinds)
}

// Service validates queries and builds SQL for one dialect.
type Service struct {
	dialect Dialect
}

// New creates a filter service for the given dialect.
func New(dialect Dialect) *Service {
	return &Service{dialect: dialect}
}

// Dialect returns the service's SQL dialect.
func (s *Service) Dialect() Dialect {
	return s.dialect
}

// Resolve validates the query and determines the effective span-kind set.
// All problems are collected into one ValidationError.
func (s *Service) Resolve(q model.TraceQuery) (Resolved, error) {
	var issues []string

	if len(q.TaskIDs) == 0 {
		issues = append(issues, "task_ids is required and must contain at least one task id")
	}
	if q.Page < 1 {
		issues = append(issues, fmt.Sprintf("page must be at least 1, got %d", q.Page))
	}
	if q.PageSize < model.MinPageSize || q.PageSize > model.MaxPageSize {
		issues = append(issues, fmt.Sprintf("page_size must be between %d and %d, got %d",
			model.MinPageSize, model.MaxPageSize, q.PageSize))
	}
	if q.StartTime != nil && q.EndTime != nil && q.EndTime.Before(*q.StartTime) {
		issues = append(issues, "end_time must not precede start_time")
	}

	r := Resolved{Query: q}
	if len(q.SpanTypes) > 0 {
		r.SpanKinds = q.SpanTypes
	} else {
		r.autoDetected = true
		var kinds []model.SpanKind
		if q.HasMetricFilters() {
			kinds = append(kinds, model.SpanKindLLM)
		}
		if q.ToolName != nil {
			kinds = append(kinds, model.SpanKindTool)
		}
		if len(kinds) == 0 {
			kinds = append(kinds, model.AllSpanKinds...)
		}
		r.SpanKinds = kinds
	}

	if q.HasMetricFilters() && !containsKind(r.SpanKinds, model.SpanKindLLM) {
		issues = append(issues, "relevance and tool metric filters require span type LLM to be included in span_types")
	}
	if q.ToolName != nil && !containsKind(r.SpanKinds, model.SpanKindTool) {
		issues = append(issues, "tool_name filter requires span type TOOL to be included in span_types")
	}

	if len(issues) > 0 {
		return Resolved{}, &ValidationError{Issues: issues}
	}
	return r, nil
}

func containsKind(kinds []model.SpanKind, k model.SpanKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Builder accumulates bound arguments with dialect-correct placeholders.
type Builder struct {
	dialect Dialect
	args    []any
}

// NewBuilder creates an argument builder for this service's dialect.
func (s *Service) NewBuilder() *Builder {
	return &Builder{dialect: s.dialect}
}

// Bind appends an argument and returns its placeholder.
func (b *Builder) Bind(v any) string {
	b.args = append(b.args, v)
	if b.dialect == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", len(b.args))
}

// BindAll appends values and returns a comma-joined placeholder list.
func (b *Builder) BindAll(values []string) string {
	ph := make([]string, len(values))
	for i, v := range values {
		ph[i] = b.Bind(v)
	}
	return strings.Join(ph, ", ")
}

// Args returns the accumulated arguments in bind order.
func (b *Builder) Args() []any {
	return b.args
}

// TraceConditions builds the WHERE conditions for trace-rooted queries over
// trace_metadata aliased tmAlias, including (when span filters are present)
// an EXISTS over spans whose kind groups use trace-rooted metric
// correlation against tmAlias.trace_id.
func (s *Service) TraceConditions(r Resolved, b *Builder, tmAlias string) []string {
	q := r.Query
	conds := []string{
		fmt.Sprintf("%s.task_id IN (%s)", tmAlias, b.BindAll(q.TaskIDs)),
	}
	if q.StartTime != nil {
		conds = append(conds, fmt.Sprintf("%s.start_time >= %s", tmAlias, b.Bind(*q.StartTime)))
	}
	if q.EndTime != nil {
		conds = append(conds, fmt.Sprintf("%s.start_time <= %s", tmAlias, b.Bind(*q.EndTime)))
	}
	if q.SessionID != nil {
		conds = append(conds, fmt.Sprintf("%s.session_id = %s", tmAlias, b.Bind(*q.SessionID)))
	}
	if q.UserID != nil {
		conds = append(conds, fmt.Sprintf("%s.user_id = %s", tmAlias, b.Bind(*q.UserID)))
	}

	groups := s.kindGroups(r, b, "sp", s.traceCorrelation(tmAlias))
	if groups != "" {
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM spans sp WHERE sp.trace_id = %s.trace_id AND %s)",
			tmAlias, groups))
	}
	return conds
}

// SpanConditions builds the WHERE conditions for span-rooted queries over
// spans aliased spanAlias: the query scope (task ids, time window) plus the
// kind OR-groups with span-rooted metric correlation.
func (s *Service) SpanConditions(r Resolved, b *Builder, spanAlias string) []string {
	q := r.Query
	conds := []string{
		fmt.Sprintf("%s.task_id IN (%s)", spanAlias, b.BindAll(q.TaskIDs)),
	}
	if q.StartTime != nil {
		conds = append(conds, fmt.Sprintf("%s.start_time >= %s", spanAlias, b.Bind(*q.StartTime)))
	}
	if q.EndTime != nil {
		conds = append(conds, fmt.Sprintf("%s.start_time <= %s", spanAlias, b.Bind(*q.EndTime)))
	}
	if q.SessionID != nil {
		conds = append(conds, fmt.Sprintf("%s.session_id = %s", spanAlias, b.Bind(*q.SessionID)))
	}
	if q.UserID != nil {
		conds = append(conds, fmt.Sprintf("%s.user_id = %s", spanAlias, b.Bind(*q.UserID)))
	}

	if groups := s.kindGroups(r, b, spanAlias, s.spanCorrelation(spanAlias)); groups != "" {
		conds = append(conds, groups)
	}
	return conds
}

// correlation names the column a metric EXISTS joins back to.
type correlation struct {
	traceRooted bool
	column      string
}

func (s *Service) traceCorrelation(tmAlias string) correlation {
	return correlation{traceRooted: true, column: tmAlias + ".trace_id"}
}

func (s *Service) spanCorrelation(spanAlias string) correlation {
	return correlation{traceRooted: false, column: spanAlias + ".id"}
}

// kindGroups builds the span-type OR-group: one conjunct per resolved
// kind, each ANDing the kind-specific predicates with the cross-kind span
// predicates. Returns "" when the kind set is unrestricted and no
// kind-specific predicate exists.
func (s *Service) kindGroups(r Resolved, b *Builder, spanAlias string, corr correlation) string {
	q := r.Query
	if r.Unrestricted() && q.StatusCode == nil && !q.HasMetricFilters() && q.ToolName == nil {
		return ""
	}

	var groups []string
	for _, kind := range r.SpanKinds {
		conds := []string{fmt.Sprintf("%s.span_kind = %s", spanAlias, b.Bind(string(kind)))}
		if q.StatusCode != nil {
			conds = append(conds, fmt.Sprintf("%s.status_code = %s", spanAlias, b.Bind(string(*q.StatusCode))))
		}

		switch kind {
		case model.SpanKindTool:
			if q.ToolName != nil {
				conds = append(conds, fmt.Sprintf("%s.span_name = %s", spanAlias, b.Bind(*q.ToolName)))
			}
		case model.SpanKindLLM:
			conds = append(conds, s.metricConditions(q, b, corr)...)
		}

		groups = append(groups, "("+strings.Join(conds, " AND ")+")")
	}
	if len(groups) == 1 {
		return groups[0]
	}
	return "(" + strings.Join(groups, " OR ") + ")"
}

// metricConditions emits one EXISTS clause per present metric filter.
func (s *Service) metricConditions(q model.TraceQuery, b *Builder, corr correlation) []string {
	var conds []string
	if len(q.QueryRelevance) > 0 {
		conds = append(conds, s.relevanceExists(b, corr, model.MetricTypeQueryRelevance, q.QueryRelevance))
	}
	if len(q.ResponseRelevance) > 0 {
		conds = append(conds, s.relevanceExists(b, corr, model.MetricTypeResponseRelevance, q.ResponseRelevance))
	}
	if q.ToolSelection != nil {
		conds = append(conds, s.toolClassExists(b, corr, model.DetailKeyToolSelection, *q.ToolSelection))
	}
	if q.ToolUsage != nil {
		conds = append(conds, s.toolClassExists(b, corr, model.DetailKeyToolUsage, *q.ToolUsage))
	}
	return conds
}

// relevanceExists builds the EXISTS subquery for one relevance filter
// list: every comparison in the list is ANDed inside a single EXISTS,
// casting the JSON-extracted score to float. Trace-rooted mode joins the
// inner metric back through its span and constrains that span to kind LLM.
func (s *Service) relevanceExists(b *Builder, corr correlation, mt model.MetricType, ranges []model.RangeFilter) string {
	score := fmt.Sprintf("CAST(%s AS %s)",
		s.dialect.jsonText("mr.details", model.DetailKeyRelevanceScore), s.dialect.floatType())

	inner := []string{fmt.Sprintf("mr.metric_type = %s", b.Bind(string(mt)))}
	for _, rf := range ranges {
		inner = append(inner, fmt.Sprintf("%s %s %s", score, rf.Op.SQL(), b.Bind(rf.Value)))
	}

	if corr.traceRooted {
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM metric_results mr JOIN spans ms ON ms.id = mr.span_id"+
				" WHERE ms.trace_id = %s AND ms.span_kind = %s AND %s)",
			corr.column, b.Bind(string(model.SpanKindLLM)), strings.Join(inner, " AND "))
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM metric_results mr WHERE mr.span_id = %s AND %s)",
		corr.column, strings.Join(inner, " AND "))
}

// toolClassExists builds the EXISTS subquery for a tool classification
// filter, integer-casting the extracted detail field.
func (s *Service) toolClassExists(b *Builder, corr correlation, detailKey string, class model.ToolClassification) string {
	field := fmt.Sprintf("CAST(%s AS INTEGER)", s.dialect.jsonText("mr.details", detailKey))

	inner := []string{
		fmt.Sprintf("mr.metric_type = %s", b.Bind(string(model.MetricTypeToolSelection))),
		fmt.Sprintf("%s = %s", field, b.Bind(int(class))),
	}

	if corr.traceRooted {
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM metric_results mr JOIN spans ms ON ms.id = mr.span_id"+
				" WHERE ms.trace_id = %s AND %s)",
			corr.column, strings.Join(inner, " AND "))
	}
	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM metric_results mr WHERE mr.span_id = %s AND %s)",
		corr.column, strings.Join(inner, " AND "))
}
