package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miru-ai/miru/internal/model"
)

// parseTraceQuery reads the shared filter surface from the URL query.
// Syntax errors are returned for a 400 response; semantic validation
// (required fields, bounds, kind compatibility) happens in the filter
// service so the caller gets the full issue list at once.
func parseTraceQuery(r *http.Request) (model.TraceQuery, error) {
	q := model.TraceQuery{
		TaskIDs:  queryList(r, "task_ids"),
		Page:     1,
		PageSize: model.DefaultPageSize,
		Sort:     model.SortDesc,
	}

	var err error
	if q.StartTime, err = queryTime(r, "start_time"); err != nil {
		return q, err
	}
	if q.EndTime, err = queryTime(r, "end_time"); err != nil {
		return q, err
	}

	values := r.URL.Query()
	if v := values.Get("page"); v != "" {
		if q.Page, err = strconv.Atoi(v); err != nil {
			return q, fmt.Errorf("invalid page: %q is not an integer", v)
		}
	}
	if v := values.Get("page_size"); v != "" {
		if q.PageSize, err = strconv.Atoi(v); err != nil {
			return q, fmt.Errorf("invalid page_size: %q is not an integer", v)
		}
	}

	if v := values.Get("sort"); v != "" {
		switch strings.ToLower(v) {
		case string(model.SortAsc):
			q.Sort = model.SortAsc
		case string(model.SortDesc):
			q.Sort = model.SortDesc
		default:
			return q, fmt.Errorf("invalid sort: %q, expected asc or desc", v)
		}
	}

	for _, raw := range queryList(r, "span_types") {
		kind := model.ParseSpanKind(raw)
		if kind == model.SpanKindUnknown && raw != string(model.SpanKindUnknown) {
			return q, fmt.Errorf("invalid span type: %q", raw)
		}
		q.SpanTypes = append(q.SpanTypes, kind)
	}

	if v := values.Get("tool_name"); v != "" {
		q.ToolName = &v
	}
	if v := values.Get("status_code"); v != "" {
		code, perr := parseStatusCode(v)
		if perr != nil {
			return q, perr
		}
		q.StatusCode = &code
	}
	if v := values.Get("session_id"); v != "" {
		q.SessionID = &v
	}
	if v := values.Get("user_id"); v != "" {
		q.UserID = &v
	}

	if q.QueryRelevance, err = queryRangeFilters(r, "query_relevance"); err != nil {
		return q, err
	}
	if q.ResponseRelevance, err = queryRangeFilters(r, "response_relevance"); err != nil {
		return q, err
	}

	if v := values.Get("tool_selection"); v != "" {
		tc, perr := model.ParseToolClassification(v)
		if perr != nil {
			return q, perr
		}
		q.ToolSelection = &tc
	}
	if v := values.Get("tool_usage"); v != "" {
		tc, perr := model.ParseToolClassification(v)
		if perr != nil {
			return q, perr
		}
		q.ToolUsage = &tc
	}

	return q, nil
}

// queryList collects a repeatable parameter, splitting each occurrence on
// commas and dropping empty entries.
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}

func queryRangeFilters(r *http.Request, key string) ([]model.RangeFilter, error) {
	var out []model.RangeFilter
	for _, raw := range r.URL.Query()[key] {
		f, err := model.ParseRangeFilter(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func parseStatusCode(v string) (model.StatusCode, error) {
	switch strings.ToLower(v) {
	case "ok":
		return model.StatusCodeOk, nil
	case "error":
		return model.StatusCodeError, nil
	case "unset":
		return model.StatusCodeUnset, nil
	}
	return "", fmt.Errorf("invalid status_code: %q, expected Ok, Error or Unset", v)
}
