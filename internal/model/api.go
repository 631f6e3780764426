package model

// IngestStatus is the overall outcome of one ingest batch.
type IngestStatus string

const (
	IngestStatusSuccess IngestStatus = "success"
	IngestStatusPartial IngestStatus = "partial"
)

// IngestResponse is the body returned by POST /api/v1/traces.
type IngestResponse struct {
	TotalSpans       int          `json:"total_spans"`
	AcceptedSpans    int          `json:"accepted_spans"`
	RejectedSpans    int          `json:"rejected_spans"`
	RejectionReasons []string     `json:"rejection_reasons"`
	Status           IngestStatus `json:"status"`
}

// PagedResponse is the pagination envelope for all list endpoints.
type PagedResponse[T any] struct {
	Count      int `json:"count"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
	Data       []T `json:"data"`
}

// NewPagedResponse assembles the envelope, deriving total_pages from the
// total row count and page size.
func NewPagedResponse[T any](data []T, total, page, pageSize int) PagedResponse[T] {
	if data == nil {
		data = []T{}
	}
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return PagedResponse[T]{
		Count:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		Data:       data,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Uptime   int64  `json:"uptime_seconds"`
}
