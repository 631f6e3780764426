package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/miru-ai/miru/internal/filters"
	"github.com/miru-ai/miru/internal/ingest"
	"github.com/miru-ai/miru/internal/model"
	"github.com/miru-ai/miru/internal/query"
	"github.com/miru-ai/miru/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *query.Engine
	ingestSvc           *ingest.Service
	computer            query.Computer
	store               storage.Store
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Engine              *query.Engine
	IngestSvc           *ingest.Service
	Computer            query.Computer
	Store               storage.Store
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		engine:              d.Engine,
		ingestSvc:           d.IngestSvc,
		computer:            d.Computer,
		store:               d.Store,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// respondError maps service errors onto the HTTP error taxonomy: query
// validation problems and non-computable targets become 400, missing
// identifiers 404, everything else a logged 500.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *filters.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, query.ErrNotComputable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// HandleIngest handles POST /api/v1/traces. The body is a binary OTLP
// ExportTraceServiceRequest.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	resp, err := h.ingestSvc.IngestProtobuf(r.Context(), body)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformedPayload) {
			writeError(w, http.StatusBadRequest, "Invalid protobuf message format")
			return
		}
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleListTraces handles GET /api/v1/traces.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	q, err := parseTraceQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.engine.ListTraces(r.Context(), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetTrace handles GET /api/v1/traces/{trace_id}. Returns the full
// span tree with existing metrics; never computes.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := h.engine.GetTrace(r.Context(), r.PathValue("trace_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// HandleComputeTraceMetrics handles POST /api/v1/traces/{trace_id}/compute_metrics.
func (h *Handlers) HandleComputeTraceMetrics(w http.ResponseWriter, r *http.Request) {
	trace, err := h.engine.ComputeTraceMetrics(r.Context(), r.PathValue("trace_id"), h.computer)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// HandleListSpans handles GET /api/v1/spans.
func (h *Handlers) HandleListSpans(w http.ResponseWriter, r *http.Request) {
	q, err := parseTraceQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.engine.ListSpans(r.Context(), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetSpan handles GET /api/v1/spans/{span_id}.
func (h *Handlers) HandleGetSpan(w http.ResponseWriter, r *http.Request) {
	span, err := h.engine.GetSpan(r.Context(), r.PathValue("span_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, span)
}

// HandleComputeSpanMetrics handles POST /api/v1/spans/{span_id}/compute_metrics.
func (h *Handlers) HandleComputeSpanMetrics(w http.ResponseWriter, r *http.Request) {
	span, err := h.engine.ComputeSpanMetrics(r.Context(), r.PathValue("span_id"), h.computer)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, span)
}

// HandleListSessions handles GET /api/v1/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	q, err := parseTraceQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.engine.ListSessions(r.Context(), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleGetSession handles GET /api/v1/sessions/{session_id}. Returns the
// session's traces, newest first.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	traces, err := h.engine.GetSessionTraces(r.Context(), r.PathValue("session_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

// HandleComputeSessionMetrics handles POST /api/v1/sessions/{session_id}/compute_metrics.
func (h *Handlers) HandleComputeSessionMetrics(w http.ResponseWriter, r *http.Request) {
	traces, err := h.engine.ComputeSessionMetrics(r.Context(), r.PathValue("session_id"), h.computer)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

// HandleListUsers handles GET /api/v1/users.
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	q, err := parseTraceQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.engine.ListUsers(r.Context(), q)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleUserSessions handles GET /api/v1/users/{user_id}/sessions.
func (h *Handlers) HandleUserSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.engine.GetUserSessions(r.Context(), r.PathValue("user_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// HandleUserTraces handles GET /api/v1/users/{user_id}/traces.
func (h *Handlers) HandleUserTraces(w http.ResponseWriter, r *http.Request) {
	traces, err := h.engine.GetUserTraces(r.Context(), r.PathValue("user_id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, traces)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Database: dbStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}
