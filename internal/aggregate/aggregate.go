// Package aggregate maintains the derived per-trace metadata row. It turns
// a batch of normalized spans into per-trace proposed updates; the storage
// layer merges them with commutative min/max/sum and first-writer-wins
// rules, so the final row is independent of batch arrival order.
package aggregate

import (
	"log/slog"
	"time"

	"github.com/miru-ai/miru/internal/model"
)

// TraceUpdate is the proposed trace_metadata change derived from one
// batch's spans for one trace.
type TraceUpdate struct {
	TraceID    string
	TaskID     string
	StartTime  time.Time // min start across the batch's spans
	EndTime    time.Time // max end across the batch's spans
	CountDelta int

	// First non-null values in wire order. The store only applies them
	// when the existing row's column is still null.
	SessionID     *string
	UserID        *string
	InputContent  *string
	OutputContent *string
}

// Aggregator folds batches of spans into per-trace updates.
type Aggregator struct {
	logger *slog.Logger
}

// New creates an Aggregator.
func New(logger *slog.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// BuildTraceUpdates groups spans by trace id, preserving wire order within
// each trace, and computes one proposed update per trace. The result is
// ordered by each trace's first appearance in the batch, so repeated runs
// over the same batch produce identical output.
func (a *Aggregator) BuildTraceUpdates(spans []*model.Span) []TraceUpdate {
	byTrace := make(map[string]*TraceUpdate)
	var order []string

	for _, s := range spans {
		upd, ok := byTrace[s.TraceID]
		if !ok {
			upd = &TraceUpdate{
				TraceID:   s.TraceID,
				TaskID:    s.TaskID,
				StartTime: s.StartTime,
				EndTime:   s.EndTime,
			}
			byTrace[s.TraceID] = upd
			order = append(order, s.TraceID)
		}

		upd.CountDelta++
		if s.StartTime.Before(upd.StartTime) {
			upd.StartTime = s.StartTime
		}
		if s.EndTime.After(upd.EndTime) {
			upd.EndTime = s.EndTime
		}

		// task_id is write-once per trace; a conflicting value inside one
		// batch keeps the first and warns.
		if upd.TaskID == "" {
			upd.TaskID = s.TaskID
		} else if s.TaskID != "" && s.TaskID != upd.TaskID {
			a.logger.Warn("aggregate: conflicting task id within batch, keeping first",
				"trace_id", s.TraceID, "existing", upd.TaskID, "conflicting", s.TaskID)
		}

		if upd.SessionID == nil && s.SessionID != nil && *s.SessionID != "" {
			upd.SessionID = s.SessionID
		}
		if upd.UserID == nil && s.UserID != nil && *s.UserID != "" {
			upd.UserID = s.UserID
		}
		if upd.InputContent == nil {
			if in := inputContent(s); in != "" {
				upd.InputContent = &in
			}
		}
		if upd.OutputContent == nil {
			if out := outputContent(s); out != "" {
				upd.OutputContent = &out
			}
		}
	}

	out := make([]TraceUpdate, 0, len(order))
	for _, id := range order {
		out = append(out, *byTrace[id])
	}
	return out
}

// inputContent pulls the ingestion-time extracted input string stashed on
// the normalized span.
func inputContent(s *model.Span) string {
	v, _ := s.RawData["input_content"].(string)
	return v
}

func outputContent(s *model.Span) string {
	v, _ := s.RawData["output_content"].(string)
	return v
}
