package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ivrkit/ivrkit/internal/database"
	"github.com/ivrkit/ivrkit/internal/database/models"
)

// callRecordResponse is the JSON response for a single call record.
type callRecordResponse struct {
	ID          int64   `json:"id"`
	CallID      string  `json:"call_id"`
	SIPCallID   string  `json:"sip_call_id,omitempty"`
	Line        int     `json:"line"`
	Direction   string  `json:"direction"`
	Number      string  `json:"number"`
	Outcome     string  `json:"outcome"`
	StatusCode  int     `json:"status_code,omitempty"`
	SpeechMs    int64   `json:"speech_ms,omitempty"`
	StartTime   string  `json:"start_time"`
	AnswerTime  *string `json:"answer_time"`
	EndTime     *string `json:"end_time"`
	HangupCause string  `json:"hangup_cause,omitempty"`
}

func toCallRecordResponse(c *models.CallRecord) callRecordResponse {
	resp := callRecordResponse{
		ID:          c.ID,
		CallID:      c.CallID,
		SIPCallID:   c.SIPCallID,
		Line:        c.Line,
		Direction:   c.Direction,
		Number:      c.Number,
		Outcome:     c.Outcome,
		StatusCode:  c.StatusCode,
		SpeechMs:    c.SpeechMs,
		StartTime:   c.StartTime.Format(time.RFC3339),
		HangupCause: c.HangupCause,
	}
	if c.AnswerTime != nil {
		s := c.AnswerTime.Format(time.RFC3339)
		resp.AnswerTime = &s
	}
	if c.EndTime != nil {
		s := c.EndTime.Format(time.RFC3339)
		resp.EndTime = &s
	}
	return resp
}

// handleListCalls returns call records with pagination and optional filters.
// Query params: limit, offset, line, direction, outcome, number.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, "call records are not available")
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.CallRecordFilter{
		Limit:     pg.Limit,
		Offset:    pg.Offset,
		Direction: q.Get("direction"),
		Outcome:   q.Get("outcome"),
		Number:    q.Get("number"),
	}
	if filter.Direction != "" && filter.Direction != models.DirectionInbound && filter.Direction != models.DirectionOutbound {
		writeError(w, http.StatusBadRequest, "direction must be \"inbound\" or \"outbound\"")
		return
	}
	if v := q.Get("line"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "line must be a positive integer")
			return
		}
		filter.Line = n
	}

	recs, total, err := s.records.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list call records", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call records")
		return
	}

	items := make([]callRecordResponse, 0, len(recs))
	for i := range recs {
		items = append(items, toCallRecordResponse(&recs[i]))
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCall returns one call record by its call ID.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, "call records are not available")
		return
	}

	rec, err := s.records.GetByCallID(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		s.logger.Error("failed to get call record", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get call record")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "call record not found")
		return
	}
	writeJSON(w, http.StatusOK, toCallRecordResponse(rec))
}
