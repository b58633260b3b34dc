package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ivrkit/ivrkit/internal/call"
)

// lineResponse is the JSON shape of one line.
type lineResponse struct {
	Line           int    `json:"line"`
	Status         string `json:"status"`
	CallActive     bool   `json:"call_active"`
	LastTerminator string `json:"last_terminator"`
	Volume         int    `json:"volume"`
}

func toLineResponse(s *call.Session) lineResponse {
	return lineResponse{
		Line:           s.LineNumber(),
		Status:         s.Status().String(),
		CallActive:     s.CallActive(),
		LastTerminator: s.LastTerminator(),
		Volume:         s.Volume(),
	}
}

type dialRequest struct {
	Number             string `json:"number"`
	AnsweringMachineMs int    `json:"answering_machine_ms"`
}

type dialResponse struct {
	Line     int    `json:"line"`
	Outcome  string `json:"outcome"`
	Answered bool   `json:"answered"`
}

// handleListLines returns every line with its status.
func (s *Server) handleListLines(w http.ResponseWriter, r *http.Request) {
	lines := s.lines.Lines()
	out := make([]lineResponse, 0, len(lines))
	for _, l := range lines {
		out = append(out, toLineResponse(l))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetLine returns one line.
func (s *Server) handleGetLine(w http.ResponseWriter, r *http.Request) {
	line, ok := s.lookupLine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toLineResponse(line))
}

// handleDial places a call on a line and waits for the outcome. A client
// that disconnects abandons the call if it is still being set up.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	line, ok := s.lookupLine(w, r)
	if !ok {
		return
	}

	var req dialRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateNumber("number", req.Number); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.AnsweringMachineMs < 0 {
		writeError(w, http.StatusBadRequest, "answering_machine_ms must not be negative")
		return
	}

	outcome, err := line.DialAsync(r.Context(), req.Number, req.AnsweringMachineMs).Get()
	if err != nil {
		s.writeLineError(w, line.LineNumber(), err)
		return
	}
	writeJSON(w, http.StatusOK, dialResponse{
		Line:     line.LineNumber(),
		Outcome:  outcome.String(),
		Answered: outcome.Answered(),
	})
}

// handleHangup ends the call on a line, or abandons a dial in progress.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	line, ok := s.lookupLine(w, r)
	if !ok {
		return
	}
	if err := line.Hangup(); err != nil {
		s.logger.Warn("hangup failed", "line", line.LineNumber(), "error", err)
	}
	writeJSON(w, http.StatusOK, toLineResponse(line))
}

func (s *Server) lookupLine(w http.ResponseWriter, r *http.Request) (*call.Session, bool) {
	n, errMsg := lineParam(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return nil, false
	}
	line, err := s.lines.Line(n)
	if err != nil {
		s.writeLineError(w, n, err)
		return nil, false
	}
	return line, true
}

// writeLineError maps the line error taxonomy to HTTP statuses.
func (s *Server) writeLineError(w http.ResponseWriter, line int, err error) {
	switch {
	case errors.Is(err, call.ErrInvalidUsage):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, call.ErrLineBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, call.ErrDisposing), errors.Is(err, call.ErrDisposed),
		errors.Is(err, call.ErrHangup):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		s.logger.Error("line operation failed", "line", line, "error", err)
		writeError(w, http.StatusInternalServerError, "line operation failed")
	}
}
