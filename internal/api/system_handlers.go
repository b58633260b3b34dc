package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ivrkit/ivrkit/internal/sip"
)

// statusResponse is the shape returned by GET /status.
type statusResponse struct {
	Registration *sip.RegistrationState `json:"registration,omitempty"`
	Lines        lineStatsResponse      `json:"lines"`
	SIP          *sipStatsResponse      `json:"sip,omitempty"`
	Uptime       uptimeResponse         `json:"uptime"`
}

type lineStatsResponse struct {
	Total       int            `json:"total"`
	ActiveCalls int            `json:"active_calls"`
	ByStatus    map[string]int `json:"by_status"`
}

type sipStatsResponse struct {
	EstablishedCalls int    `json:"established_calls"`
	RingingInbound   int    `json:"ringing_inbound"`
	TraceLevel       string `json:"trace_level"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

type traceRequest struct {
	Level string `json:"level"`
}

// handleStatus returns line counts, SIP registration and uptime.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lines := s.lines.Lines()
	stats := lineStatsResponse{
		Total:    len(lines),
		ByStatus: make(map[string]int),
	}
	for _, l := range lines {
		if l.CallActive() {
			stats.ActiveCalls++
		}
		stats.ByStatus[l.Status().String()]++
	}

	resp := statusResponse{Lines: stats}
	if s.signaling != nil {
		reg := s.signaling.Registration()
		resp.Registration = &reg
		resp.SIP = &sipStatsResponse{
			EstablishedCalls: s.signaling.ActiveCalls(),
			RingingInbound:   s.signaling.PendingCalls(),
			TraceLevel:       s.signaling.TraceLevel().String(),
		}
	}

	uptime := time.Since(s.startTime)
	resp.Uptime = uptimeResponse{
		StartedAt:  s.startTime.Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSetTrace changes SIP message tracing at runtime.
func (s *Server) handleSetTrace(w http.ResponseWriter, r *http.Request) {
	if s.signaling == nil {
		writeError(w, http.StatusServiceUnavailable, "sip agent is not running")
		return
	}

	var req traceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	level := sip.ParseTraceLevel(req.Level)
	if level.String() != req.Level {
		writeError(w, http.StatusBadRequest, "level must be \"off\", \"headers\", or \"full\"")
		return
	}

	s.signaling.SetTraceLevel(level)
	writeJSON(w, http.StatusOK, map[string]string{"level": level.String()})
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

