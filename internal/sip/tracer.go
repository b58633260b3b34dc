package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int32

const (
	// TraceOff disables SIP message tracing.
	TraceOff TraceLevel = iota
	// TraceHeaders logs only the start line and headers (no SDP body).
	TraceHeaders
	// TraceFull logs the complete raw SIP message including SDP body.
	TraceFull
)

// ParseTraceLevel converts the sip-trace setting to a TraceLevel. Unknown
// values turn tracing off.
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (v TraceLevel) String() string {
	switch v {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer implements the sipgo sip.SIPTracer interface and logs raw
// SIP messages at debug level.
type MessageTracer struct {
	logger *slog.Logger
	level  atomic.Int32
}

// NewMessageTracer creates a new SIP message tracer.
func NewMessageTracer(logger *slog.Logger, level TraceLevel) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "tracer"),
	}
	t.level.Store(int32(level))
	return t
}

// SetLevel updates the tracing level at runtime.
func (t *MessageTracer) SetLevel(v TraceLevel) {
	t.level.Store(int32(v))
	t.logger.Info("sip message tracing changed", "level", v.String())
}

// Level returns the current tracing level.
func (t *MessageTracer) Level() TraceLevel {
	return TraceLevel(t.level.Load())
}

// SIPTraceRead is called by sipgo when raw SIP bytes are read from the network.
func (t *MessageTracer) SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("recv", transport, laddr, raddr, sipmsg)
}

// SIPTraceWrite is called by sipgo when raw SIP bytes are written to the network.
func (t *MessageTracer) SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("send", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(direction, transport, laddr, raddr string, sipmsg []byte) {
	v := t.Level()
	if v == TraceOff {
		return
	}

	t.logger.Debug("sip "+direction,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"start_line", startLine(sipmsg),
		"call_id", headerValue(sipmsg, "call-id", "i"),
		"message", formatMessage(sipmsg, v),
	)
}

// formatMessage applies the trace level to the raw SIP message bytes.
func formatMessage(sipmsg []byte, v TraceLevel) string {
	if v == TraceFull {
		return string(sipmsg)
	}

	// Headers only: strip everything after the blank line.
	idx := bytes.Index(sipmsg, []byte("\r\n\r\n"))
	if idx >= 0 {
		return string(sipmsg[:idx])
	}
	return string(sipmsg)
}

// startLine returns the request or status line of a raw message.
func startLine(sipmsg []byte) string {
	line, _, _ := bytes.Cut(sipmsg, []byte("\r\n"))
	return string(line)
}

// headerValue returns the first header in a raw message whose name matches
// name or its compact form, case-insensitively.
func headerValue(sipmsg []byte, name, compact string) string {
	head, _, _ := bytes.Cut(sipmsg, []byte("\r\n\r\n"))
	lines := strings.Split(string(head), "\r\n")
	for _, line := range lines[1:] {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if strings.EqualFold(key, name) || strings.EqualFold(key, compact) {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
