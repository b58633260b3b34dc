package models

import "time"

// Call directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// CallRecord is one call handled by a line: an outbound Dial attempt or an
// answered inbound call.
type CallRecord struct {
	ID          int64
	CallID      string // session-generated identifier
	SIPCallID   string
	Line        int
	Direction   string
	Number      string
	Outcome     string
	StatusCode  int
	SpeechMs    int64 // measured greeting length when detection ran
	StartTime   time.Time
	AnswerTime  *time.Time
	EndTime     *time.Time
	HangupCause string
}

// OutcomeCount is the number of calls that ended with one outcome.
type OutcomeCount struct {
	Outcome string
	Count   int64
}
