package sip

import (
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// PendingCall is an inbound call that a line has claimed and is letting
// ring, but has not answered yet.
type PendingCall struct {
	// CallID is the SIP Call-ID for this pending call.
	CallID string

	// Line is the line that claimed the call.
	Line int

	// Req is the caller's INVITE.
	Req *sip.Request

	// Tx is the INVITE server transaction, used to send the final response.
	Tx sip.ServerTransaction

	cancelled chan struct{}
}

func newPendingCall(callID string, line int, req *sip.Request, tx sip.ServerTransaction) *PendingCall {
	return &PendingCall{
		CallID:    callID,
		Line:      line,
		Req:       req,
		Tx:        tx,
		cancelled: make(chan struct{}),
	}
}

// Cancelled is closed when the caller cancels the call.
func (pc *PendingCall) Cancelled() <-chan struct{} {
	return pc.cancelled
}

// PendingCallManager tracks inbound calls between claim and answer so the
// CANCEL handler can find and abort them. Whoever removes a call owns its
// final response: the answering line sends 2xx, the CANCEL handler 487.
type PendingCallManager struct {
	mu      sync.RWMutex
	pending map[string]*PendingCall // keyed by Call-ID
	logger  *slog.Logger
}

// NewPendingCallManager creates a new pending call tracker.
func NewPendingCallManager(logger *slog.Logger) *PendingCallManager {
	return &PendingCallManager{
		pending: make(map[string]*PendingCall),
		logger:  logger.With("subsystem", "pending-calls"),
	}
}

// Add registers a pending call. It returns false if the Call-ID is already
// pending (a retransmitted INVITE).
func (pm *PendingCallManager) Add(pc *PendingCall) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, ok := pm.pending[pc.CallID]; ok {
		return false
	}
	pm.pending[pc.CallID] = pc
	pm.logger.Debug("pending call added",
		"call_id", pc.CallID,
		"line", pc.Line,
	)
	return true
}

// Remove removes a pending call and returns it, or nil if it is not
// pending (already answered or cancelled).
func (pm *PendingCallManager) Remove(callID string) *PendingCall {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pc, ok := pm.pending[callID]
	if !ok {
		return nil
	}
	delete(pm.pending, callID)
	pm.logger.Debug("pending call removed", "call_id", callID)
	return pc
}

// Get retrieves a pending call by Call-ID without removing it.
func (pm *PendingCallManager) Get(callID string) *PendingCall {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.pending[callID]
}

// PendingCallCount returns the number of currently ringing calls.
func (pm *PendingCallManager) PendingCallCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.pending)
}

// Cancel aborts a pending call: the line waiting on it is woken and the
// caller's INVITE gets 487 Request Terminated. It returns true if the
// call was found.
func (pm *PendingCallManager) Cancel(callID string) bool {
	pc := pm.Remove(callID)
	if pc == nil {
		return false
	}
	close(pc.cancelled)

	if pc.Tx == nil {
		return true
	}
	terminated := sip.NewResponseFromRequest(pc.Req, 487, "Request Terminated", nil)
	if err := pc.Tx.Respond(terminated); err != nil {
		pm.logger.Error("failed to send 487 to caller on cancel",
			"call_id", callID,
			"error", err,
		)
	} else {
		pm.logger.Info("sent 487 request terminated to caller",
			"call_id", callID,
			"line", pc.Line,
		)
	}
	return true
}
