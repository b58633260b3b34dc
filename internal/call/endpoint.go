package call

import "context"

// Endpoint is the signaling and media stack a Session drives. One Endpoint
// serves one line and carries at most one call at a time.
type Endpoint interface {
	// Bind registers the session that receives this endpoint's events.
	Bind(events Events)

	// Call places an outbound call and returns once it is answered. A
	// rejected call returns a *FailureError; ctx bounds call setup only
	// and does not limit the answered call.
	Call(ctx context.Context, number string) error

	// Accept arms the endpoint to answer the next inbound call after the
	// given number of rings. Events.HandleIncoming fires once answered.
	Accept(rings int) error

	// StopAccepting withdraws a previous Accept.
	StopAccepting()

	// Hangup ends the current call. It is a no-op when there is none.
	Hangup(ctx context.Context) error

	// CallID returns the signaling identifier of the current call.
	CallID() string

	// Close releases everything the endpoint holds.
	Close() error
}

// Events is implemented by Session. The endpoint calls these from its own
// goroutines.
type Events interface {
	HandleDTMF(digit byte)
	HandleAudio(payloadType uint8, payload []byte)
	HandleHangup()

	// HandleIncoming reports an answered inbound call. A false return
	// means nobody is waiting for it and the endpoint should hang up.
	HandleIncoming(call IncomingCall) bool
}

// IncomingCall describes an answered inbound call.
type IncomingCall struct {
	CallID string
	From   string
	To     string
}
