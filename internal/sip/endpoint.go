package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/ivrkit/ivrkit/internal/call"
	"github.com/ivrkit/ivrkit/internal/media"
)

// endpointHangupTimeout bounds the BYE sent when a line closes or refuses
// an answered call.
const endpointHangupTimeout = 5 * time.Second

// ErrEndpointClosed is returned by operations on a closed endpoint.
var ErrEndpointClosed = errors.New("sip endpoint closed")

// Endpoint is one line's view of the Agent: it places, answers and hangs
// up one call at a time and feeds the call's DTMF, audio and hangup to
// the bound call.Events.
type Endpoint struct {
	agent  *Agent
	line   int
	logger *slog.Logger

	mu     sync.Mutex
	events call.Events
	dialog *Dialog
	pair   *media.SocketPair
	rtp    *media.RTPReceiver
	callID string // last call's Call-ID, kept after hangup
	setup  bool   // an outbound or inbound call is being set up
	closed bool
}

var _ call.Endpoint = (*Endpoint)(nil)

// NewEndpoint creates the endpoint for a line.
func (a *Agent) NewEndpoint(line int) *Endpoint {
	return &Endpoint{
		agent:  a,
		line:   line,
		logger: a.logger.With("line", line),
		events: nopEvents{},
	}
}

// Bind implements call.Endpoint.
func (e *Endpoint) Bind(events call.Events) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if events == nil {
		events = nopEvents{}
	}
	e.events = events
}

// CallID implements call.Endpoint.
func (e *Endpoint) CallID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callID
}

// reserve marks the endpoint as setting up a call.
func (e *Endpoint) reserve() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	if e.setup || e.dialog != nil {
		return call.ErrLineBusy
	}
	e.setup = true
	return nil
}

func (e *Endpoint) unreserve() {
	e.mu.Lock()
	e.setup = false
	e.mu.Unlock()
}

// Call implements call.Endpoint. Dials are paced by the agent's dial rate
// and give up after the dial timeout with context.DeadlineExceeded.
func (e *Endpoint) Call(ctx context.Context, number string) error {
	if err := e.reserve(); err != nil {
		return err
	}
	defer e.unreserve()

	a := e.agent
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for dial slot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.dialTimeout)
	defer cancel()

	pair, err := a.ports.Allocate()
	if err != nil {
		return fmt.Errorf("allocating rtp ports: %w", err)
	}

	offer, err := media.NewMediaOffer(a.mediaIP, pair.Ports.RTP, rand.Uint64()>>1).Marshal()
	if err != nil {
		a.ports.Release(pair)
		return fmt.Errorf("building sdp offer: %w", err)
	}

	req, err := a.newInvite(number, offer)
	if err != nil {
		a.ports.Release(pair)
		return err
	}
	callID := req.CallID().Value()
	e.mu.Lock()
	e.callID = callID
	e.mu.Unlock()

	e.logger.Info("sending invite", "call_id", callID, "recipient", req.Recipient.String())

	res, err := a.ringOut(ctx, req)
	if err == nil && (res.StatusCode == 401 || res.StatusCode == 407) && a.username != "" {
		var authReq *sip.Request
		authReq, err = authorize(req, res, a.username, a.password)
		if err == nil {
			e.logger.Debug("re-sending invite with auth", "call_id", callID)
			req = authReq
			res, err = a.ringOut(ctx, req, sipgo.ClientRequestIncreaseCSEQ, sipgo.ClientRequestAddVia)
		}
	}
	if err != nil {
		a.ports.Release(pair)
		if ctx.Err() != nil {
			return fmt.Errorf("call setup abandoned: %w", ctx.Err())
		}
		return err
	}
	if res.StatusCode >= 300 {
		a.ports.Release(pair)
		return &call.FailureError{StatusCode: res.StatusCode, Reason: res.Reason}
	}

	if err := a.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		e.logger.Error("failed to send ack", "call_id", callID, "error", err)
	}

	d := newOutboundDialog(req, res)
	d.LocalSDP = offer
	d.RemoteNumber = number

	remote, err := media.ParseRemoteMedia(res.Body())
	if err != nil {
		a.ports.Release(pair)
		byeCtx, byeCancel := context.WithTimeout(context.Background(), endpointHangupTimeout)
		defer byeCancel()
		if byeErr := a.sendBye(byeCtx, d.buildBye()); byeErr != nil {
			e.logger.Warn("failed to hang up call with unusable answer", "call_id", callID, "error", byeErr)
		}
		return fmt.Errorf("answer from %s: %w", number, err)
	}

	e.establish(d, pair, remote)
	e.logger.Info("call answered", "call_id", callID, "remote_media", remote.Addr.String())
	return nil
}

// establish records an answered call and starts its media.
func (e *Endpoint) establish(d *Dialog, pair *media.SocketPair, remote *media.RemoteMedia) {
	e.mu.Lock()
	rtp := media.NewRTPReceiver(pair, remote.Addr, e.events, e.logger)
	if remote.TelephoneEvent != 0 {
		rtp.SetTelephoneEvent(remote.TelephoneEvent)
	}
	e.dialog = d
	e.pair = pair
	e.rtp = rtp
	e.callID = d.CallID
	e.mu.Unlock()

	e.agent.track(d.CallID, e)
	rtp.Start()
}

// release detaches the current call and frees its media. It returns the
// dialog that was up, or nil.
func (e *Endpoint) release() *Dialog {
	e.mu.Lock()
	d, rtp, pair := e.dialog, e.rtp, e.pair
	e.dialog, e.rtp, e.pair = nil, nil, nil
	e.mu.Unlock()

	if d == nil {
		return nil
	}
	if rtp != nil {
		rtp.Stop()
		stats := rtp.Stats()
		e.logger.Debug("rtp stopped",
			"call_id", d.CallID,
			"packets", stats.Packets,
			"digits", stats.Digits,
		)
		e.agent.addRTPStats(stats)
	}
	e.agent.ports.Release(pair)
	e.agent.untrack(d.CallID)
	return d
}

func (e *Endpoint) rtpStats() media.RTPStats {
	e.mu.Lock()
	rtp := e.rtp
	e.mu.Unlock()
	if rtp == nil {
		return media.RTPStats{}
	}
	return rtp.Stats()
}

// Hangup implements call.Endpoint.
func (e *Endpoint) Hangup(ctx context.Context) error {
	d := e.release()
	if d == nil {
		return nil
	}

	e.mu.Lock()
	bye := d.buildBye()
	e.mu.Unlock()

	e.logger.Info("sending bye", "call_id", d.CallID)
	if err := e.agent.sendBye(ctx, bye); err != nil {
		return fmt.Errorf("hanging up %s: %w", d.CallID, err)
	}
	return nil
}

// remoteHangup ends the call after the far end sent BYE.
func (e *Endpoint) remoteHangup(callID string) {
	e.mu.Lock()
	current := e.dialog != nil && e.dialog.CallID == callID
	events := e.events
	e.mu.Unlock()
	if !current {
		return
	}

	if e.release() == nil {
		return
	}
	e.logger.Info("remote hangup", "call_id", callID)
	events.HandleHangup()
}

// dtmf delivers a SIP INFO keypress.
func (e *Endpoint) dtmf(digit byte) {
	e.mu.Lock()
	events := e.events
	e.mu.Unlock()
	events.HandleDTMF(digit)
}

// Accept implements call.Endpoint.
func (e *Endpoint) Accept(rings int) error {
	if rings < 1 {
		return fmt.Errorf("%w: rings must be at least 1, got %d", call.ErrInvalidUsage, rings)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	if e.setup || e.dialog != nil {
		return call.ErrLineBusy
	}
	e.agent.accepting.arm(e.line, e, rings)
	e.logger.Debug("accepting calls", "rings", rings)
	return nil
}

// StopAccepting implements call.Endpoint.
func (e *Endpoint) StopAccepting() {
	e.agent.accepting.disarm(e.line)
}

// answer rings a claimed inbound call for the requested number of rings,
// then answers it and hands it to the bound events. It runs on the
// INVITE handler's goroutine and owns the INVITE's final response.
func (e *Endpoint) answer(entry *acceptEntry, req *sip.Request, tx sip.ServerTransaction) {
	a := e.agent
	defer a.accepting.done(entry)

	callID := req.CallID().Value()
	if err := e.reserve(); err != nil {
		e.logger.Warn("claimed line cannot take the call", "call_id", callID, "error", err)
		a.respond(req, tx, 486, "Busy Here")
		return
	}
	defer e.unreserve()

	pc := newPendingCall(callID, e.line, req, tx)
	if !a.pending.Add(pc) {
		return
	}

	toTag := newTag()
	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	setToTag(ringing, toTag)
	if err := tx.Respond(ringing); err != nil {
		e.logger.Error("failed to send 180 ringing", "call_id", callID, "error", err)
	}

	if entry.rings > 1 {
		timer := time.NewTimer(time.Duration(entry.rings-1) * a.ringInterval)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-pc.Cancelled():
			e.logger.Info("caller cancelled before answer", "call_id", callID)
			return
		case <-tx.Done():
			a.pending.Remove(callID)
			e.logger.Info("inbound transaction ended before answer", "call_id", callID)
			return
		case <-entry.stop:
			if a.pending.Remove(callID) != nil {
				a.respond(req, tx, 480, "Temporarily Unavailable")
			}
			e.logger.Info("line stopped accepting while ringing", "call_id", callID)
			return
		}
	}

	// Removing the pending call claims the right to send the final response.
	if a.pending.Remove(callID) == nil {
		return
	}
	select {
	case <-entry.stop:
		a.respond(req, tx, 480, "Temporarily Unavailable")
		return
	default:
	}

	remote, err := media.ParseRemoteMedia(req.Body())
	if err != nil {
		e.logger.Warn("unusable inbound offer", "call_id", callID, "error", err)
		a.respond(req, tx, 488, "Not Acceptable Here")
		return
	}

	pair, err := a.ports.Allocate()
	if err != nil {
		e.logger.Error("allocating rtp ports", "call_id", callID, "error", err)
		a.respond(req, tx, 503, "Service Unavailable")
		return
	}

	answer, err := remote.Answer(a.mediaIP, pair.Ports.RTP, rand.Uint64()>>1).Marshal()
	if err != nil {
		a.ports.Release(pair)
		e.logger.Error("building sdp answer", "call_id", callID, "error", err)
		a.respond(req, tx, 500, "Server Internal Error")
		return
	}

	ok := sip.NewResponseFromRequest(req, 200, "OK", answer)
	setToTag(ok, toTag)
	contentType := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&contentType)
	if contact, err := a.contactURI(); err == nil {
		ok.AppendHeader(&sip.ContactHeader{Address: contact})
	}
	if err := tx.Respond(ok); err != nil {
		a.ports.Release(pair)
		e.logger.Error("failed to send 200 ok", "call_id", callID, "error", err)
		return
	}

	d := newInboundDialog(req, ok)
	d.LocalSDP = answer
	e.establish(d, pair, remote)

	e.mu.Lock()
	events := e.events
	e.mu.Unlock()

	to := ""
	if h := req.To(); h != nil {
		to = h.Address.User
	}
	if !events.HandleIncoming(call.IncomingCall{CallID: callID, From: d.RemoteNumber, To: to}) {
		ctx, cancel := context.WithTimeout(context.Background(), endpointHangupTimeout)
		defer cancel()
		if err := e.Hangup(ctx); err != nil {
			e.logger.Warn("failed to hang up unwanted call", "call_id", callID, "error", err)
		}
	}
}

// handleReinvite answers a session refresh with the session we already
// offered.
func (e *Endpoint) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	var sdp []byte
	if e.dialog != nil {
		sdp = e.dialog.LocalSDP
	}
	e.mu.Unlock()

	if sdp == nil {
		e.agent.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", sdp)
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	if contact, err := e.agent.contactURI(); err == nil {
		res.AppendHeader(&sip.ContactHeader{Address: contact})
	}
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to answer re-invite", "error", err)
	}
}

// Close implements call.Endpoint.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), endpointHangupTimeout)
	defer cancel()
	return e.Hangup(ctx)
}

// setToTag sets the To tag of a response to an initial INVITE. The 180 and
// the 2xx must carry the same tag.
func setToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", tag)
}

// nopEvents drops everything until a session binds.
type nopEvents struct{}

func (nopEvents) HandleDTMF(byte) {}
func (nopEvents) HandleAudio(uint8, []byte) {}
func (nopEvents) HandleHangup() {}
func (nopEvents) HandleIncoming(call.IncomingCall) bool { return false }
