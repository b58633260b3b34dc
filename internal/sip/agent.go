package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/ivrkit/ivrkit/internal/call"
	"github.com/ivrkit/ivrkit/internal/config"
	"github.com/ivrkit/ivrkit/internal/media"
	"golang.org/x/time/rate"
)

const (
	// cancelTimeout bounds waiting for the final response after a CANCEL.
	cancelTimeout = 4 * time.Second

	// unregisterTimeout bounds the REGISTER with expiry 0 sent on Stop.
	unregisterTimeout = 5 * time.Second

	allowedMethods = "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"
)

// Agent is the SIP user agent every line shares. It owns the listener, the
// client transactions and the registration, and routes in-dialog requests
// to the line that holds the call.
type Agent struct {
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	ports     *media.PortPool
	limiter   *rate.Limiter
	pending   *PendingCallManager
	accepting *acceptQueue
	registrar *registrar // nil when registration is disabled
	tracer    *MessageTracer
	acl       *SourceACL

	listenAddr   string
	transport    string
	mediaIP      string
	contactHost  string
	serverHost   string
	serverPort   int
	username     string
	password     string
	dialTimeout  time.Duration
	ringInterval time.Duration

	mu      sync.Mutex
	calls   map[string]*Endpoint // established calls by Call-ID
	rtpDone media.RTPStats       // totals of released calls

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewAgent creates the SIP stack with all handlers registered. Lines are
// added with NewEndpoint; nothing listens until Start.
func NewAgent(cfg *config.Config, ports *media.PortPool, logger *slog.Logger) (*Agent, error) {
	logger = logger.With("component", "sip")

	serverHost, serverPort, err := cfg.SIPServerAddr()
	if err != nil {
		return nil, err
	}
	acl, err := ParseSourceACL(cfg.SIPAllowedSources)
	if err != nil {
		return nil, err
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("ivrkit"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	mediaIP := cfg.MediaIP()
	a := &Agent{
		ua:           ua,
		srv:          srv,
		client:       client,
		ports:        ports,
		limiter:      rate.NewLimiter(rate.Limit(cfg.DialRate), 1),
		pending:      NewPendingCallManager(logger),
		accepting:    newAcceptQueue(),
		tracer:       NewMessageTracer(logger, ParseTraceLevel(cfg.SIPTrace)),
		acl:          acl,
		listenAddr:   net.JoinHostPort(cfg.SIPBind, strconv.Itoa(cfg.SIPPort)),
		transport:    cfg.SIPTransport,
		mediaIP:      mediaIP,
		contactHost:  net.JoinHostPort(mediaIP, strconv.Itoa(cfg.SIPPort)),
		serverHost:   serverHost,
		serverPort:   serverPort,
		username:     cfg.SIPUsername,
		password:     cfg.SIPPassword,
		dialTimeout:  cfg.DialTimeout,
		ringInterval: cfg.RingInterval,
		calls:        make(map[string]*Endpoint),
		logger:       logger,
	}

	if serverHost != "" && cfg.SIPUsername != "" && cfg.SIPRegisterExpiry > 0 {
		a.registrar = newRegistrar(client, serverHost, serverPort, cfg.SIPTransport,
			cfg.SIPUsername, cfg.SIPPassword, a.contactHost, cfg.SIPRegisterExpiry, logger)
	}

	if a.tracer.Level() != TraceOff {
		a.installTracer()
	}

	a.registerHandlers()
	return a, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (a *Agent) registerHandlers() {
	a.srv.OnInvite(a.handleInvite)
	a.srv.OnAck(a.handleACK)
	a.srv.OnBye(a.handleBye)
	a.srv.OnCancel(a.handleCancel)
	a.srv.OnOptions(a.handleOptions)
	a.srv.OnInfo(a.handleInfo)
}

// Start begins listening and, when configured, registering. It returns
// once the listener goroutine is running.
func (a *Agent) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("sip listener starting", "transport", a.transport, "addr", a.listenAddr)
		if err := a.srv.ListenAndServe(ctx, a.transport, a.listenAddr); err != nil && ctx.Err() == nil {
			a.logger.Error("sip listener stopped", "error", err)
		}
	}()

	if a.registrar != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.registrar.run(ctx)
		}()
	}

	return nil
}

// Stop un-registers, shuts down the listener and waits for goroutines.
// Lines should be closed first.
func (a *Agent) Stop() {
	a.logger.Info("stopping sip agent")
	if a.registrar != nil {
		ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
		a.registrar.unregister(ctx)
		cancel()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.client.Close()
	a.srv.Close()
	a.ua.Close()
	a.logger.Info("sip agent stopped")
}

// Registration returns the registration state with the SIP server.
func (a *Agent) Registration() RegistrationState {
	if a.registrar == nil {
		return RegistrationState{Status: RegistrationDisabled}
	}
	return a.registrar.State()
}

// ActiveCalls returns the number of established calls.
func (a *Agent) ActiveCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// PendingCalls returns the number of inbound calls ringing on a line.
func (a *Agent) PendingCalls() int {
	return a.pending.PendingCallCount()
}

// RTPStats returns RTP counters summed over finished and established calls.
func (a *Agent) RTPStats() media.RTPStats {
	a.mu.Lock()
	total := a.rtpDone
	eps := make([]*Endpoint, 0, len(a.calls))
	for _, ep := range a.calls {
		eps = append(eps, ep)
	}
	a.mu.Unlock()

	for _, ep := range eps {
		st := ep.rtpStats()
		total.Packets += st.Packets
		total.Dropped += st.Dropped
		total.Digits += st.Digits
	}
	return total
}

func (a *Agent) addRTPStats(st media.RTPStats) {
	a.mu.Lock()
	a.rtpDone.Packets += st.Packets
	a.rtpDone.Dropped += st.Dropped
	a.rtpDone.Digits += st.Digits
	a.mu.Unlock()
}

// TraceLevel returns the current SIP message tracing level.
func (a *Agent) TraceLevel() TraceLevel {
	return a.tracer.Level()
}

// SetTraceLevel changes SIP message tracing at runtime.
func (a *Agent) SetTraceLevel(v TraceLevel) {
	a.tracer.SetLevel(v)
	a.installTracer()
}

// installTracer hooks the tracer into sipgo while tracing is on. sipgo's
// debug switch is process wide.
func (a *Agent) installTracer() {
	if a.tracer.Level() == TraceOff {
		sip.SIPDebug = false
		return
	}
	sip.SIPDebug = true
	sip.SIPDebugTracer(a.tracer)
}

func (a *Agent) track(callID string, ep *Endpoint) {
	a.mu.Lock()
	a.calls[callID] = ep
	a.mu.Unlock()
}

func (a *Agent) untrack(callID string) {
	a.mu.Lock()
	delete(a.calls, callID)
	a.mu.Unlock()
}

func (a *Agent) lookup(callID string) *Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[callID]
}

// targetURI builds the Request-URI for dialing number through the SIP
// server. A number that is already a SIP URI is used as is.
func (a *Agent) targetURI(number string) (string, error) {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, "sip:") || strings.HasPrefix(number, "sips:") {
		return number, nil
	}
	if a.serverHost == "" {
		return "", errors.New("no sip-server configured to dial a bare number")
	}
	uri := fmt.Sprintf("sip:%s@%s", number, net.JoinHostPort(a.serverHost, strconv.Itoa(a.serverPort)))
	return uri, nil
}

// contactURI is where the far end reaches us for in-dialog requests.
func (a *Agent) contactURI() (sip.Uri, error) {
	user := a.username
	if user == "" {
		user = "ivrkit"
	}
	contact := fmt.Sprintf("sip:%s@%s", user, a.contactHost)
	if a.transport == "tcp" {
		contact += ";transport=tcp"
	}
	var uri sip.Uri
	if err := sip.ParseUri(contact, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing contact uri: %w", err)
	}
	return uri, nil
}

// newInvite builds an outbound INVITE offering body.
func (a *Agent) newInvite(number string, body []byte) (*sip.Request, error) {
	target, err := a.targetURI(number)
	if err != nil {
		return nil, err
	}
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return nil, fmt.Errorf("parsing target uri %q: %w", target, err)
	}

	fromUser := a.username
	if fromUser == "" {
		fromUser = "ivrkit"
	}
	fromHost := a.serverHost
	if fromHost == "" {
		fromHost = a.mediaIP
	}
	var fromURI sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", fromUser, fromHost), &fromURI); err != nil {
		return nil, fmt.Errorf("parsing from uri: %w", err)
	}

	contactURI, err := a.contactURI()
	if err != nil {
		return nil, err
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(a.transport))

	from := &sip.FromHeader{Address: fromURI, Params: sip.NewParams()}
	from.Params.Add("tag", newTag())
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: *recipient.Clone(), Params: sip.NewParams()})

	callID := sip.CallIDHeader(newCallID(a.mediaIP))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: contactURI})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(body)

	return req, nil
}

// ringOut sends an INVITE and waits for its final response, absorbing
// provisional ones. When ctx ends first the INVITE is cancelled and
// ctx's error returned.
func (a *Agent) ringOut(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (*sip.Response, error) {
	if len(options) == 0 {
		options = []sipgo.ClientRequestOption{sipgo.ClientRequestBuild}
	}
	tx, err := a.client.TransactionRequest(ctx, req, options...)
	if err != nil {
		return nil, fmt.Errorf("sending invite: %w", err)
	}
	defer tx.Terminate()

	callID := req.CallID().Value()
	for {
		select {
		case <-ctx.Done():
			a.cancelInvite(req, tx)
			return nil, ctx.Err()
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil {
				a.logger.Info("invite transaction ended", "call_id", callID, "error", txErr)
			}
			return nil, &call.FailureError{Reason: "no response"}
		case res := <-tx.Responses():
			a.logger.Debug("invite response",
				"call_id", callID,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}

// cancelInvite sends CANCEL for a ringing INVITE and waits briefly for its
// final response. A 2xx that crossed the CANCEL is acknowledged and hung
// up at once.
func (a *Agent) cancelInvite(req *sip.Request, tx sip.ClientTransaction) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	callID := req.CallID().Value()
	cancelTx, err := a.client.TransactionRequest(ctx, buildCancel(req), sendAsBuilt)
	if err != nil {
		a.logger.Warn("failed to send cancel", "call_id", callID, "error", err)
		return
	}
	defer cancelTx.Terminate()

	for {
		select {
		case <-ctx.Done():
			a.logger.Warn("no final response after cancel", "call_id", callID)
			return
		case <-tx.Done():
			return
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode < 300 {
				a.logger.Info("call answered while cancelling, hanging up", "call_id", callID)
				if err := a.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
					a.logger.Error("failed to send ack", "call_id", callID, "error", err)
				}
				d := newOutboundDialog(req, res)
				if err := a.sendBye(ctx, d.buildBye()); err != nil {
					a.logger.Warn("failed to hang up crossed answer", "call_id", callID, "error", err)
				}
			}
			return
		}
	}
}

// sendBye sends an in-dialog BYE and waits for its response.
func (a *Agent) sendBye(ctx context.Context, bye *sip.Request) error {
	tx, err := a.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	res, err := getResponse(ctx, tx)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode >= 300 && res.StatusCode != 481 {
		return fmt.Errorf("bye rejected with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// sendAsBuilt sends a request exactly as constructed. CANCEL must reuse
// the INVITE's Via branch, which the default builder would replace.
func sendAsBuilt(c *sipgo.Client, req *sip.Request) error {
	return nil
}

// handleInvite claims a waiting line for a new inbound call, or answers a
// re-INVITE on an established one.
func (a *Agent) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	if ep := a.lookup(callID); ep != nil {
		ep.handleReinvite(req, tx)
		return
	}
	if a.pending.Get(callID) != nil {
		a.logger.Debug("invite for ringing call ignored", "call_id", callID)
		return
	}

	if !a.acl.Allowed(req.Source()) {
		a.logger.Warn("inbound call from disallowed source",
			"call_id", callID,
			"source", req.Source(),
		)
		a.respond(req, tx, 403, "Forbidden")
		return
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		a.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	entry := a.accepting.claim()
	if entry == nil {
		a.logger.Info("inbound call with no line waiting, rejecting",
			"call_id", callID,
			"from", req.From().Address.User,
		)
		a.respond(req, tx, 486, "Busy Here")
		return
	}

	a.logger.Info("inbound call claimed",
		"call_id", callID,
		"line", entry.line,
		"from", req.From().Address.User,
		"source", req.Source(),
	)
	entry.ep.answer(entry, req, tx)
}

// handleACK logs ACKs for our 2xx responses. They need no response.
func (a *Agent) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	a.logger.Debug("sip ack received",
		"call_id", callID,
		"source", req.Source(),
	)
}

// handleBye ends the call the far end hung up.
func (a *Agent) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	ep := a.lookup(callID)
	if ep == nil {
		a.logger.Debug("bye for unknown call", "call_id", callID, "source", req.Source())
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	a.respond(req, tx, 200, "OK")
	ep.remoteHangup(callID)
}

// handleCancel aborts an inbound call still ringing on a line.
func (a *Agent) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	if a.pending.Get(callID) == nil {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	a.respond(req, tx, 200, "OK")
	a.pending.Cancel(callID)
}

// handleOptions responds to SIP OPTIONS requests (keepalive pings).
func (a *Agent) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	a.logger.Debug("sip options received", "source", req.Source())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo delivers DTMF sent as SIP INFO to the line holding the call.
func (a *Agent) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	ep := a.lookup(callID)
	if ep == nil {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	ct := req.ContentType()
	if ct == nil {
		a.logger.Debug("sip info without content-type, ignoring", "call_id", callID)
		a.respond(req, tx, 200, "OK")
		return
	}

	press, err := media.ParseInfoKey(ct.Value(), req.Body())
	if err != nil {
		a.logger.Debug("sip info is not dtmf",
			"content_type", ct.Value(),
			"call_id", callID,
			"error", err,
		)
		a.respond(req, tx, 200, "OK")
		return
	}

	a.respond(req, tx, 200, "OK")
	a.logger.Debug("sip info dtmf received",
		"digit", string(press.Key),
		"duration", press.Duration,
		"call_id", callID,
	)
	ep.dtmf(press.Key)
}

// respond sends a bodiless response, logging failures.
func (a *Agent) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send response",
			"status", code,
			"method", req.Method.String(),
			"error", err,
		)
	}
}
