package sip

import (
	"log/slog"
	"os"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testAgent returns an agent with addressing set up but no SIP stack.
func testAgent() *Agent {
	return &Agent{
		serverHost:  "pbx.example.com",
		serverPort:  5060,
		mediaIP:     "10.0.0.5",
		contactHost: "10.0.0.5:5080",
		transport:   "udp",
		username:    "ivr",
		pending:     NewPendingCallManager(testLogger()),
		accepting:   newAcceptQueue(),
		calls:       make(map[string]*Endpoint),
		logger:      testLogger(),
	}
}

func TestTargetURI(t *testing.T) {
	a := testAgent()

	tests := []struct {
		number string
		want   string
	}{
		{"5551234", "sip:5551234@pbx.example.com:5060"},
		{" 100 ", "sip:100@pbx.example.com:5060"},
		{"sip:alice@example.org", "sip:alice@example.org"},
	}
	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			got, err := a.targetURI(tt.number)
			if err != nil {
				t.Fatalf("targetURI() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("targetURI(%q) = %q, want %q", tt.number, got, tt.want)
			}
		})
	}

	a.serverHost = ""
	if _, err := a.targetURI("5551234"); err == nil {
		t.Error("expected error dialing a bare number without a server")
	}
	if got, err := a.targetURI("sip:bob@192.0.2.1"); err != nil || got != "sip:bob@192.0.2.1" {
		t.Errorf("targetURI(sip uri) = %q, %v", got, err)
	}
}

func TestNewInvite(t *testing.T) {
	a := testAgent()
	body := []byte("v=0\r\n")

	req, err := a.newInvite("5551234", body)
	if err != nil {
		t.Fatalf("newInvite() error = %v", err)
	}
	if req.Method != sip.INVITE {
		t.Errorf("method = %s, want INVITE", req.Method)
	}
	if req.Recipient.User != "5551234" || req.Recipient.Host != "pbx.example.com" {
		t.Errorf("recipient = %s", req.Recipient.String())
	}
	if tag, ok := req.From().Params.Get("tag"); !ok || tag == "" {
		t.Error("From has no tag")
	}
	if req.From().Address.User != "ivr" {
		t.Errorf("From user = %q, want ivr", req.From().Address.User)
	}
	if req.CallID() == nil || req.CallID().Value() == "" {
		t.Fatal("INVITE has no Call-ID")
	}
	if req.CSeq().SeqNo != 1 || req.CSeq().MethodName != sip.INVITE {
		t.Errorf("CSeq = %d %s, want 1 INVITE", req.CSeq().SeqNo, req.CSeq().MethodName)
	}
	if c := req.Contact(); c == nil || c.Address.Host != "10.0.0.5" || c.Address.Port != 5080 {
		t.Errorf("Contact = %v, want sip:ivr@10.0.0.5:5080", c)
	}
	if ct := req.ContentType(); ct == nil || ct.Value() != "application/sdp" {
		t.Errorf("Content-Type = %v, want application/sdp", ct)
	}
	if string(req.Body()) != string(body) {
		t.Errorf("body = %q, want %q", req.Body(), body)
	}

	other, err := a.newInvite("5551234", body)
	if err != nil {
		t.Fatal(err)
	}
	if other.CallID().Value() == req.CallID().Value() {
		t.Error("two INVITEs share a Call-ID")
	}
}

func TestRegistrationDisabled(t *testing.T) {
	a := testAgent()
	if got := a.Registration().Status; got != RegistrationDisabled {
		t.Errorf("Registration().Status = %q, want disabled", got)
	}
}

func TestTrackCalls(t *testing.T) {
	a := testAgent()
	ep := &Endpoint{agent: a, line: 1}

	a.track("call-1", ep)
	if a.lookup("call-1") != ep {
		t.Fatal("lookup() did not find the tracked endpoint")
	}
	if a.ActiveCalls() != 1 {
		t.Errorf("ActiveCalls() = %d, want 1", a.ActiveCalls())
	}
	a.untrack("call-1")
	if a.lookup("call-1") != nil || a.ActiveCalls() != 0 {
		t.Error("untrack() left the call behind")
	}
}

func TestEndpointAccept(t *testing.T) {
	a := testAgent()
	ep := &Endpoint{agent: a, line: 3, logger: testLogger(), events: nopEvents{}}

	if err := ep.Accept(0); err == nil {
		t.Error("Accept(0) should fail")
	}
	if err := ep.Accept(2); err != nil {
		t.Fatalf("Accept(2) error = %v", err)
	}
	if a.accepting.waitingCount() != 1 {
		t.Fatalf("waitingCount() = %d, want 1", a.accepting.waitingCount())
	}

	entry := a.accepting.claim()
	if entry == nil || entry.ep != ep || entry.rings != 2 {
		t.Fatalf("claim() = %+v, want line 3 with 2 rings", entry)
	}

	ep.StopAccepting()
	select {
	case <-entry.stop:
	default:
		t.Error("StopAccepting did not withdraw the claimed entry")
	}

	if err := ep.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := ep.Accept(1); err != ErrEndpointClosed {
		t.Errorf("Accept after Close = %v, want ErrEndpointClosed", err)
	}
}
