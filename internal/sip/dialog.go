package sip

import (
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Dialog is the signaling state of one established call, seen from our
// side regardless of who placed it. It has what in-dialog requests (BYE)
// need.
type Dialog struct {
	// CallID is the SIP Call-ID header value.
	CallID string

	// Inbound is true when the far end placed the call.
	Inbound bool

	// LocalURI and LocalTag identify us (From of our requests).
	LocalURI sip.Uri
	LocalTag string

	// RemoteURI and RemoteTag identify the far end (To of our requests).
	RemoteURI sip.Uri
	RemoteTag string

	// RemoteTarget is the SIP URI to send in-dialog requests (BYE) to.
	RemoteTarget sip.Uri

	// Transport is the transport of the INVITE.
	Transport string

	// LocalSDP is the session description we sent, reused for re-INVITEs.
	LocalSDP []byte

	// RemoteNumber is the number we dialed or the caller's user part.
	RemoteNumber string

	// AnswerTime is when the call was answered.
	AnswerTime time.Time

	// cseq is the last CSeq number we used in this dialog.
	cseq uint32
}

// newOutboundDialog records an answered outbound call from our INVITE and
// the 2xx that answered it.
func newOutboundDialog(invite *sip.Request, res *sip.Response) *Dialog {
	d := &Dialog{
		Transport:    invite.Transport(),
		RemoteTarget: *invite.Recipient.Clone(),
		RemoteNumber: invite.Recipient.User,
		AnswerTime:   time.Now(),
	}
	if cid := invite.CallID(); cid != nil {
		d.CallID = cid.Value()
	}
	if from := invite.From(); from != nil {
		d.LocalURI = *from.Address.Clone()
		d.LocalTag, _ = from.Params.Get("tag")
	}
	if to := res.To(); to != nil {
		d.RemoteURI = *to.Address.Clone()
		d.RemoteTag, _ = to.Params.Get("tag")
	}
	if contact := res.Contact(); contact != nil {
		d.RemoteTarget = *contact.Address.Clone()
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.cseq = cseq.SeqNo
	}
	return d
}

// newInboundDialog records an answered inbound call from the far end's
// INVITE and our 2xx.
func newInboundDialog(invite *sip.Request, res *sip.Response) *Dialog {
	d := &Dialog{
		Inbound:    true,
		Transport:  invite.Transport(),
		AnswerTime: time.Now(),
	}
	if cid := invite.CallID(); cid != nil {
		d.CallID = cid.Value()
	}
	if from := invite.From(); from != nil {
		d.RemoteURI = *from.Address.Clone()
		d.RemoteTag, _ = from.Params.Get("tag")
		d.RemoteTarget = *from.Address.Clone()
		d.RemoteNumber = from.Address.User
	}
	if to := res.To(); to != nil {
		d.LocalURI = *to.Address.Clone()
		d.LocalTag, _ = to.Params.Get("tag")
	}
	if contact := invite.Contact(); contact != nil {
		d.RemoteTarget = *contact.Address.Clone()
	}
	return d
}

// buildBye creates a BYE for the dialog. Each call advances the local
// CSeq.
func (d *Dialog) buildBye() *sip.Request {
	bye := sip.NewRequest(sip.BYE, *d.RemoteTarget.Clone())

	from := &sip.FromHeader{Address: *d.LocalURI.Clone(), Params: sip.NewParams()}
	if d.LocalTag != "" {
		from.Params.Add("tag", d.LocalTag)
	}
	bye.AppendHeader(from)

	to := &sip.ToHeader{Address: *d.RemoteURI.Clone(), Params: sip.NewParams()}
	if d.RemoteTag != "" {
		to.Params.Add("tag", d.RemoteTag)
	}
	bye.AppendHeader(to)

	callID := sip.CallIDHeader(d.CallID)
	bye.AppendHeader(&callID)

	d.cseq++
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: sip.BYE})

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	if d.Transport != "" {
		bye.SetTransport(d.Transport)
	}
	return bye
}

// buildCancel creates a CANCEL for an INVITE still ringing. It must carry
// the INVITE's Via (same branch), Call-ID, From, To and CSeq number, so the
// INVITE must already have been sent.
func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())

	if h := invite.Via(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, cancel)
	}
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)

	cancel.SetTransport(invite.Transport())
	return cancel
}

// buildACKFor2xx creates an ACK request for a 2xx response to an INVITE.
// Per RFC 3261 §13.2.2.4, the ACK for a 2xx is generated by the UAC core
// (not the transaction layer). The Request-URI is taken from the Contact
// header in the response if present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	// Copy Route headers from the original INVITE if present.
	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	// From: same as original INVITE.
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// To: from the response (includes the remote tag).
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// Call-ID: same as original INVITE.
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// CSeq: same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	// Contact from original INVITE for target refresh.
	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	return ack
}

// newTag returns a random From/To tag.
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// newCallID returns a random Call-ID scoped to host.
func newCallID(host string) string {
	return uuid.NewString() + "@" + host
}
