package media

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ErrNoAudioMedia is returned when an SDP body has no usable audio stream.
var ErrNoAudioMedia = errors.New("sdp: no audio media")

// MediaOffer describes the local side of an audio stream for SDP.
type MediaOffer struct {
	IP        string
	Port      int
	SessionID uint64

	// Audio lists the G.711 payload types in preference order.
	Audio []uint8

	// TelephoneEvent is the RFC 2833 payload type; zero omits it.
	TelephoneEvent uint8
}

// NewMediaOffer returns an offer for PCMU, PCMA and telephone-event 101.
func NewMediaOffer(ip string, port int, sessionID uint64) MediaOffer {
	return MediaOffer{
		IP:             ip,
		Port:           port,
		SessionID:      sessionID,
		Audio:          []uint8{PayloadPCMU, PayloadPCMA},
		TelephoneEvent: PayloadTelephoneEvent,
	}
}

// Marshal renders the offer as an SDP body.
func (o MediaOffer) Marshal() ([]byte, error) {
	addrType := "IP4"
	if ip := net.ParseIP(o.IP); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	formats := make([]string, 0, len(o.Audio)+1)
	attrs := make([]sdp.Attribute, 0, len(o.Audio)+4)
	for _, pt := range o.Audio {
		formats = append(formats, strconv.Itoa(int(pt)))
		name := "PCMU"
		if pt == PayloadPCMA {
			name = "PCMA"
		}
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d %s/%d", pt, name, SampleRate)})
	}
	if o.TelephoneEvent != 0 {
		ev := strconv.Itoa(int(o.TelephoneEvent))
		formats = append(formats, ev)
		attrs = append(attrs,
			sdp.Attribute{Key: "rtpmap", Value: ev + " telephone-event/8000"},
			sdp.Attribute{Key: "fmtp", Value: ev + " 0-16"},
		)
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      o.SessionID,
			SessionVersion: o.SessionID,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: o.IP,
		},
		SessionName: "ivrkit",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: o.IP},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: o.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}
	return sd.Marshal()
}

// RemoteMedia is what we need from the far end's SDP: where to find its
// audio stream and which payload types it speaks.
type RemoteMedia struct {
	Addr           *net.UDPAddr
	Audio          []uint8
	TelephoneEvent uint8
}

// ParseRemoteMedia extracts the first audio stream from an SDP body. Only
// G.711 payloads are kept; telephone-event is located by its rtpmap.
func ParseRemoteMedia(body []byte) (*RemoteMedia, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" || md.MediaName.Port.Value == 0 {
			continue
		}

		ci := md.ConnectionInformation
		if ci == nil {
			ci = sd.ConnectionInformation
		}
		if ci == nil || ci.Address == nil {
			return nil, fmt.Errorf("sdp: audio media without connection address")
		}
		ip := net.ParseIP(ci.Address.Address)
		if ip == nil {
			addrs, err := net.LookupIP(ci.Address.Address)
			if err != nil || len(addrs) == 0 {
				return nil, fmt.Errorf("sdp: unresolvable connection address %q", ci.Address.Address)
			}
			ip = addrs[0]
		}

		rm := &RemoteMedia{
			Addr: &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value},
		}
		for _, f := range md.MediaName.Formats {
			pt, err := strconv.Atoi(f)
			if err != nil || pt < 0 || pt > 127 {
				continue
			}
			if IsAudioPayload(uint8(pt)) {
				rm.Audio = append(rm.Audio, uint8(pt))
			}
		}
		for _, a := range md.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			ptStr, encoding, ok := strings.Cut(a.Value, " ")
			if !ok || !strings.HasPrefix(strings.ToLower(encoding), "telephone-event/") {
				continue
			}
			if pt, err := strconv.Atoi(ptStr); err == nil && pt > 0 && pt <= 127 {
				rm.TelephoneEvent = uint8(pt)
			}
		}
		if len(rm.Audio) == 0 {
			return nil, fmt.Errorf("%w: no G.711 payload offered", ErrNoAudioMedia)
		}
		return rm, nil
	}
	return nil, ErrNoAudioMedia
}

// Answer builds the local answer to an offer: the G.711 payloads both
// sides support in the remote's order, plus its telephone-event type.
func (r *RemoteMedia) Answer(ip string, port int, sessionID uint64) MediaOffer {
	return MediaOffer{
		IP:             ip,
		Port:           port,
		SessionID:      sessionID,
		Audio:          append([]uint8(nil), r.Audio...),
		TelephoneEvent: r.TelephoneEvent,
	}
}
