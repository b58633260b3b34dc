package media

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// PayloadTelephoneEvent is the RTP payload type offered for keypad events
// when the far end does not pick its own.
const PayloadTelephoneEvent = 101

// telephoneEventSize is the length of an RFC 4733 event payload:
// event code, E bit and volume, then a 16-bit duration.
const telephoneEventSize = 4

// TelephoneEvent is one RFC 4733 event packet. A single key press arrives
// as several packets with the same RTP timestamp; the last ones have End
// set.
type TelephoneEvent struct {
	Code     uint8
	End      bool
	Volume   uint8  // -dBm0
	Duration uint16 // RTP clock units
}

// ParseTelephoneEvent decodes an event payload. ok is false when the
// payload is too short.
func ParseTelephoneEvent(payload []byte) (ev TelephoneEvent, ok bool) {
	if len(payload) < telephoneEventSize {
		return TelephoneEvent{}, false
	}
	return TelephoneEvent{
		Code:     payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}, true
}

// Key returns the keypad character for the event, or 0 for codes that are
// not keys (flash hook, tones).
func (ev TelephoneEvent) Key() byte {
	return keyForCode(ev.Code)
}

const keypad = "0123456789*#ABCD"

func keyForCode(code uint8) byte {
	if int(code) >= len(keypad) {
		return 0
	}
	return keypad[code]
}

// normalizeKey maps a signalled key to its keypad character, folding case.
func normalizeKey(s string) (byte, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 1 || strings.IndexByte(keypad, s[0]) < 0 {
		return 0, false
	}
	return s[0], true
}

// keyPressDeduper collapses the packets of one key press into a single
// key. Senders repeat the End packet up to three times with the same
// code and timestamp; only the first counts.
type keyPressDeduper struct {
	code uint8
	ts   uint32
	seen bool
}

// accept returns the key completed by ev, or 0 for continuation packets,
// retransmitted End packets and non-key events.
func (d *keyPressDeduper) accept(ev TelephoneEvent, timestamp uint32) byte {
	if !ev.End {
		return 0
	}
	if d.seen && ev.Code == d.code && timestamp == d.ts {
		return 0
	}
	d.code, d.ts, d.seen = ev.Code, timestamp, true
	return ev.Key()
}

// ErrNotKeypress is returned for a SIP INFO request that does not carry a
// key press.
var ErrNotKeypress = errors.New("sip info carries no keypress")

// InfoKey is a key press signalled out of band in a SIP INFO request.
type InfoKey struct {
	Key      byte
	Duration time.Duration // zero when the sender omits it
}

// ParseInfoKey extracts the key press from a SIP INFO body. It understands
// application/dtmf-relay ("Signal=5\r\nDuration=160") and application/dtmf
// (the bare key).
func ParseInfoKey(contentType string, body []byte) (InfoKey, error) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(mediaType)) {
	case "application/dtmf-relay":
		return parseRelayKey(string(body))
	case "application/dtmf":
		key, ok := normalizeKey(string(body))
		if !ok {
			return InfoKey{}, ErrNotKeypress
		}
		return InfoKey{Key: key}, nil
	default:
		return InfoKey{}, ErrNotKeypress
	}
}

// parseRelayKey reads the Signal and Duration fields of a dtmf-relay body.
// Signal is required; a missing or malformed Duration is left at zero.
func parseRelayKey(body string) (InfoKey, error) {
	var (
		k     InfoKey
		found bool
	)
	for _, line := range strings.Split(body, "\n") {
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "signal":
			key, ok := normalizeKey(value)
			if !ok {
				return InfoKey{}, ErrNotKeypress
			}
			k.Key, found = key, true
		case "duration":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				k.Duration = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if !found {
		return InfoKey{}, ErrNotKeypress
	}
	return k, nil
}
