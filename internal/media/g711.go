package media

import (
	"errors"
	"fmt"
)

// RTP static payload types for the G.711 codecs.
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
)

// ErrUnsupportedPayload is returned by a Decoder for payload types it does
// not know how to decode.
var ErrUnsupportedPayload = errors.New("unsupported payload type")

// Decoder turns one encoded audio byte into a 16-bit linear PCM sample.
type Decoder interface {
	Decode(payloadType uint8, b byte) (int16, error)
}

// G.711 u-law (PCMU) decoding table.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table.
var alawToLinear [256]int16

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	const bias = 0x84
	u = ^u
	exponent := uint((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := ((mantissa << 3) + bias) << exponent
	sample -= bias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	exponent := uint((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int
	if exponent == 0 {
		sample = mantissa<<4 | 0x08
	} else {
		sample = (mantissa<<4 | 0x108) << (exponent - 1)
	}
	if a&0x80 != 0 {
		return int16(sample)
	}
	return int16(-sample)
}

// G711Decoder decodes PCMU and PCMA payload bytes.
type G711Decoder struct{}

// Decode implements Decoder.
func (G711Decoder) Decode(payloadType uint8, b byte) (int16, error) {
	switch payloadType {
	case PayloadPCMU:
		return ulawToLinear[b], nil
	case PayloadPCMA:
		return alawToLinear[b], nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedPayload, payloadType)
	}
}

// IsAudioPayload reports whether pt is one of the G.711 audio payloads.
func IsAudioPayload(pt uint8) bool {
	return pt == PayloadPCMU || pt == PayloadPCMA
}
