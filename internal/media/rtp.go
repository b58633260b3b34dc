package media

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// minRTPHeader is the minimum RTP header size (12 bytes).
	minRTPHeader = 12

	// readTimeout bounds each socket read so the receive loop notices Stop
	// promptly.
	readTimeout = 50 * time.Millisecond
)

// RTPHandler receives what arrives on a call's media stream. Both methods
// run on the receiver goroutine.
type RTPHandler interface {
	HandleDTMF(digit byte)
	HandleAudio(payloadType uint8, payload []byte)
}

// atomicAddr provides thread-safe storage for a UDP address.
// Used for symmetric RTP where the remote address is learned from the
// first incoming packet rather than relying solely on the SDP-signaled address.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	if addr != nil {
		a.v.Store(addr)
	}
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update atomically replaces the stored address and returns true if it changed.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// RTPStats is a snapshot of receiver counters.
type RTPStats struct {
	Packets uint64
	Dropped uint64
	Digits  uint64
}

// RTPReceiver reads a call's inbound RTP stream. Telephone-event packets
// become single DTMF digits; G.711 audio payloads are handed to the
// handler for answering machine detection. Everything else is dropped.
type RTPReceiver struct {
	pair    *SocketPair
	handler RTPHandler
	eventPT uint8
	logger  *slog.Logger

	// remote is the far end's media address. Initialized from SDP and
	// replaced by the source of the first valid packet (symmetric RTP).
	remote *atomicAddr

	stopped atomic.Bool
	wg      sync.WaitGroup

	packets atomic.Uint64
	dropped atomic.Uint64
	digits  atomic.Uint64
}

// NewRTPReceiver creates a receiver on pair. remote may be nil when the
// far end's address is not yet known.
func NewRTPReceiver(pair *SocketPair, remote *net.UDPAddr, handler RTPHandler, logger *slog.Logger) *RTPReceiver {
	return &RTPReceiver{
		pair:    pair,
		handler: handler,
		eventPT: PayloadTelephoneEvent,
		remote:  newAtomicAddr(remote),
		logger: logger.With(
			"subsystem", "rtp",
			"rtp_port", pair.Ports.RTP,
		),
	}
}

// SetTelephoneEvent overrides the negotiated telephone-event payload type.
// Call before Start.
func (r *RTPReceiver) SetTelephoneEvent(pt uint8) {
	if pt != 0 {
		r.eventPT = pt
	}
}

// Start launches the receive loop.
func (r *RTPReceiver) Start() {
	r.wg.Add(1)
	go r.receive()
}

// Stop ends the receive loop and waits for it to exit. The socket pair is
// left open; its owner releases it to the pool.
func (r *RTPReceiver) Stop() {
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	r.wg.Wait()
	s := r.Stats()
	r.logger.Debug("rtp receiver stopped",
		"packets", s.Packets,
		"dropped", s.Dropped,
		"digits", s.Digits,
	)
}

// RemoteAddr returns the far end's current media address.
func (r *RTPReceiver) RemoteAddr() *net.UDPAddr {
	return r.remote.load()
}

// Stats returns the receiver counters.
func (r *RTPReceiver) Stats() RTPStats {
	return RTPStats{
		Packets: r.packets.Load(),
		Dropped: r.dropped.Load(),
		Digits:  r.digits.Load(),
	}
}

func (r *RTPReceiver) receive() {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacket)
	learned := false
	var presses keyPressDeduper
	var pkt rtp.Packet

	for {
		if r.stopped.Load() {
			return
		}

		r.pair.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := r.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if r.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Timeout is expected; loop to re-check stopped flag.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.logger.Debug("rtp read error", "error", err)
			continue
		}

		if n < minRTPHeader {
			r.dropped.Add(1)
			continue
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.dropped.Add(1)
			continue
		}
		r.packets.Add(1)

		if !learned {
			if r.remote.update(src) {
				r.logger.Info("symmetric rtp: learned remote address",
					"address", src.String(),
				)
			}
			learned = true
		}

		switch {
		case pkt.PayloadType == r.eventPT:
			ev, ok := ParseTelephoneEvent(pkt.Payload)
			if !ok {
				r.dropped.Add(1)
				continue
			}
			digit := presses.accept(ev, pkt.Timestamp)
			if digit == 0 {
				continue
			}
			r.digits.Add(1)
			r.logger.Debug("dtmf digit detected", "digit", string(digit))
			r.handler.HandleDTMF(digit)
		case IsAudioPayload(pkt.PayloadType):
			// The handler may retain the payload; buf is reused.
			payload := make([]byte, len(pkt.Payload))
			copy(payload, pkt.Payload)
			r.handler.HandleAudio(pkt.PayloadType, payload)
		default:
			r.dropped.Add(1)
		}
	}
}
