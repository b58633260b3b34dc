package media

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SampleRate is the narrowband telephony sample rate the speech detector
// assumes for all decoded audio.
const SampleRate = 8000

// ErrDetectorPanic wraps a panic recovered while processing audio. It is
// delivered through the detector's result instead of crashing the media
// goroutine.
var ErrDetectorPanic = errors.New("speech detector panic")

// SpeechParams tunes the speech boundary detector.
type SpeechParams struct {
	// SilenceThreshold is the normalized amplitude (0..1) above which a
	// sample counts as speech.
	SilenceThreshold float64

	// RequiredSilence is how long the audio must stay below the threshold
	// after speech before speech is considered finished.
	RequiredSilence time.Duration

	// SpeechStartTimeout is how long to wait for speech to begin before
	// giving up and reporting no speech.
	SpeechStartTimeout time.Duration

	// MaxSpeechDuration caps the measured speech. Speech still going on at
	// this point is reported as ending exactly at the cap.
	MaxSpeechDuration time.Duration
}

// DefaultSpeechParams returns the detector settings used for answering
// machine detection.
func DefaultSpeechParams() SpeechParams {
	return SpeechParams{
		SilenceThreshold:   0.1,
		RequiredSilence:    1500 * time.Millisecond,
		SpeechStartTimeout: 3 * time.Second,
		MaxSpeechDuration:  10 * time.Second,
	}
}

// SpeechState is the detector's position in its one-way state machine.
type SpeechState int

const (
	SpeechNotStarted SpeechState = iota
	SpeechSpeaking
	SpeechResolved
)

func (s SpeechState) String() string {
	switch s {
	case SpeechNotStarted:
		return "not_started"
	case SpeechSpeaking:
		return "speaking"
	case SpeechResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// SpeechBoundary is the measured speech span in samples from the first
// sample the detector saw. A zero boundary means no speech was detected.
type SpeechBoundary struct {
	Start int64
	End   int64
}

// Detected reports whether any speech was measured.
func (b SpeechBoundary) Detected() bool {
	return b.End > b.Start
}

// Duration returns the speech length.
func (b SpeechBoundary) Duration() time.Duration {
	return samplesToDuration(b.End - b.Start)
}

func samplesToDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

func durationToSamples(d time.Duration) int64 {
	return int64(math.Round(d.Seconds() * SampleRate))
}

// SpeechDetector finds the start and end of the first utterance in a stream
// of decoded audio. It is fed from the media receive path and resolves its
// Result exactly once.
//
// The detector holds no lock. Its owner serializes FeedPacket, FeedSamples
// and Abort (the call session feeds it under the session lock). Result may
// be awaited from any goroutine.
type SpeechDetector struct {
	threshold       float64
	requiredSilence int64
	startTimeout    int64
	maxSpeech       int64
	dec             Decoder

	state      SpeechState
	start      int64
	silenceRun int64
	total      int64

	result *Future[SpeechBoundary]
}

// NewSpeechDetector creates a detector. A nil decoder selects G711Decoder.
func NewSpeechDetector(p SpeechParams, dec Decoder) *SpeechDetector {
	if dec == nil {
		dec = G711Decoder{}
	}
	return &SpeechDetector{
		threshold:       p.SilenceThreshold,
		requiredSilence: durationToSamples(p.RequiredSilence),
		startTimeout:    durationToSamples(p.SpeechStartTimeout),
		maxSpeech:       durationToSamples(p.MaxSpeechDuration),
		dec:             dec,
		result:          NewFuture[SpeechBoundary](),
	}
}

// Result returns the future that receives the speech boundary.
func (d *SpeechDetector) Result() *Future[SpeechBoundary] {
	return d.result
}

// State returns the current detector state.
func (d *SpeechDetector) State() SpeechState {
	return d.state
}

// FeedPacket decodes one RTP audio payload and feeds its samples. Decode
// failures and panics reject the result.
func (d *SpeechDetector) FeedPacket(payloadType uint8, payload []byte) {
	if d.state == SpeechResolved {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.Abort(fmt.Errorf("%w: %v", ErrDetectorPanic, r))
		}
	}()

	for _, b := range payload {
		s, err := d.dec.Decode(payloadType, b)
		if err != nil {
			d.Abort(fmt.Errorf("decoding audio: %w", err))
			return
		}
		if d.step(s) {
			return
		}
	}
}

// FeedSamples feeds already decoded linear samples.
func (d *SpeechDetector) FeedSamples(samples []int16) {
	for _, s := range samples {
		if d.state == SpeechResolved || d.step(s) {
			return
		}
	}
}

// Abort rejects the result with err unless it has already resolved.
func (d *SpeechDetector) Abort(err error) {
	if d.state == SpeechResolved {
		return
	}
	d.state = SpeechResolved
	d.result.Reject(err)
}

// step advances the state machine by one sample and reports whether the
// detector resolved.
func (d *SpeechDetector) step(s int16) bool {
	d.total++
	loud := math.Abs(float64(s))/32768 > d.threshold

	switch d.state {
	case SpeechNotStarted:
		if loud {
			d.state = SpeechSpeaking
			d.start = d.total - 1
			d.silenceRun = 0
			return false
		}
		if d.total >= d.startTimeout {
			d.resolve(SpeechBoundary{})
			return true
		}
	case SpeechSpeaking:
		if loud {
			d.silenceRun = 0
		} else {
			d.silenceRun++
		}
		if d.silenceRun >= d.requiredSilence {
			d.resolve(SpeechBoundary{Start: d.start, End: d.total - d.silenceRun})
			return true
		}
		if d.total-d.start >= d.maxSpeech {
			d.resolve(SpeechBoundary{Start: d.start, End: d.start + d.maxSpeech})
			return true
		}
	}
	return false
}

func (d *SpeechDetector) resolve(b SpeechBoundary) {
	d.state = SpeechResolved
	d.result.Resolve(b)
}
