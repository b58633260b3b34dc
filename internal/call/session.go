package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ivrkit/ivrkit/internal/database/models"
	"github.com/ivrkit/ivrkit/internal/media"
)

const (
	// DefaultDigitsTimeout is the inter-digit timeout used when GetDigits
	// is called with a zero timeout.
	DefaultDigitsTimeout = 5 * time.Second

	// TimeoutTerminator, when present in a terminator set, turns an
	// inter-digit timeout into a normal end of collection.
	TimeoutTerminator = 't'

	// detectSlack is added to the detector's own audio-time bound when
	// waiting on it in wall-clock time.
	detectSlack = 2 * time.Second

	hangupTimeout = 5 * time.Second
)

// LineStatus is the coarse state of a line.
type LineStatus int

const (
	StatusOnHook LineStatus = iota
	StatusOffHook
	StatusAcceptingCalls
	StatusConnected
)

func (s LineStatus) String() string {
	switch s {
	case StatusOnHook:
		return "on_hook"
	case StatusOffHook:
		return "off_hook"
	case StatusAcceptingCalls:
		return "accepting_calls"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Options configures a Session.
type Options struct {
	// DigitsTimeout is the default inter-digit timeout.
	DigitsTimeout time.Duration

	// Speech tunes answering machine detection.
	Speech media.SpeechParams

	// Decoder turns audio payload bytes into samples. Nil selects G.711.
	Decoder media.Decoder

	// Recorder persists call records. Nil disables persistence.
	Recorder Recorder

	// PromptAttempts and PromptBlankAttempts are the limits Ask uses when
	// a Prompt leaves them unset.
	PromptAttempts      int
	PromptBlankAttempts int
}

// Session is one telephony line: it places and answers calls, collects
// keypresses and classifies how outbound calls were answered.
//
// Endpoint callbacks (keypresses, audio, hangup, inbound answer) arrive on
// endpoint goroutines. All state they share with the application side is
// guarded by mu.
type Session struct {
	line     int
	ep       Endpoint
	opts     Options
	recorder Recorder
	logger   *slog.Logger

	mu             sync.Mutex
	status         LineStatus
	callActive     bool
	digits         media.DigitBuffer
	keypress       media.KeypressGate
	incoming       media.IncomingGate
	detector       *media.SpeechDetector
	lastTerminator string
	volume         int
	dialCancel     context.CancelFunc
	record         *models.CallRecord
	disposing      bool
	disposed       bool
}

// NewSession creates the session for one line and binds it to ep.
func NewSession(line int, ep Endpoint, opts Options, logger *slog.Logger) *Session {
	if opts.DigitsTimeout <= 0 {
		opts.DigitsTimeout = DefaultDigitsTimeout
	}
	if opts.Speech == (media.SpeechParams{}) {
		opts.Speech = media.DefaultSpeechParams()
	}
	s := &Session{
		line:     line,
		ep:       ep,
		opts:     opts,
		recorder: opts.Recorder,
		logger:   logger.With("subsystem", "line", "line", line),
	}
	ep.Bind(s)
	return s
}

// LineNumber returns the line this session drives.
func (s *Session) LineNumber() int {
	return s.line
}

// Status returns the line status.
func (s *Session) Status() LineStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CallActive reports whether a call is up on the line.
func (s *Session) CallActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callActive
}

// LastTerminator returns the terminator that ended the most recent
// GetDigits, "t" for an inter-digit timeout accepted as a terminator, or
// "" when the digit limit ended it.
func (s *Session) LastTerminator() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTerminator
}

// Volume returns the playback volume adjustment.
func (s *Session) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// SetVolume sets the playback volume adjustment, in [-10, 10].
func (s *Session) SetVolume(v int) error {
	if v < -10 || v > 10 {
		return fmt.Errorf("%w: volume %d outside [-10, 10]", ErrInvalidUsage, v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = v
	return nil
}

// checkUsableLocked fails once disposal has started.
func (s *Session) checkUsableLocked() error {
	switch {
	case s.disposed:
		return ErrDisposed
	case s.disposing:
		return ErrDisposing
	}
	return nil
}

// closedErrLocked translates a torn down gate into the reason it was torn
// down.
func (s *Session) closedErrLocked() error {
	if s.disposing {
		return ErrDisposing
	}
	return ErrHangup
}

// Dial places an outbound call to number. When answeringMachineMs is
// positive the greeting is measured and calls whose first utterance lasts
// at least that long are reported as OutcomeAnsweringMachine.
func (s *Session) Dial(number string, answeringMachineMs int) (Outcome, error) {
	return s.dial(context.Background(), number, answeringMachineMs)
}

// DialAsync runs Dial on a new goroutine. Cancelling ctx abandons a call
// still being set up.
func (s *Session) DialAsync(ctx context.Context, number string, answeringMachineMs int) *media.Future[Outcome] {
	return media.Go(func() (Outcome, error) {
		return s.dial(ctx, number, answeringMachineMs)
	})
}

func (s *Session) dial(ctx context.Context, number string, amdMs int) (Outcome, error) {
	if strings.TrimSpace(number) == "" {
		return OutcomeError, fmt.Errorf("%w: empty number", ErrInvalidUsage)
	}
	if amdMs < 0 {
		return OutcomeError, fmt.Errorf("%w: negative answering machine length %d", ErrInvalidUsage, amdMs)
	}

	s.mu.Lock()
	if err := s.checkUsableLocked(); err != nil {
		s.mu.Unlock()
		return OutcomeError, err
	}
	if s.callActive || s.status != StatusOnHook {
		s.mu.Unlock()
		return OutcomeError, ErrLineBusy
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.status = StatusOffHook
	s.dialCancel = cancel
	s.digits.Reset()
	s.lastTerminator = ""
	s.mu.Unlock()

	rec := &models.CallRecord{
		CallID:    uuid.NewString(),
		Line:      s.line,
		Direction: models.DirectionOutbound,
		Number:    number,
		StartTime: time.Now(),
	}
	s.logger.Info("dialing", "number", number, "answering_machine_ms", amdMs)

	err := s.ep.Call(dialCtx, number)
	if err == nil {
		rec.SIPCallID = s.ep.CallID()
	}

	s.mu.Lock()
	s.dialCancel = nil
	if err != nil {
		s.status = StatusOnHook
		closedErr := s.closedErrLocked()
		s.mu.Unlock()

		if ctx.Err() != nil {
			return OutcomeError, ctx.Err()
		}
		if dialCtx.Err() != nil {
			// Hangup or TriggerDispose abandoned the attempt.
			return OutcomeError, closedErr
		}
		outcome := OutcomeForError(err)
		rec.Outcome = outcome.String()
		rec.StatusCode = StatusCode(err)
		s.persistFailed(rec)
		s.logger.Info("dial failed",
			"number", number,
			"outcome", outcome.String(),
			"status", rec.StatusCode,
			"error", err,
		)
		return outcome, nil
	}
	if s.disposing || dialCtx.Err() != nil {
		closedErr := s.closedErrLocked()
		s.status = StatusOnHook
		s.mu.Unlock()
		s.hangupEndpoint()
		if ctx.Err() != nil {
			return OutcomeError, ctx.Err()
		}
		s.logger.Info("call ended during setup", "number", number, "sip_call_id", rec.SIPCallID)
		return OutcomeError, closedErr
	}

	now := time.Now()
	rec.AnswerTime = &now
	s.callActive = true
	s.status = StatusConnected
	var det *media.SpeechDetector
	if amdMs > 0 {
		det = media.NewSpeechDetector(s.opts.Speech, s.opts.Decoder)
		s.detector = det
	}
	s.mu.Unlock()

	outcome := OutcomeConnected
	if det != nil {
		var speech time.Duration
		outcome, speech, err = s.detect(ctx, det, amdMs)
		if err != nil {
			rec.Outcome = OutcomeError.String()
			rec.HangupCause = err.Error()
			s.persistFailed(rec)
			return OutcomeError, err
		}
		rec.SpeechMs = speech.Milliseconds()
	}
	rec.Outcome = outcome.String()

	s.mu.Lock()
	if s.callActive {
		s.record = rec
	}
	s.mu.Unlock()
	s.persistCreate(rec)

	s.logger.Info("call answered",
		"number", number,
		"outcome", outcome.String(),
		"speech_ms", rec.SpeechMs,
		"sip_call_id", rec.SIPCallID,
	)
	return outcome, nil
}

// detect waits for the speech detector and classifies the answer.
func (s *Session) detect(ctx context.Context, det *media.SpeechDetector, amdMs int) (Outcome, time.Duration, error) {
	bound := s.opts.Speech.SpeechStartTimeout + s.opts.Speech.MaxSpeechDuration + detectSlack
	waitCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	b, err := det.Result().Await(waitCtx)

	s.mu.Lock()
	if s.detector == det {
		s.detector = nil
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, ErrHangup), errors.Is(err, ErrDisposing):
		return OutcomeError, 0, err
	case ctx.Err() != nil:
		return OutcomeError, 0, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("no audio for answering machine detection, assuming connected")
		return OutcomeConnected, 0, nil
	default:
		s.logger.Error("answering machine detection failed, assuming connected", "error", err)
		return OutcomeConnected, 0, nil
	}

	if !b.Detected() {
		return OutcomeConnected, 0, nil
	}
	speech := b.Duration()
	s.logger.Debug("speech measured",
		"start_sample", b.Start,
		"end_sample", b.End,
		"speech_ms", speech.Milliseconds(),
	)
	if speech >= time.Duration(amdMs)*time.Millisecond {
		return OutcomeAnsweringMachine, speech, nil
	}
	return OutcomeConnected, speech, nil
}

// GetDigits collects up to numberOfDigits keypresses, stopping early at
// any character in terminators. The terminator is not part of the result;
// see LastTerminator. A zero timeout uses the configured inter-digit
// timeout. Including 't' in terminators makes an inter-digit timeout end
// the collection normally instead of returning ErrGetDigitsTimeout.
func (s *Session) GetDigits(numberOfDigits int, terminators string, timeout time.Duration) (string, error) {
	return s.getDigits(context.Background(), numberOfDigits, terminators, timeout)
}

// GetDigitsAsync runs GetDigits on a new goroutine; cancelling ctx aborts
// the wait.
func (s *Session) GetDigitsAsync(ctx context.Context, numberOfDigits int, terminators string, timeout time.Duration) *media.Future[string] {
	return media.Go(func() (string, error) {
		return s.getDigits(ctx, numberOfDigits, terminators, timeout)
	})
}

func (s *Session) getDigits(ctx context.Context, numberOfDigits int, terminators string, timeout time.Duration) (string, error) {
	if numberOfDigits < 0 {
		return "", fmt.Errorf("%w: negative digit count %d", ErrInvalidUsage, numberOfDigits)
	}
	if timeout <= 0 {
		timeout = s.opts.DigitsTimeout
	}

	s.mu.Lock()
	if err := s.checkUsableLocked(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if !s.callActive {
		s.mu.Unlock()
		return "", ErrHangup
	}
	if pos := media.ReleasePosition(s.digits.String(), numberOfDigits, terminators); pos > 0 {
		out := s.takeDigitsLocked(pos, terminators)
		s.mu.Unlock()
		return out, nil
	}
	w := s.keypress.Setup(numberOfDigits, terminators)
	s.mu.Unlock()

	pos, err := w.WaitForDigits(ctx, timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keypress.Armed() {
		s.keypress.Teardown()
	}

	switch {
	case err == nil:
		return s.takeDigitsLocked(pos, terminators), nil
	case errors.Is(err, media.ErrDigitTimeout):
		if strings.IndexByte(terminators, TimeoutTerminator) >= 0 {
			s.lastTerminator = string(TimeoutTerminator)
			return s.digits.Flush(), nil
		}
		return "", ErrGetDigitsTimeout
	case errors.Is(err, media.ErrGateClosed):
		return "", s.closedErrLocked()
	default:
		return "", err
	}
}

// takeDigitsLocked consumes the released prefix and strips the terminator.
func (s *Session) takeDigitsLocked(pos int, terminators string) string {
	out := s.digits.Take(pos)
	s.lastTerminator = ""
	if n := len(out); n > 0 && strings.IndexByte(terminators, out[n-1]) >= 0 {
		s.lastTerminator = out[n-1:]
		out = out[:n-1]
	}
	s.logger.Debug("digits collected", "digits", out, "terminator", s.lastTerminator)
	return out
}

// FlushDigitBuffer returns and clears everything buffered, including
// type-ahead no GetDigits has consumed.
func (s *Session) FlushDigitBuffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digits.Flush()
}

// WaitRings blocks until an inbound call is answered on this line after
// the given number of rings.
func (s *Session) WaitRings(rings int) error {
	return s.waitRings(context.Background(), rings)
}

// WaitRingsAsync runs WaitRings on a new goroutine; cancelling ctx stops
// accepting calls.
func (s *Session) WaitRingsAsync(ctx context.Context, rings int) *media.Future[struct{}] {
	return media.Go(func() (struct{}, error) {
		return struct{}{}, s.waitRings(ctx, rings)
	})
}

func (s *Session) waitRings(ctx context.Context, rings int) error {
	if rings < 0 {
		return fmt.Errorf("%w: negative ring count %d", ErrInvalidUsage, rings)
	}

	s.mu.Lock()
	if err := s.checkUsableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.callActive || s.status != StatusOnHook {
		s.mu.Unlock()
		return ErrLineBusy
	}
	s.status = StatusAcceptingCalls
	s.digits.Reset()
	s.lastTerminator = ""
	w := s.incoming.Setup()
	s.mu.Unlock()

	s.logger.Info("waiting for inbound call", "rings", rings)
	if err := s.ep.Accept(rings); err != nil {
		s.mu.Lock()
		s.incoming.Teardown()
		s.status = StatusOnHook
		s.mu.Unlock()
		return fmt.Errorf("accepting calls on line %d: %w", s.line, err)
	}

	err := w.Wait(ctx)

	s.mu.Lock()
	s.incoming.Teardown()
	if err == nil || s.callActive {
		s.mu.Unlock()
		return nil
	}
	if s.status == StatusAcceptingCalls {
		s.status = StatusOnHook
	}
	closedErr := s.closedErrLocked()
	s.mu.Unlock()

	s.ep.StopAccepting()
	if errors.Is(err, media.ErrGateClosed) {
		return closedErr
	}
	return err
}

// Hangup ends the current call, or abandons a dial or wait in progress.
// Calling it with nothing to hang up is a no-op.
func (s *Session) Hangup() error {
	s.mu.Lock()
	wasActive, rec := s.endCallLocked()
	s.mu.Unlock()

	s.ep.StopAccepting()
	if !wasActive {
		return nil
	}

	s.logger.Info("hanging up")
	s.persistEnd(rec, "local")
	if err := s.hangupEndpoint(); err != nil {
		return fmt.Errorf("hanging up line %d: %w", s.line, err)
	}
	return nil
}

func (s *Session) hangupEndpoint() error {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := s.ep.Hangup(ctx); err != nil {
		s.logger.Warn("endpoint hangup failed", "error", err)
		return err
	}
	return nil
}

// endCallLocked tears down every per-call resource and reports whether a
// call was up. Remote and local hangups both come through here, so only
// the first of them sees wasActive.
func (s *Session) endCallLocked() (wasActive bool, rec *models.CallRecord) {
	wasActive = s.callActive
	s.callActive = false
	s.keypress.Teardown()
	s.incoming.Teardown()
	if s.detector != nil {
		s.detector.Abort(s.closedErrLocked())
		s.detector = nil
	}
	if s.dialCancel != nil {
		// The call being set up is gone; dial sees the cancelled context
		// once Call returns and resets the status itself.
		s.dialCancel()
	} else {
		s.status = StatusOnHook
	}
	rec = s.record
	s.record = nil
	return wasActive, rec
}

// TriggerDispose makes the current and all later blocking operations fail
// with ErrDisposing without releasing the line yet.
func (s *Session) TriggerDispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposing {
		return
	}
	s.disposing = true
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.keypress.Teardown()
	s.incoming.Teardown()
	if s.detector != nil {
		s.detector.Abort(ErrDisposing)
		s.detector = nil
	}
	s.logger.Info("dispose triggered")
}

// Dispose hangs up and releases the endpoint. Later calls are no-ops.
func (s *Session) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.TriggerDispose()
	hangupErr := s.Hangup()
	closeErr := s.ep.Close()

	s.mu.Lock()
	s.disposed = true
	s.status = StatusOnHook
	s.mu.Unlock()

	s.logger.Info("line disposed")
	return errors.Join(hangupErr, closeErr)
}

// HandleDTMF implements Events.
func (s *Session) HandleDTMF(digit byte) {
	if !media.IsDTMFDigit(digit) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.callActive {
		return
	}
	s.keypress.OnKeypress(&s.digits, digit)
	s.logger.Debug("keypress", "digit", string(digit), "buffered", s.digits.Len())
}

// HandleAudio implements Events.
func (s *Session) HandleAudio(payloadType uint8, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	det := s.detector
	if det == nil || !media.IsAudioPayload(payloadType) {
		return
	}
	det.FeedPacket(payloadType, payload)
	if det.State() == media.SpeechResolved {
		s.detector = nil
	}
}

// HandleHangup implements Events.
func (s *Session) HandleHangup() {
	s.mu.Lock()
	wasActive, rec := s.endCallLocked()
	s.mu.Unlock()

	if wasActive {
		s.logger.Info("remote hangup")
		s.persistEnd(rec, "remote")
	}
}

// HandleIncoming implements Events.
func (s *Session) HandleIncoming(c IncomingCall) bool {
	s.mu.Lock()
	if !s.incoming.Armed() || s.callActive {
		s.mu.Unlock()
		s.logger.Warn("inbound call with no waiter", "sip_call_id", c.CallID)
		return false
	}
	now := time.Now()
	rec := &models.CallRecord{
		CallID:     uuid.NewString(),
		SIPCallID:  c.CallID,
		Line:       s.line,
		Direction:  models.DirectionInbound,
		Number:     c.From,
		Outcome:    OutcomeConnected.String(),
		StartTime:  now,
		AnswerTime: &now,
	}
	s.callActive = true
	s.status = StatusConnected
	s.record = rec
	s.digits.Reset()
	s.incoming.Release()
	s.mu.Unlock()

	s.logger.Info("inbound call answered", "from", c.From, "sip_call_id", c.CallID)
	s.persistCreate(rec)
	return true
}
