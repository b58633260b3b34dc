package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ivrkit/ivrkit/internal/database/models"
	"github.com/ivrkit/ivrkit/internal/media"
)

// fakeEndpoint is an Endpoint whose call setup result is scripted.
type fakeEndpoint struct {
	mu            sync.Mutex
	events        Events
	callErr       error
	block         bool
	hangupOnCall  bool // far end hangs up before Call returns
	numbers       []string
	accepts       []int
	stopAccepting int
	hangups       int
	closed        int
}

func (f *fakeEndpoint) Bind(events Events) { f.events = events }

func (f *fakeEndpoint) Call(ctx context.Context, number string) error {
	f.mu.Lock()
	f.numbers = append(f.numbers, number)
	block, err, hangup := f.block, f.callErr, f.hangupOnCall
	f.mu.Unlock()
	if hangup {
		f.events.HandleHangup()
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeEndpoint) Accept(rings int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepts = append(f.accepts, rings)
	return nil
}

func (f *fakeEndpoint) StopAccepting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAccepting++
}

func (f *fakeEndpoint) Hangup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups++
	return nil
}

func (f *fakeEndpoint) CallID() string { return "fake-call-id" }

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeEndpoint) acceptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.accepts)
}

func (f *fakeEndpoint) hangupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hangups
}

// fakeRecorder keeps every record it is handed.
type fakeRecorder struct {
	mu      sync.Mutex
	created []models.CallRecord
	updated []models.CallRecord
}

func (r *fakeRecorder) Create(ctx context.Context, rec *models.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, *rec)
	return nil
}

func (r *fakeRecorder) Update(ctx context.Context, rec *models.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, *rec)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeEndpoint) {
	t.Helper()
	ep := &fakeEndpoint{}
	s := NewSession(1, ep, opts, testLogger())
	t.Cleanup(func() { s.Dispose() })
	return s, ep
}

// connect dials through the fake endpoint and asserts the call is up.
func connect(t *testing.T, s *Session) {
	t.Helper()
	outcome, err := s.Dial("5551000", 0)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if outcome != OutcomeConnected {
		t.Fatalf("Dial() outcome = %v, want connected", outcome)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func press(s *Session, digits string) {
	for i := 0; i < len(digits); i++ {
		s.HandleDTMF(digits[i])
	}
}

func TestDialOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		callErr error
		want    Outcome
	}{
		{"answered", nil, OutcomeConnected},
		{"busy here", &FailureError{StatusCode: 486, Reason: "Busy Here"}, OutcomeBusy},
		{"decline", &FailureError{StatusCode: 603, Reason: "Decline"}, OutcomeBusy},
		{"request timeout", &FailureError{StatusCode: 408, Reason: "Request Timeout"}, OutcomeNoAnswer},
		{"ring timeout", fmt.Errorf("ringing: %w", context.DeadlineExceeded), OutcomeNoAnswer},
		{"not found", &FailureError{StatusCode: 404, Reason: "Not Found"}, OutcomeOperatorIntercept},
		{"server error", &FailureError{StatusCode: 500, Reason: "Server Internal Error"}, OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ep := newTestSession(t, Options{})
			ep.callErr = tt.callErr

			got, err := s.Dial("5551000", 0)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Dial() = %v, want %v", got, tt.want)
			}
			if s.CallActive() != tt.want.Answered() {
				t.Errorf("CallActive() = %v, want %v", s.CallActive(), tt.want.Answered())
			}
			if !tt.want.Answered() && s.Status() != StatusOnHook {
				t.Errorf("Status() = %v, want on_hook", s.Status())
			}
		})
	}
}

func TestDialValidation(t *testing.T) {
	s, _ := newTestSession(t, Options{})

	if _, err := s.Dial("  ", 0); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("Dial(empty) error = %v, want ErrInvalidUsage", err)
	}
	if _, err := s.Dial("100", -1); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("Dial(negative amd) error = %v, want ErrInvalidUsage", err)
	}

	connect(t, s)
	if _, err := s.Dial("100", 0); !errors.Is(err, ErrLineBusy) {
		t.Errorf("Dial() on a live line error = %v, want ErrLineBusy", err)
	}
}

func TestDialRecordsFailedCall(t *testing.T) {
	rec := &fakeRecorder{}
	s, ep := newTestSession(t, Options{Recorder: rec})
	ep.callErr = &FailureError{StatusCode: 486, Reason: "Busy Here"}

	if _, err := s.Dial("5551000", 0); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if len(rec.created) != 1 {
		t.Fatalf("created %d records, want 1", len(rec.created))
	}
	got := rec.created[0]
	if got.Outcome != "busy" || got.StatusCode != 486 {
		t.Errorf("record outcome = %q/%d, want busy/486", got.Outcome, got.StatusCode)
	}
	if got.EndTime == nil {
		t.Error("failed call record has no end time")
	}
	if got.Direction != models.DirectionOutbound {
		t.Errorf("Direction = %q, want outbound", got.Direction)
	}
}

func TestHangupRecordsEnd(t *testing.T) {
	rec := &fakeRecorder{}
	s, ep := newTestSession(t, Options{Recorder: rec})
	connect(t, s)

	if err := s.Hangup(); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if ep.hangupCount() != 1 {
		t.Errorf("endpoint hangups = %d, want 1", ep.hangupCount())
	}
	if len(rec.updated) != 1 || rec.updated[0].HangupCause != "local" {
		t.Fatalf("updated records = %+v, want one with cause local", rec.updated)
	}
	if rec.updated[0].SIPCallID != "fake-call-id" {
		t.Errorf("SIPCallID = %q, want fake-call-id", rec.updated[0].SIPCallID)
	}

	// A remote hangup after the local one changes nothing.
	s.HandleHangup()
	if len(rec.updated) != 1 {
		t.Errorf("updated records = %d after late remote hangup, want 1", len(rec.updated))
	}
	if err := s.Hangup(); err != nil {
		t.Errorf("second Hangup() error = %v", err)
	}
	if ep.hangupCount() != 1 {
		t.Errorf("endpoint hangups = %d after second Hangup, want 1", ep.hangupCount())
	}
}

func TestHangupAbandonsDial(t *testing.T) {
	s, ep := newTestSession(t, Options{})
	ep.block = true

	f := s.DialAsync(context.Background(), "5551000", 0)
	waitUntil(t, "dial to start", func() bool { return s.Status() == StatusOffHook })

	if err := s.Hangup(); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := f.Await(ctx); !errors.Is(err, ErrHangup) {
		t.Errorf("Dial() error = %v, want ErrHangup", err)
	}
	if s.Status() != StatusOnHook {
		t.Errorf("Status() = %v, want on_hook", s.Status())
	}
}

func TestRemoteHangupDuringDialSetup(t *testing.T) {
	rec := &fakeRecorder{}
	s, ep := newTestSession(t, Options{Recorder: rec})
	ep.hangupOnCall = true

	outcome, err := s.Dial("5551000", 0)
	if !errors.Is(err, ErrHangup) {
		t.Fatalf("Dial() = %v, %v; want ErrHangup", outcome, err)
	}
	if outcome != OutcomeError {
		t.Errorf("Dial() outcome = %v, want error", outcome)
	}
	if s.CallActive() || s.Status() != StatusOnHook {
		t.Errorf("CallActive() = %v, Status() = %v; want on_hook with no call", s.CallActive(), s.Status())
	}
	if _, err := s.GetDigits(1, "", 300*time.Millisecond); !errors.Is(err, ErrHangup) {
		t.Errorf("GetDigits() error = %v, want ErrHangup", err)
	}

	// The line is usable again.
	ep.hangupOnCall = false
	connect(t, s)
}

func TestGetDigitsTerminator(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	connect(t, s)

	f := s.GetDigitsAsync(context.Background(), 10, "#", time.Second)
	press(s, "12#")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := f.Await(ctx)
	if err != nil {
		t.Fatalf("GetDigits() error = %v", err)
	}
	if got != "12" {
		t.Errorf("GetDigits() = %q, want %q", got, "12")
	}
	if s.LastTerminator() != "#" {
		t.Errorf("LastTerminator() = %q, want #", s.LastTerminator())
	}
}

func TestGetDigitsTypeAhead(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	connect(t, s)

	press(s, "1234")

	got, err := s.GetDigits(2, "#", time.Second)
	if err != nil || got != "12" {
		t.Fatalf("GetDigits(2) = %q, %v; want 12", got, err)
	}
	if s.LastTerminator() != "" {
		t.Errorf("LastTerminator() = %q, want empty", s.LastTerminator())
	}

	got, err = s.GetDigits(1, "#", time.Second)
	if err != nil || got != "3" {
		t.Fatalf("GetDigits(1) = %q, %v; want 3", got, err)
	}
	if rest := s.FlushDigitBuffer(); rest != "4" {
		t.Errorf("FlushDigitBuffer() = %q, want 4", rest)
	}
	if rest := s.FlushDigitBuffer(); rest != "" {
		t.Errorf("second FlushDigitBuffer() = %q, want empty", rest)
	}
}

func TestGetDigitsIgnoresInvalidKeys(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	connect(t, s)

	s.HandleDTMF('x')
	s.HandleDTMF('1')
	if got := s.FlushDigitBuffer(); got != "1" {
		t.Errorf("buffer = %q, want 1", got)
	}
}

func TestGetDigitsTimeout(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	connect(t, s)

	press(s, "1")
	start := time.Now()
	_, err := s.GetDigits(5, "#", 50*time.Millisecond)
	if !errors.Is(err, ErrGetDigitsTimeout) {
		t.Fatalf("GetDigits() error = %v, want ErrGetDigitsTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("GetDigits() returned after %v, before the timeout", elapsed)
	}
	// Partial input stays buffered.
	if got := s.FlushDigitBuffer(); got != "1" {
		t.Errorf("buffer = %q, want 1", got)
	}
}

func TestGetDigitsTimeoutTerminator(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	connect(t, s)

	press(s, "4")
	got, err := s.GetDigits(5, "#t", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("GetDigits() error = %v", err)
	}
	if got != "4" {
		t.Errorf("GetDigits() = %q, want 4", got)
	}
	if s.LastTerminator() != "t" {
		t.Errorf("LastTerminator() = %q, want t", s.LastTerminator())
	}
}

func TestGetDigitsNoCall(t *testing.T) {
	s, _ := newTestSession(t, Options{})

	if _, err := s.GetDigits(1, "#", time.Second); !errors.Is(err, ErrHangup) {
		t.Errorf("GetDigits() error = %v, want ErrHangup", err)
	}
	if _, err := s.GetDigits(-1, "#", time.Second); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("GetDigits(-1) error = %v, want ErrInvalidUsage", err)
	}
}

func TestHangupDuringGetDigits(t *testing.T) {
	for _, remote := range []bool{false, true} {
		t.Run(fmt.Sprintf("remote=%v", remote), func(t *testing.T) {
			s, _ := newTestSession(t, Options{})
			connect(t, s)

			f := s.GetDigitsAsync(context.Background(), 4, "#", 10*time.Second)
			time.Sleep(10 * time.Millisecond)
			if remote {
				s.HandleHangup()
			} else if err := s.Hangup(); err != nil {
				t.Fatalf("Hangup() error = %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := f.Await(ctx); !errors.Is(err, ErrHangup) {
				t.Errorf("GetDigits() error = %v, want ErrHangup", err)
			}
			if s.CallActive() {
				t.Error("CallActive() = true after hangup")
			}

			// Keys after the hangup are dropped.
			press(s, "9")
			if got := s.FlushDigitBuffer(); got != "" {
				t.Errorf("buffer = %q after hangup, want empty", got)
			}
		})
	}
}

func TestGetDigitsContextCancel(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	connect(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	f := s.GetDigitsAsync(ctx, 4, "#", 10*time.Second)
	cancel()

	if _, err := f.Get(); !errors.Is(err, context.Canceled) {
		t.Errorf("GetDigits() error = %v, want context.Canceled", err)
	}

	// The line is still usable.
	press(s, "7#")
	got, err := s.GetDigits(4, "#", time.Second)
	if err != nil || got != "7" {
		t.Errorf("GetDigits() = %q, %v; want 7", got, err)
	}
}

// feedAudio sends n PCMU samples of the given byte in 20 ms packets.
func feedAudio(s *Session, b byte, n int) {
	const packet = 160
	for n > 0 {
		size := packet
		if n < size {
			size = n
		}
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = b
		}
		s.HandleAudio(media.PayloadPCMU, payload)
		n -= size
	}
}

func TestAnsweringMachineDetection(t *testing.T) {
	const (
		loud    = 0x80 // near full scale
		silence = 0xFF // zero
	)

	tests := []struct {
		name  string
		amdMs int
		want  Outcome
	}{
		{"long greeting", 400, OutcomeAnsweringMachine},
		{"short hello", 1000, OutcomeConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestSession(t, Options{})

			f := s.DialAsync(context.Background(), "5551000", tt.amdMs)
			waitUntil(t, "detector", func() bool {
				s.mu.Lock()
				defer s.mu.Unlock()
				return s.detector != nil
			})

			// 500 ms of speech followed by the required 1.5 s of silence.
			feedAudio(s, loud, 4000)
			feedAudio(s, silence, 12000)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			got, err := f.Await(ctx)
			if err != nil {
				t.Fatalf("Dial() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Dial() = %v, want %v", got, tt.want)
			}
			if !s.CallActive() {
				t.Error("CallActive() = false after answered dial")
			}
		})
	}
}

func TestAnsweringMachineDetectionSilence(t *testing.T) {
	s, _ := newTestSession(t, Options{})

	f := s.DialAsync(context.Background(), "5551000", 400)
	waitUntil(t, "detector", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.detector != nil
	})
	// Three seconds of silence gives up on speech.
	feedAudio(s, 0xFF, 24000)

	got, err := f.Get()
	if err != nil || got != OutcomeConnected {
		t.Errorf("Dial() = %v, %v; want connected", got, err)
	}
}

func TestHangupDuringDetection(t *testing.T) {
	s, _ := newTestSession(t, Options{})

	f := s.DialAsync(context.Background(), "5551000", 400)
	waitUntil(t, "detector", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.detector != nil
	})
	s.HandleHangup()

	if _, err := f.Get(); !errors.Is(err, ErrHangup) {
		t.Errorf("Dial() error = %v, want ErrHangup", err)
	}
}

func TestWaitRings(t *testing.T) {
	rec := &fakeRecorder{}
	s, ep := newTestSession(t, Options{Recorder: rec})

	f := s.WaitRingsAsync(context.Background(), 3)
	waitUntil(t, "accept", func() bool { return ep.acceptCount() == 1 })
	if s.Status() != StatusAcceptingCalls {
		t.Errorf("Status() = %v, want accepting_calls", s.Status())
	}

	if !ep.events.HandleIncoming(IncomingCall{CallID: "abc", From: "5552000"}) {
		t.Fatal("HandleIncoming() = false with a waiter")
	}
	if _, err := f.Get(); err != nil {
		t.Fatalf("WaitRings() error = %v", err)
	}
	if ep.accepts[0] != 3 {
		t.Errorf("Accept rings = %d, want 3", ep.accepts[0])
	}
	if s.Status() != StatusConnected || !s.CallActive() {
		t.Errorf("Status() = %v, CallActive() = %v; want connected call", s.Status(), s.CallActive())
	}
	if len(rec.created) != 1 || rec.created[0].Direction != models.DirectionInbound {
		t.Errorf("created records = %+v, want one inbound", rec.created)
	}

	// Keys work on the inbound call.
	press(s, "5#")
	if got, err := s.GetDigits(3, "#", time.Second); err != nil || got != "5" {
		t.Errorf("GetDigits() = %q, %v; want 5", got, err)
	}
}

func TestHandleIncomingWithoutWaiter(t *testing.T) {
	s, _ := newTestSession(t, Options{})
	if s.HandleIncoming(IncomingCall{CallID: "abc"}) {
		t.Error("HandleIncoming() = true with no waiter")
	}
	if s.CallActive() {
		t.Error("CallActive() = true after unwanted inbound call")
	}
}

func TestRemoteHangupBeforeIncomingAnswer(t *testing.T) {
	s, ep := newTestSession(t, Options{})

	f := s.WaitRingsAsync(context.Background(), 1)
	waitUntil(t, "accept", func() bool { return ep.acceptCount() == 1 })

	ep.events.HandleHangup()
	if ep.events.HandleIncoming(IncomingCall{CallID: "abc", From: "5552000"}) {
		t.Error("HandleIncoming() = true for a call already hung up")
	}
	if _, err := f.Get(); !errors.Is(err, ErrHangup) {
		t.Errorf("WaitRings() error = %v, want ErrHangup", err)
	}
	if s.CallActive() || s.Status() != StatusOnHook {
		t.Errorf("CallActive() = %v, Status() = %v; want on_hook with no call", s.CallActive(), s.Status())
	}
}

func TestWaitRingsCancel(t *testing.T) {
	s, ep := newTestSession(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	f := s.WaitRingsAsync(ctx, 1)
	waitUntil(t, "accept", func() bool { return ep.acceptCount() == 1 })
	cancel()

	if _, err := f.Get(); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitRings() error = %v, want context.Canceled", err)
	}
	if s.Status() != StatusOnHook {
		t.Errorf("Status() = %v, want on_hook", s.Status())
	}
	ep.mu.Lock()
	stopped := ep.stopAccepting
	ep.mu.Unlock()
	if stopped == 0 {
		t.Error("StopAccepting was not called")
	}
}

func TestWaitRingsHangup(t *testing.T) {
	s, ep := newTestSession(t, Options{})

	f := s.WaitRingsAsync(context.Background(), 1)
	waitUntil(t, "accept", func() bool { return ep.acceptCount() == 1 })
	s.Hangup()

	if _, err := f.Get(); !errors.Is(err, ErrHangup) {
		t.Errorf("WaitRings() error = %v, want ErrHangup", err)
	}
}

func TestTriggerDispose(t *testing.T) {
	s, ep := newTestSession(t, Options{})
	connect(t, s)

	f := s.GetDigitsAsync(context.Background(), 4, "#", 10*time.Second)
	time.Sleep(10 * time.Millisecond)
	s.TriggerDispose()

	if _, err := f.Get(); !errors.Is(err, ErrDisposing) {
		t.Errorf("GetDigits() error = %v, want ErrDisposing", err)
	}
	if _, err := s.GetDigits(1, "#", time.Second); !errors.Is(err, ErrDisposing) {
		t.Errorf("GetDigits() after TriggerDispose error = %v, want ErrDisposing", err)
	}
	if _, err := s.Dial("100", 0); !errors.Is(err, ErrDisposing) {
		t.Errorf("Dial() after TriggerDispose error = %v, want ErrDisposing", err)
	}

	if err := s.Dispose(); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if err := s.WaitRings(1); !errors.Is(err, ErrDisposed) {
		t.Errorf("WaitRings() after Dispose error = %v, want ErrDisposed", err)
	}
	if ep.closed != 1 || ep.hangupCount() != 1 {
		t.Errorf("endpoint closed %d times, hung up %d times; want 1 and 1", ep.closed, ep.hangupCount())
	}

	// Dispose is idempotent.
	if err := s.Dispose(); err != nil {
		t.Errorf("second Dispose() error = %v", err)
	}
	if ep.closed != 1 {
		t.Errorf("endpoint closed %d times, want 1", ep.closed)
	}
}

func TestSetVolume(t *testing.T) {
	s, _ := newTestSession(t, Options{})

	for _, v := range []int{-10, 0, 10} {
		if err := s.SetVolume(v); err != nil {
			t.Errorf("SetVolume(%d) error = %v", v, err)
		}
		if s.Volume() != v {
			t.Errorf("Volume() = %d, want %d", s.Volume(), v)
		}
	}
	for _, v := range []int{-11, 11} {
		if err := s.SetVolume(v); !errors.Is(err, ErrInvalidUsage) {
			t.Errorf("SetVolume(%d) error = %v, want ErrInvalidUsage", v, err)
		}
	}
}
