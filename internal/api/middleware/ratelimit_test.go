package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLimits(r rate.Limit, burst int) RateLimitConfig {
	return RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
}

func TestControlLimitsStricter(t *testing.T) {
	def, ctl := DefaultRateLimitConfig(), ControlRateLimitConfig()
	if ctl.Rate >= def.Rate || ctl.Burst >= def.Burst {
		t.Errorf("control limits %v/%d not stricter than default %v/%d", ctl.Rate, ctl.Burst, def.Rate, def.Burst)
	}
}

func TestClientLimiterReserve(t *testing.T) {
	l := NewClientLimiter(testLimits(2, 2), discardLogger())
	defer l.Stop()

	for i := 0; i < 2; i++ {
		if wait := l.Reserve("ip:192.168.1.1"); wait != 0 {
			t.Fatalf("request %d: wait = %s, want 0", i+1, wait)
		}
	}
	if wait := l.Reserve("ip:192.168.1.1"); wait <= 0 || wait > time.Second {
		t.Fatalf("third request: wait = %s, want (0, 1s]", wait)
	}
	if wait := l.Reserve("ip:192.168.1.2"); wait != 0 {
		t.Fatalf("other client: wait = %s, want 0", wait)
	}
}

func TestClientLimiterRejectedDoesNotConsume(t *testing.T) {
	l := NewClientLimiter(testLimits(1, 1), discardLogger())
	defer l.Stop()

	l.Reserve("a")
	first := l.Reserve("a")
	second := l.Reserve("a")
	if first <= 0 || second <= 0 {
		t.Fatalf("waits = %s, %s; want both positive", first, second)
	}
	// A cancelled reservation returns its token, so waits do not pile up.
	if second > first+50*time.Millisecond {
		t.Errorf("second wait %s grew past first %s", second, first)
	}
}

func TestClientLimiterCleanup(t *testing.T) {
	cfg := testLimits(10, 10)
	cfg.MaxAge = 0
	l := NewClientLimiter(cfg, discardLogger())
	defer l.Stop()
	defer l.Stop()

	l.Reserve("ip:10.0.0.1")

	l.mu.Lock()
	count := len(l.buckets)
	l.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 bucket, got %d", count)
	}

	l.cleanup(time.Now())

	l.mu.Lock()
	count = len(l.buckets)
	l.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected 0 buckets after cleanup, got %d", count)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewClientLimiter(testLimits(1, 1), discardLogger())
	defer l.Stop()

	handler := RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lines/1/dial", nil)
	req.RemoteAddr = "10.0.0.5:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After = %q, want %q", got, "1")
	}

	// Same IP, but an authenticated subject gets its own budget.
	authed := req.WithContext(context.WithValue(req.Context(), subjectKey, "ops"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authed)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated client: expected 200, got %d", rec.Code)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		remoteAddr string
		subject    string
		want       string
	}{
		{"192.168.1.1:8080", "", "ip:192.168.1.1"},
		{"[::1]:8080", "", "ip:::1"},
		{"10.0.0.1", "", "ip:10.0.0.1"},
		{"10.0.0.1:9000", "dialer", "sub:dialer"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if tt.subject != "" {
			r = r.WithContext(context.WithValue(r.Context(), subjectKey, tt.subject))
		}
		if got := clientKey(r); got != tt.want {
			t.Errorf("clientKey(%q, %q) = %q, want %q", tt.remoteAddr, tt.subject, got, tt.want)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := map[time.Duration]int{
		time.Millisecond:        1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
	}
	for in, want := range tests {
		if got := retryAfterSeconds(in); got != want {
			t.Errorf("retryAfterSeconds(%s) = %d, want %d", in, got, want)
		}
	}
}
