package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client rate limiting for API endpoints.
type RateLimitConfig struct {
	Rate  rate.Limit // requests per second per client
	Burst int

	// CleanupInterval is how often idle clients are forgotten, and MaxAge
	// how long a client may stay idle before it is.
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// DefaultRateLimitConfig returns the limits for read-only API requests:
// 20 requests/second with burst of 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// ControlRateLimitConfig returns stricter limits for requests that act on a
// line (dial, hangup): 5 requests/second with burst of 10.
func ControlRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(5),
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter keeps one token bucket per API client, keyed by token
// subject when the request is authenticated and by IP otherwise.
type ClientLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger
	stopCh chan struct{}
	once   sync.Once

	mu      sync.Mutex
	buckets map[string]*clientBucket
}

// NewClientLimiter creates a limiter and starts its cleanup goroutine.
func NewClientLimiter(cfg RateLimitConfig, logger *slog.Logger) *ClientLimiter {
	l := &ClientLimiter{
		cfg:     cfg,
		logger:  logger.With("component", "ratelimit"),
		stopCh:  make(chan struct{}),
		buckets: make(map[string]*clientBucket),
	}
	go l.cleanupLoop()
	return l
}

// Reserve takes a token for client. It returns zero when the request may
// proceed, otherwise how long the client should wait.
func (l *ClientLimiter) Reserve(client string) time.Duration {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Second
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}
	return delay
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (l *ClientLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *ClientLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

// cleanup forgets clients idle for longer than MaxAge.
func (l *ClientLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.cfg.MaxAge)
	removed := 0
	for key, b := range l.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("api rate limiter cleanup", "removed", removed, "remaining", len(l.buckets))
	}
}

// RateLimit returns middleware that rejects clients over their budget with
// 429 and a Retry-After header in whole seconds. Mount it after
// RequireToken so requests are keyed by subject.
func RateLimit(limiter *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientKey(r)

			if wait := limiter.Reserve(client); wait > 0 {
				limiter.logger.Warn("rate limit exceeded",
					"client", client,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(wait time.Duration) int {
	return max(1, int(math.Ceil(wait.Seconds())))
}

// clientKey identifies the caller by token subject, falling back to the
// remote IP. chi's RealIP must run first when behind a proxy.
func clientKey(r *http.Request) string {
	if sub := SubjectFromContext(r.Context()); sub != "" {
		return "sub:" + sub
	}
	return "ip:" + extractIP(r)
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
