package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ivrkit/ivrkit/internal/api/middleware"
	"github.com/ivrkit/ivrkit/internal/call"
	"github.com/ivrkit/ivrkit/internal/database"
	"github.com/ivrkit/ivrkit/internal/sip"
)

// LinePool gives the API access to the lines. *call.Manager implements it.
type LinePool interface {
	Lines() []*call.Session
	Line(n int) (*call.Session, error)
}

// Signaling exposes SIP agent state. *sip.Agent implements it.
type Signaling interface {
	Registration() sip.RegistrationState
	ActiveCalls() int
	PendingCalls() int
	TraceLevel() sip.TraceLevel
	SetTraceLevel(sip.TraceLevel)
}

// Options holds the Server dependencies. Signaling, Records and Gatherer
// may be nil.
type Options struct {
	Lines     LinePool
	Signaling Signaling
	Records   database.CallRecordRepository
	Gatherer  prometheus.Gatherer
	JWTSecret []byte
	StartTime time.Time
	Logger    *slog.Logger

	// RateLimit overrides the per-client request rate of read endpoints.
	RateLimit float64
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	lines     LinePool
	signaling Signaling
	records   database.CallRecordRepository
	gatherer  prometheus.Gatherer
	secret    []byte
	startTime time.Time
	logger    *slog.Logger

	readLimiter    *middleware.ClientLimiter
	controlLimiter *middleware.ClientLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	logger := opts.Logger.With("subsystem", "api")
	s := &Server{
		router:         chi.NewRouter(),
		lines:          opts.Lines,
		signaling:      opts.Signaling,
		records:        opts.Records,
		gatherer:       opts.Gatherer,
		secret:         opts.JWTSecret,
		startTime:      opts.StartTime,
		logger:         logger,
		readLimiter:    middleware.NewClientLimiter(readLimits(opts.RateLimit), logger),
		controlLimiter: middleware.NewClientLimiter(middleware.ControlRateLimitConfig(), logger),
	}
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}

	s.routes()
	return s
}

func readLimits(perSecond float64) middleware.RateLimitConfig {
	cfg := middleware.DefaultRateLimitConfig()
	if perSecond > 0 {
		cfg.Rate = rate.Limit(perSecond)
		cfg.Burst = max(1, int(2*perSecond))
	}
	return cfg
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.readLimiter.Stop()
	s.controlLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(s.secret, s.logger))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(s.readLimiter))
				r.Get("/status", s.handleStatus)
				r.Get("/lines", s.handleListLines)
				r.Get("/lines/{line}", s.handleGetLine)
				r.Get("/calls", s.handleListCalls)
				r.Get("/calls/{callID}", s.handleGetCall)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(s.controlLimiter))
				r.Post("/lines/{line}/dial", s.handleDial)
				r.Post("/lines/{line}/hangup", s.handleHangup)
				r.Put("/sip/trace", s.handleSetTrace)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
