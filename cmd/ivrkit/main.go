package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ivrkit/ivrkit/internal/api"
	"github.com/ivrkit/ivrkit/internal/api/middleware"
	"github.com/ivrkit/ivrkit/internal/call"
	"github.com/ivrkit/ivrkit/internal/config"
	"github.com/ivrkit/ivrkit/internal/database"
	"github.com/ivrkit/ivrkit/internal/database/pgstore"
	"github.com/ivrkit/ivrkit/internal/logging"
	"github.com/ivrkit/ivrkit/internal/media"
	"github.com/ivrkit/ivrkit/internal/metrics"
	"github.com/ivrkit/ivrkit/internal/retention"
	"github.com/ivrkit/ivrkit/internal/sip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	if cfg.IssueToken != "" {
		if err := issueToken(cfg, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := logging.New(os.Stdout, logging.Options{
		Level:  cfg.SlogLevel(),
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	if err := run(cfg, logger.Logger); err != nil {
		slog.Error("fatal", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

// issueToken prints a signed API token for cfg.IssueToken.
func issueToken(cfg *config.Config, w io.Writer) error {
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	token, expires, err := middleware.GenerateToken(secret, cfg.IssueToken, cfg.TokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
	return nil
}

// recordStore is a call record repository that owns a connection.
type recordStore interface {
	database.CallRecordRepository
	Close() error
}

type sqliteStore struct {
	database.CallRecordRepository
	db *database.DB
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// openStore selects PostgreSQL for a postgres DSN and SQLite in the data
// directory otherwise.
func openStore(cfg *config.Config) (recordStore, string, error) {
	if pgstore.IsDSN(cfg.DatabaseDSN) {
		st, err := pgstore.New(cfg.DatabaseDSN)
		if err != nil {
			return nil, "", err
		}
		return st, "postgres", nil
	}
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		return nil, "", err
	}
	return &sqliteStore{CallRecordRepository: database.NewCallRecordRepository(db), db: db}, "sqlite", nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()

	slog.Info("starting ivrkit",
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"sip_transport", cfg.SIPTransport,
		"lines", cfg.Lines,
		"data_dir", cfg.DataDir,
	)

	store, backend, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening call record store: %w", err)
	}
	defer store.Close()
	slog.Info("call record store ready", "backend", backend)

	ports, err := media.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax, logger)
	if err != nil {
		return fmt.Errorf("creating rtp port pool: %w", err)
	}
	if ip := net.ParseIP(cfg.SIPBind); ip != nil && !ip.IsUnspecified() {
		ports.SetBindIP(ip)
	}

	agent, err := sip.NewAgent(cfg, ports, logger)
	if err != nil {
		return fmt.Errorf("creating sip agent: %w", err)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := agent.Start(appCtx); err != nil {
		return fmt.Errorf("starting sip agent: %w", err)
	}

	retention.StartCleanupTicker(appCtx, store, cfg.CallRetention, time.Hour, logger)

	opts := call.Options{
		DigitsTimeout: cfg.DigitsTimeout,
		Speech: media.SpeechParams{
			SilenceThreshold:   cfg.AMDSilenceThreshold,
			RequiredSilence:    cfg.AMDEndSilence,
			SpeechStartTimeout: cfg.AMDStartTimeout,
			MaxSpeechDuration:  cfg.AMDMaxSpeech,
		},
		Recorder:            store,
		PromptAttempts:      cfg.PromptAttempts,
		PromptBlankAttempts: cfg.PromptBlankAttempts,
	}
	lines, err := call.NewManager(cfg.Lines, func(line int) (call.Endpoint, error) {
		return agent.NewEndpoint(line), nil
	}, opts, logger)
	if err != nil {
		agent.Stop()
		return fmt.Errorf("creating lines: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(lines, agent, store, startTime),
	)

	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		lines.Dispose()
		agent.Stop()
		return err
	}

	apiServer := api.NewServer(api.Options{
		Lines:     lines,
		Signaling: agent,
		Records:   store,
		Gatherer:  registry,
		JWTSecret: secret,
		StartTime: startTime,
		Logger:    logger,
		RateLimit: cfg.APIRateLimit,
	})
	defer apiServer.Close()

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      apiServer,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // dial requests block until answered
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	appCancel()
	lines.Dispose()
	agent.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("ivrkit stopped")
	return runErr
}
