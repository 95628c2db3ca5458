package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
	"github.com/vango-go/vai-live-relay/pkg/relay/agent/gemini"
	"github.com/vango-go/vai-live-relay/pkg/relay/config"
	"github.com/vango-go/vai-live-relay/pkg/relay/journal"
	"github.com/vango-go/vai-live-relay/pkg/relay/metrics"
	relayserver "github.com/vango-go/vai-live-relay/pkg/relay/server"
)

// journalBackend is a journal.Backend that owns a connection pool.
type journalBackend interface {
	journal.Backend
	Close()
}

type relayDeps struct {
	loadDotenv   func() error
	loadConfig   func() (config.Config, error)
	newFactory   func(context.Context, config.Config, *slog.Logger) (agent.Factory, error)
	openJournal  func(context.Context, string) (journalBackend, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadDotenv: loadDotenv,
		loadConfig: config.LoadFromEnv,
		newFactory: newGeminiFactory,
		openJournal: func(ctx context.Context, url string) (journalBackend, error) {
			return journal.Open(ctx, url)
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// loadDotenv reads .env when present. Variables already set in the
// environment win.
func loadDotenv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func newGeminiFactory(ctx context.Context, cfg config.Config, logger *slog.Logger) (agent.Factory, error) {
	client, err := gemini.NewClient(ctx, gemini.ClientConfig{
		Backend:  cfg.AgentBackend,
		APIKey:   cfg.GeminiAPIKey,
		Project:  cfg.GoogleProject,
		Location: cfg.GoogleLocation,
	})
	if err != nil {
		return nil, err
	}
	return gemini.NewFactory(client, gemini.Config{
		Model:             cfg.Model,
		Voice:             cfg.Voice,
		SystemInstruction: cfg.SystemPrompt,
	}, logger.With("component", "gemini")), nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, logger *slog.Logger, deps relayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newFactory == nil {
		return errors.New("missing newFactory dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	factory, err := deps.newFactory(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("agent factory: %w", err)
	}

	var j *journal.Journal
	if cfg.DatabaseURL != "" {
		if deps.openJournal == nil {
			return errors.New("missing openJournal dependency")
		}
		backend, err := deps.openJournal(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("session journal: %w", err)
		}
		defer backend.Close()
		j = journal.New(backend, cfg.JournalBuffer, logger.With("component", "journal"))
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := j.Close(closeCtx); err != nil {
				logger.Warn("journal close", "error", err, "dropped", j.Dropped())
			}
		}()
	}

	serverDeps := relayserver.Dependencies{
		Config:  cfg,
		Factory: factory,
		Metrics: metrics.New(cfg.MetricsNamespace),
		Logger:  logger,
	}
	if j != nil {
		serverDeps.Observer = j
	}
	relay, err := relayserver.New(serverDeps)
	if err != nil {
		return err
	}
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	logger.Info("starting live relay",
		"addr", cfg.Addr,
		"max_sessions", cfg.MaxSessions,
		"idle_timeout", cfg.IdleTimeout,
		"agent_backend", cfg.AgentBackend,
		"journal", j != nil,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context done, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	var shutdownErr error
	if err := relay.Shutdown(context.Background()); err != nil {
		shutdownErr = fmt.Errorf("shutdown relay: %w", err)
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
	defer httpCancel()
	if err := httpSrv.Shutdown(httpCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := <-listenErrCh; err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("serve: %w", err))
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	logger.Info("live relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if deps.loadDotenv != nil {
		if err := deps.loadDotenv(); err != nil {
			fmt.Fprintf(stderr, "live-relay: %v\n", err)
			return 1
		}
	}

	if err := runRelay(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "live-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
