package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
	"github.com/vango-go/vai-live-relay/pkg/relay/config"
	"github.com/vango-go/vai-live-relay/pkg/relay/handlers"
	"github.com/vango-go/vai-live-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-live-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-live-relay/pkg/relay/mw"
	"github.com/vango-go/vai-live-relay/pkg/relay/pump"
	"github.com/vango-go/vai-live-relay/pkg/relay/sessions"
	"github.com/vango-go/vai-live-relay/pkg/relay/store"
)

type Dependencies struct {
	Config  config.Config
	Factory agent.Factory
	Metrics *metrics.Metrics
	// Observer receives session lifecycle events in addition to Metrics.
	Observer store.Observer
	Logger   *slog.Logger
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store     *store.Store
	tracker   *sessions.Tracker
	lifecycle *lifecycle.Lifecycle
	metrics   *metrics.Metrics
}

func New(deps Dependencies) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observers := store.Observers{}
	if deps.Metrics != nil {
		observers = append(observers, deps.Metrics)
	}
	if deps.Observer != nil {
		observers = append(observers, deps.Observer)
	}

	st, err := store.New(store.Dependencies{
		Factory:  deps.Factory,
		Observer: observers,
		Logger:   logger.With("component", "store"),
		Config: store.Config{
			MaxSessions: deps.Config.MaxSessions,
			IdleTimeout: deps.Config.IdleTimeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    logger,
		mux:       http.NewServeMux(),
		store:     st,
		tracker:   sessions.NewTracker(deps.Config.ReplaceWait),
		lifecycle: &lifecycle.Lifecycle{},
		metrics:   deps.Metrics,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Lifecycle:   s.lifecycle,
		Store:       s.store,
		Tracker:     s.tracker,
		MaxSessions: s.cfg.MaxSessions,
	})
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.Handle("GET /ws/{key}", handlers.LiveHandler{
		Config:    s.cfg,
		Store:     s.store,
		Tracker:   s.tracker,
		Lifecycle: s.lifecycle,
		Metrics:   s.metrics,
		Logger:    s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Store() *store.Store { return s.store }

func (s *Server) Tracker() *sessions.Tracker { return s.tracker }

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

// storeDrainFloor is the store drain window left after relays overran the
// drain deadline.
const storeDrainFloor = 2 * time.Second

// Shutdown raises the shutdown signal, waits for running relays to stop and
// then closes every stored session. Relays still running at the drain
// deadline are cancelled and the store drain then gets storeDrainFloor of its
// own. A store drain that overruns its window returns store.ErrDrainTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	start := time.Now()
	s.lifecycle.BeginShutdown()

	drainTimeout := s.cfg.ShutdownDrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	conns := s.tracker.Count()
	storeCtx := drainCtx
	if !s.tracker.Wait(drainCtx) {
		canceled := s.tracker.CancelAll(pump.ErrShutdown)
		s.logger.Warn("relays did not stop before drain deadline", "canceled", canceled)

		// The relay wait used up the deadline; sessions still get a bounded
		// window to close their agent handles.
		var cancelStore context.CancelFunc
		storeCtx, cancelStore = context.WithTimeout(context.WithoutCancel(ctx), storeDrainFloor)
		defer cancelStore()
	}

	sessionCount := s.store.Len()
	err := s.store.Drain(storeCtx)
	s.logger.Info("relay drained",
		"connections", conns,
		"sessions", sessionCount,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
	if err != nil {
		return fmt.Errorf("drain sessions: %w", err)
	}
	return nil
}
