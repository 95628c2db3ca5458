package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
	"github.com/vango-go/vai-live-relay/pkg/relay/agent/agenttest"
	"github.com/vango-go/vai-live-relay/pkg/relay/config"
	"github.com/vango-go/vai-live-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-live-relay/pkg/relay/pump"
	"github.com/vango-go/vai-live-relay/pkg/relay/sessions"
	"github.com/vango-go/vai-live-relay/pkg/relay/store"
)

func testConfig() config.Config {
	return config.Config{
		MaxSessions:          8,
		IdleTimeout:          time.Minute,
		ShutdownDrainTimeout: 2 * time.Second,
		ReplaceWait:          time.Second,
		WSWriteTimeout:       time.Second,
		WSMaxMessageBytes:    1 << 20,
		WSCloseGrace:         100 * time.Millisecond,
		CORSAllowedOrigins:   map[string]struct{}{},
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *agenttest.Factory, *httptest.Server) {
	t.Helper()
	factory := agenttest.NewFactory()
	srv, err := New(Dependencies{
		Config:  cfg,
		Factory: factory,
		Metrics: metrics.New("relay_test"),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, factory, ts
}

func TestNew_RejectsZeroCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 0
	_, err := New(Dependencies{Config: cfg, Factory: agenttest.NewFactory()})
	if !errors.Is(err, store.ErrInvalidCapacity) {
		t.Fatalf("err=%v, want ErrInvalidCapacity", err)
	}
}

func TestServer_Routes(t *testing.T) {
	_, _, ts := newTestServer(t, testConfig())

	for _, tc := range []struct {
		path   string
		status int
		body   string
	}{
		{path: "/healthz", status: http.StatusOK, body: "ok"},
		{path: "/readyz", status: http.StatusOK, body: `"ok":true`},
		{path: "/metrics", status: http.StatusOK, body: "relay_test_sessions_active"},
	} {
		resp, err := http.Get(ts.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tc.status || !strings.Contains(string(body), tc.body) {
			t.Fatalf("GET %s status=%d body=%q", tc.path, resp.StatusCode, body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("GET %s missing X-Request-ID", tc.path)
		}
	}
}

func TestServer_ShutdownClosesEverySession(t *testing.T) {
	srv, factory, ts := newTestServer(t, testConfig())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var conns []*websocket.Conn
	var handles []*agenttest.Handle
	for _, key := range []string{"a", "b", "c"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/"+key, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", key, err)
		}
		defer conn.Close()
		conns = append(conns, conn)

		h, err := factory.NextHandle(ctx)
		if err != nil {
			t.Fatalf("handle %s: %v", key, err)
		}
		if _, err := h.NextStream(ctx); err != nil {
			t.Fatalf("stream %s: %v", key, err)
		}
		handles = append(handles, h)
	}
	if srv.Store().Len() != 3 {
		t.Fatalf("store len=%d, want 3", srv.Store().Len())
	}

	start := time.Now()
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > testConfig().ShutdownDrainTimeout {
		t.Fatalf("shutdown took %v", elapsed)
	}

	for i, h := range handles {
		if h.CloseCount() != 1 {
			t.Fatalf("handle %d close count=%d, want 1", i, h.CloseCount())
		}
	}
	if n := srv.Store().Len(); n != 0 {
		t.Fatalf("store len=%d after shutdown", n)
	}
	if n := srv.Tracker().Count(); n != 0 {
		t.Fatalf("tracker count=%d after shutdown", n)
	}

	for i, conn := range conns {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
			t.Fatalf("conn %d read err=%v, want going away close", i, err)
		}
	}
}

func TestServer_RejectsConnectionsAfterShutdown(t *testing.T) {
	srv, factory, ts := newTestServer(t, testConfig())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	resp, err := http.Get(ts.URL + "/ws/late")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", resp.StatusCode)
	}
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d, want 503", resp.StatusCode)
	}
	if len(factory.Handles()) != 0 {
		t.Fatalf("agent opened after shutdown")
	}
}

type slowCloseHandle struct {
	agent.Handle
	delay time.Duration
}

func (h slowCloseHandle) Close() error {
	time.Sleep(h.delay)
	return h.Handle.Close()
}

type slowCloseFactory struct {
	*agenttest.Factory
	delay time.Duration
}

func (f slowCloseFactory) Open(ctx context.Context, key string, cfg agent.SessionConfig) (agent.Handle, error) {
	h, err := f.Factory.Open(ctx, key, cfg)
	if err != nil {
		return nil, err
	}
	return slowCloseHandle{Handle: h, delay: f.delay}, nil
}

func TestServer_ShutdownClosesSessionsAfterRelaysOverrunDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownDrainTimeout = 50 * time.Millisecond
	factory := agenttest.NewFactory()
	srv, err := New(Dependencies{
		Config:  cfg,
		Factory: slowCloseFactory{Factory: factory, delay: 20 * time.Millisecond},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// A relay that ignores cancellation holds the tracker past the deadline.
	var canceled error
	unregister, _ := srv.Tracker().Register("stuck", sessions.Handle{
		ConnID: "c_stuck",
		Cancel: func(cause error) { canceled = cause },
		Done:   make(chan struct{}),
	})
	defer unregister()

	for _, key := range []string{"a", "b"} {
		if _, _, err := srv.Store().GetOrCreate(context.Background(), key, agent.SessionConfig{}); err != nil {
			t.Fatalf("GetOrCreate(%s) error = %v", key, err)
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !errors.Is(canceled, pump.ErrShutdown) {
		t.Fatalf("stuck relay cancel cause=%v, want ErrShutdown", canceled)
	}
	if n := srv.Store().Len(); n != 0 {
		t.Fatalf("store len=%d after shutdown", n)
	}
	for _, h := range factory.Handles() {
		if !h.Closed() {
			t.Fatalf("handle %s left open", h.Key)
		}
	}
}
