package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-live-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-live-relay/pkg/relay/sessions"
	"github.com/vango-go/vai-live-relay/pkg/relay/store"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports 503 once the relay has started draining.
type ReadyHandler struct {
	Lifecycle   *lifecycle.Lifecycle
	Store       *store.Store
	Tracker     *sessions.Tracker
	MaxSessions int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool `json:"ok"`
		Draining    bool `json:"draining"`
		Sessions    int  `json:"sessions"`
		MaxSessions int  `json:"max_sessions"`
		Connections int  `json:"connections"`
	}

	draining := h.Lifecycle.IsDraining()
	resp := readyResp{
		OK:          !draining,
		Draining:    draining,
		MaxSessions: h.MaxSessions,
		Connections: h.Tracker.Count(),
	}
	if h.Store != nil {
		resp.Sessions = h.Store.Len()
	}

	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
