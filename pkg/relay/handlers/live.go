package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
	"github.com/vango-go/vai-live-relay/pkg/relay/config"
	"github.com/vango-go/vai-live-relay/pkg/relay/lifecycle"
	"github.com/vango-go/vai-live-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-live-relay/pkg/relay/mw"
	"github.com/vango-go/vai-live-relay/pkg/relay/protocol"
	"github.com/vango-go/vai-live-relay/pkg/relay/pump"
	"github.com/vango-go/vai-live-relay/pkg/relay/sessions"
	"github.com/vango-go/vai-live-relay/pkg/relay/store"
)

// Connection outcomes reported to metrics.
const (
	outcomeNormal     = "normal"
	outcomeClientGone = "client_gone"
	outcomeBadFrame   = "bad_frame"
	outcomeAgentError = "agent_error"
	outcomeShutdown   = "shutdown"
	outcomeReplaced   = "replaced"
	outcomeExpired    = "session_closed"
	outcomeFailed     = "failed"
)

// LiveHandler serves GET /ws/{key}: one websocket relayed to the agent
// conversation stored under key.
type LiveHandler struct {
	Config    config.Config
	Store     *store.Store
	Tracker   *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type liveParams struct {
	key        string
	config     agent.SessionConfig
	newSession bool
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if h.Lifecycle.IsDraining() {
		mw.WriteJSONError(w, http.StatusServiceUnavailable, &mw.Error{Type: mw.ErrTypeOverloaded, Message: "relay is draining", RequestID: reqID})
		return
	}
	if !h.Config.OriginAllowed(r.Header.Get("Origin")) {
		mw.WriteJSONError(w, http.StatusForbidden, &mw.Error{Type: mw.ErrTypeInvalidRequest, Message: "origin is not allowed", Param: "Origin", RequestID: reqID})
		return
	}
	params, perr := parseLiveParams(r)
	if perr != nil {
		perr.RequestID = reqID
		mw.WriteJSONError(w, http.StatusBadRequest, perr)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return h.Config.OriginAllowed(r.Header.Get("Origin")) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return
	}
	defer conn.Close()

	h.relay(r.Context(), conn, params, reqID)
}

func (h LiveHandler) relay(parent context.Context, conn *websocket.Conn, params liveParams, reqID string) {
	logger := h.logger().With("session_key", params.key, "request_id", reqID)

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}
	if h.Config.WSReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.Config.WSReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(h.Config.WSReadTimeout))
		})
	}

	connID := "c_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	logger = logger.With("conn_id", connID)

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	done := make(chan struct{})
	unregister, replaced := h.Tracker.Register(params.key, sessions.Handle{
		ConnID: connID,
		Cancel: cancel,
		Done:   done,
	})
	defer unregister()
	defer close(done)
	if replaced {
		logger.Info("replaced previous connection for session key")
	}

	sess, stream, err := h.bind(ctx, params)
	if err != nil {
		logger.Error("session unavailable", "error", err)
		h.writeWSError(conn, "session_unavailable", "could not open agent session", bindCloseCode(err))
		return
	}
	sess.MarkActive()
	defer sess.MarkIdle()

	pair, err := pump.New(pump.Dependencies{
		Conn:     conn,
		Sink:     sess.Handle(),
		Stream:   stream,
		Shutdown: h.Lifecycle.ShuttingDown(),
		Touch:    func() { h.Store.TouchSession(sess) },
		Observer: h.Metrics,
		Logger:   logger,
		Config: pump.Config{
			WriteTimeout:  h.Config.WSWriteTimeout,
			PingInterval:  h.Config.WSPingInterval,
			CloseGrace:    h.Config.WSCloseGrace,
			InboundMaxFPS: h.Config.InboundMaxFPS,
			InboundBurst:  h.Config.InboundBurst,
			AllowImages:   sess.Config().Video,
		},
	})
	if err != nil {
		_ = stream.Close()
		logger.Error("relay setup failed", "error", err)
		h.writeWSError(conn, "internal", "relay setup failed", websocket.CloseInternalServerErr)
		return
	}

	start := time.Now()
	h.Metrics.RecordConnectionStart()
	logger.Info("relay started", "modality", string(params.config.Modality), "new_session", params.newSession)

	runErr := pair.Run(ctx)
	outcome := h.finish(logger, sess, runErr)
	h.Metrics.RecordConnectionEnd(outcome, time.Since(start))
}

// bind resolves the session for params and requests a fresh event stream on
// its handle. A session that was closed between lookup and stream request
// is discarded and opened again once.
func (h LiveHandler) bind(ctx context.Context, params liveParams) (*store.Session, agent.Stream, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var (
			sess *store.Session
			err  error
		)
		if params.newSession && attempt == 0 {
			sess, err = h.Store.Recreate(ctx, params.key, params.config)
		} else {
			sess, _, err = h.Store.GetOrCreate(ctx, params.key, params.config)
		}
		if err != nil {
			return nil, nil, err
		}
		stream, err := sess.Handle().Stream(ctx)
		if err == nil {
			return sess, stream, nil
		}
		lastErr = err
		_ = h.Store.Discard(sess)
		if !errors.Is(err, agent.ErrHandleClosed) {
			return nil, nil, err
		}
	}
	return nil, nil, lastErr
}

func (h LiveHandler) finish(logger *slog.Logger, sess *store.Session, err error) string {
	var decErr *protocol.DecodeError
	var agentErr *agent.Error
	switch {
	case err == nil:
		logger.Info("relay ended", "reason", "agent stream finished")
		return outcomeNormal
	case pump.IsClientGone(err):
		logger.Info("client disconnected", "error", err)
		return outcomeClientGone
	case errors.As(err, &decErr):
		logger.Warn("malformed client frame", "code", decErr.Code, "error", err)
		return outcomeBadFrame
	case errors.As(err, &agentErr):
		logger.Error("agent failure", "op", agentErr.Op, "error", err)
		if derr := h.Store.Discard(sess); derr != nil {
			logger.Warn("discard session failed", "error", derr)
		}
		return outcomeAgentError
	case errors.Is(err, pump.ErrShutdown):
		logger.Info("relay stopped for shutdown")
		return outcomeShutdown
	case errors.Is(err, sessions.ErrReplaced):
		logger.Info("relay replaced by newer connection")
		return outcomeReplaced
	case errors.Is(err, pump.ErrSessionClosed):
		logger.Info("session closed underneath relay")
		return outcomeExpired
	default:
		logger.Warn("relay ended with error", "error", err)
		return outcomeFailed
	}
}

func parseLiveParams(r *http.Request) (liveParams, *mw.Error) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		return liveParams{}, &mw.Error{Type: mw.ErrTypeInvalidRequest, Message: "session key is required", Param: "key"}
	}
	q := r.URL.Query()
	isAudio, err := queryBool(q.Get("is_audio"))
	if err != nil {
		return liveParams{}, &mw.Error{Type: mw.ErrTypeInvalidRequest, Message: "is_audio must be a boolean", Param: "is_audio"}
	}
	video, err := queryBool(q.Get("video"))
	if err != nil {
		return liveParams{}, &mw.Error{Type: mw.ErrTypeInvalidRequest, Message: "video must be a boolean", Param: "video"}
	}
	newSession, err := queryBool(q.Get("new_session"))
	if err != nil {
		return liveParams{}, &mw.Error{Type: mw.ErrTypeInvalidRequest, Message: "new_session must be a boolean", Param: "new_session"}
	}

	cfg := agent.SessionConfig{Modality: agent.ModalityText, Video: video}
	if isAudio {
		cfg.Modality = agent.ModalityAudio
	}
	return liveParams{key: key, config: cfg, newSession: newSession}, nil
}

func queryBool(v string) (bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func bindCloseCode(err error) int {
	if errors.Is(err, store.ErrClosed) {
		return websocket.CloseGoingAway
	}
	return websocket.CloseInternalServerErr
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message string, closeCode int) {
	deadline := time.Now().Add(h.writeTimeout())
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(protocol.NewServerError(code, message, true))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, code), deadline)
}

func (h LiveHandler) writeTimeout() time.Duration {
	if h.Config.WSWriteTimeout > 0 {
		return h.Config.WSWriteTimeout
	}
	return 2 * time.Second
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
