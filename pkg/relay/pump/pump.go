// Package pump relays one client websocket to one agent conversation. A Pair
// runs an inbound loop (client to agent) and an outbound loop (agent to
// client) under a shared cancellation; whichever loop ends first stops the
// other, and the socket and agent stream are released exactly once.
package pump

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
	"github.com/vango-go/vai-live-relay/pkg/relay/protocol"
)

// Conn is the subset of *websocket.Conn the pump uses. Only one loop writes
// data frames at a time; control frames may be written concurrently.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Sink accepts client input for the agent.
type Sink interface {
	SendText(ctx context.Context, text string) error
	SendRealtime(ctx context.Context, blob agent.Blob) error
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Observer is told about relayed and dropped frames.
type Observer interface {
	FrameRelayed(dir Direction, kind string)
	FrameDropped(kind string)
}

type Config struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// CloseGrace bounds how long a loop stuck in a socket write may delay
	// teardown before the socket is closed underneath it.
	CloseGrace time.Duration

	// InboundMaxFPS <= 0 disables media rate limiting.
	InboundMaxFPS float64
	InboundBurst  int

	// AllowImages admits image frames. Without it they are rejected as
	// unsupported.
	AllowImages bool
}

type Dependencies struct {
	Conn     Conn
	Sink     Sink
	Stream   agent.Stream
	Shutdown <-chan struct{}
	// Touch is called after every relayed message.
	Touch    func()
	Observer Observer
	Logger   *slog.Logger
	Config   Config
}

type Pair struct {
	conn     Conn
	sink     Sink
	stream   agent.Stream
	shutdown <-chan struct{}
	touch    func()
	observer Observer
	logger   *slog.Logger
	cfg      Config
	limiter  *rate.Limiter

	releaseOnce sync.Once
}

var errMissingDeps = errors.New("pump requires a conn, a sink and a stream")

func New(deps Dependencies) (*Pair, error) {
	if deps.Conn == nil || deps.Sink == nil || deps.Stream == nil {
		return nil, errMissingDeps
	}
	cfg := deps.Config
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 250 * time.Millisecond
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	touch := deps.Touch
	if touch == nil {
		touch = func() {}
	}
	p := &Pair{
		conn:     deps.Conn,
		sink:     deps.Sink,
		stream:   deps.Stream,
		shutdown: deps.Shutdown,
		touch:    touch,
		observer: deps.Observer,
		logger:   logger,
		cfg:      cfg,
	}
	if cfg.InboundMaxFPS > 0 {
		burst := cfg.InboundBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.InboundMaxFPS), burst)
	}
	return p, nil
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Run relays until either loop ends, ctx is cancelled or the shutdown
// channel closes, then releases the socket and the agent stream. A nil
// return means the agent stream ended normally. When ctx was cancelled the
// returned error is its cause.
func (p *Pair) Run(ctx context.Context) error {
	pairCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reads := make(chan inboundFrame)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.readLoop(pairCtx, reads)
	}()

	g, gctx := errgroup.WithContext(pairCtx)
	g.Go(func() error {
		defer cancel()
		return p.inbound(gctx, reads)
	})
	g.Go(func() error {
		defer cancel()
		return p.outbound(gctx)
	})

	stopWatch := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		p.watchStuckWriter(gctx, stopWatch)
	}()

	err := g.Wait()
	close(stopWatch)
	<-watchDone

	if err == nil && ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	p.release(err)
	<-readerDone
	return err
}

func (p *Pair) watchStuckWriter(ctx context.Context, stop <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-stop:
		return
	}
	t := time.NewTimer(p.cfg.CloseGrace)
	defer t.Stop()
	select {
	case <-t.C:
		p.logger.Debug("relay loops slow to stop; closing socket")
		_ = p.conn.Close()
	case <-stop:
	}
}

func (p *Pair) readLoop(ctx context.Context, out chan<- inboundFrame) {
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// release runs after both loops have returned, so it is the only writer.
func (p *Pair) release(cause error) {
	p.releaseOnce.Do(func() {
		if err := p.stream.Close(); err != nil {
			p.logger.Debug("agent stream close failed", "error", err)
		}

		if !IsClientGone(cause) {
			p.writeClose(cause)
		}
		_ = p.conn.Close()
	})
}

func (p *Pair) writeClose(cause error) {
	code := websocket.CloseNormalClosure
	text := ""

	var decErr *protocol.DecodeError
	var agentErr *agent.Error
	switch {
	case cause == nil:
	case errors.As(cause, &decErr):
		p.writeErrorFrame(protocol.NewServerError(decErr.Code, decErr.Error(), true))
		code, text = websocket.ClosePolicyViolation, decErr.Code
	case errors.As(cause, &agentErr):
		p.writeErrorFrame(protocol.NewServerError("agent_error", "agent stream failed", true))
		code, text = websocket.CloseInternalServerErr, "agent_error"
	case errors.Is(cause, ErrShutdown):
		code, text = websocket.CloseGoingAway, "server shutting down"
	case errors.Is(cause, ErrSessionClosed):
		text = "session closed"
	default:
		code, text = websocket.CloseGoingAway, closeText(cause.Error())
	}

	deadline := time.Now().Add(p.cfg.WriteTimeout)
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func (p *Pair) writeErrorFrame(frame protocol.ServerError) {
	if err := p.writeJSON(frame); err != nil {
		p.logger.Debug("error frame write failed", "error", err)
	}
}

func (p *Pair) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

// closeText trims s to fit a close frame payload.
func closeText(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func (p *Pair) relayed(dir Direction, kind string) {
	p.touch()
	if p.observer != nil {
		p.observer.FrameRelayed(dir, kind)
	}
}
