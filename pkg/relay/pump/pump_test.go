package pump

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
	"github.com/vango-go/vai-live-relay/pkg/relay/agent/agenttest"
	"github.com/vango-go/vai-live-relay/pkg/relay/protocol"
)

type fakeRead struct {
	messageType int
	data        []byte
	err         error
}

type fakeConn struct {
	reads   chan fakeRead
	written chan []byte

	mu         sync.Mutex
	frames     [][]byte
	closeCodes []int
	pings      int
	closes     int
	blockWrite bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:   make(chan fakeRead, 16),
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		return r.messageType, r.data, r.err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	block := c.blockWrite
	c.mu.Unlock()
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if block {
		<-c.closed
		return net.ErrClosed
	}
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	select {
	case c.written <- data:
	default:
	}
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch messageType {
	case websocket.CloseMessage:
		code := websocket.CloseNoStatusReceived
		if len(data) >= 2 {
			code = int(binary.BigEndian.Uint16(data[:2]))
		}
		c.closeCodes = append(c.closeCodes, code)
	case websocket.PingMessage:
		c.pings++
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, raw string) {
	t.Helper()
	c.reads <- fakeRead{messageType: websocket.TextMessage, data: []byte(raw)}
}

func (c *fakeConn) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.written:
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("frame is not json: %s", data)
		}
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
		return nil
	}
}

func (c *fakeConn) closeCodesSnapshot() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.closeCodes...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type countingObserver struct {
	mu      sync.Mutex
	relayed map[Direction]int
	dropped int
}

func (o *countingObserver) FrameRelayed(dir Direction, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.relayed == nil {
		o.relayed = make(map[Direction]int)
	}
	o.relayed[dir]++
}

func (o *countingObserver) FrameDropped(kind string) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

type harness struct {
	conn     *fakeConn
	handle   *agenttest.Handle
	stream   *agenttest.Stream
	pair     *Pair
	shutdown chan struct{}
	observer *countingObserver
	touches  chan struct{}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		conn:     newFakeConn(),
		handle:   agenttest.NewHandle("u1", agent.SessionConfig{}),
		shutdown: make(chan struct{}),
		observer: &countingObserver{},
		touches:  make(chan struct{}, 256),
	}
	s, err := h.handle.Stream(context.Background())
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	h.stream = s.(*agenttest.Stream)
	h.pair, err = New(Dependencies{
		Conn:     h.conn,
		Sink:     h.handle,
		Stream:   s,
		Shutdown: h.shutdown,
		Touch: func() {
			select {
			case h.touches <- struct{}{}:
			default:
			}
		},
		Observer: h.observer,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return h
}

func (h *harness) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.pair.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("Run() did not return")
		return nil
	}
}

func (h *harness) assertReleased(t *testing.T) {
	t.Helper()
	if !h.conn.isClosed() {
		t.Fatalf("socket not closed")
	}
	select {
	case <-h.stream.Done():
	default:
		t.Fatalf("agent stream not closed")
	}
	if got := h.stream.CloseCount(); got != 1 {
		t.Fatalf("stream close count=%d, want 1", got)
	}
}

func TestRun_RelaysTextTurn(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	done := h.start(ctx)

	h.conn.send(t, `{"mime_type":"text/plain","data":"hi"}`)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	in, err := h.handle.NextInput(waitCtx)
	if err != nil {
		t.Fatalf("NextInput() error: %v", err)
	}
	if in != "hi" {
		t.Fatalf("input=%v, want hi", in)
	}

	go func() {
		h.stream.Emit(ctx, agent.TextChunk{Text: "h", Partial: true, Role: agent.RoleModel})
		h.stream.Emit(ctx, agent.TextChunk{Text: "hi", Partial: true, Role: agent.RoleModel})
		h.stream.Emit(ctx, agent.ControlMarker{TurnComplete: true})
	}()

	for _, want := range []string{"h", "hi"} {
		f := h.conn.nextFrame(t)
		if f["mime_type"] != "text/plain" || f["data"] != want || f["partial"] != true || f["role"] != "model" {
			t.Fatalf("text frame=%v, want data %q", f, want)
		}
	}
	f := h.conn.nextFrame(t)
	if f["turn_complete"] != true || f["interrupted"] != false {
		t.Fatalf("control frame=%v", f)
	}

	h.conn.reads <- fakeRead{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
	err = waitRun(t, done)
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("Run() err=%v, want ErrClientGone", err)
	}
	h.assertReleased(t)
	if codes := h.conn.closeCodesSnapshot(); len(codes) != 0 {
		t.Fatalf("close frame written to a departed client: %v", codes)
	}
	if h.handle.Closed() {
		t.Fatalf("pump closed the agent handle it only borrows")
	}
}

func TestRun_AudioFrameIsBase64Encoded(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := h.start(ctx)

	go h.stream.Emit(ctx, agent.AudioChunk{MIMEType: "audio/pcm", Data: []byte{1, 2, 3}})
	f := h.conn.nextFrame(t)
	if f["mime_type"] != "audio/pcm" || f["data"] != "AQID" {
		t.Fatalf("audio frame=%v", f)
	}

	cancel()
	if err := waitRun(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() err=%v, want context.Canceled", err)
	}
	h.assertReleased(t)
}

func TestRun_StreamExhaustionEndsNormally(t *testing.T) {
	h := newHarness(t, Config{})
	done := h.start(context.Background())

	h.stream.Finish(nil)
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() err=%v, want nil", err)
	}
	h.assertReleased(t)
	if codes := h.conn.closeCodesSnapshot(); len(codes) != 1 || codes[0] != websocket.CloseNormalClosure {
		t.Fatalf("close codes=%v", codes)
	}
}

func TestRun_ClientDisconnectStopsOutbound(t *testing.T) {
	h := newHarness(t, Config{})
	done := h.start(context.Background())

	h.conn.reads <- fakeRead{err: io.EOF}
	err := waitRun(t, done)
	if !IsClientGone(err) {
		t.Fatalf("Run() err=%v, want client gone", err)
	}
	h.assertReleased(t)
}

func TestRun_MalformedFrameIsFatalToConnection(t *testing.T) {
	h := newHarness(t, Config{})
	done := h.start(context.Background())

	h.conn.send(t, `{"mime_type":"application/x-unknown","data":"x"}`)
	err := waitRun(t, done)
	var decErr *protocol.DecodeError
	if !errors.As(err, &decErr) || decErr.Code != "unsupported" {
		t.Fatalf("Run() err=%v, want unsupported DecodeError", err)
	}
	h.assertReleased(t)

	f := h.conn.nextFrame(t)
	if f["type"] != "error" || f["code"] != "unsupported" || f["close"] != true {
		t.Fatalf("error frame=%v", f)
	}
	if codes := h.conn.closeCodesSnapshot(); len(codes) != 1 || codes[0] != websocket.ClosePolicyViolation {
		t.Fatalf("close codes=%v", codes)
	}
	if h.handle.Closed() {
		t.Fatalf("agent handle closed on a client error")
	}
}

func TestRun_AgentStreamFailureIsSurfaced(t *testing.T) {
	h := newHarness(t, Config{})
	done := h.start(context.Background())

	h.stream.Finish(errors.New("upstream reset"))
	err := waitRun(t, done)
	var agentErr *agent.Error
	if !errors.As(err, &agentErr) || agentErr.Op != "receive" {
		t.Fatalf("Run() err=%v, want *agent.Error", err)
	}
	h.assertReleased(t)
	if codes := h.conn.closeCodesSnapshot(); len(codes) != 1 || codes[0] != websocket.CloseInternalServerErr {
		t.Fatalf("close codes=%v", codes)
	}
}

func TestRun_SinkFailureIsAgentError(t *testing.T) {
	h := newHarness(t, Config{})
	h.handle.SetSendErr(errors.New("send refused"))
	done := h.start(context.Background())

	h.conn.send(t, `{"mime_type":"text/plain","data":"hi"}`)
	err := waitRun(t, done)
	var agentErr *agent.Error
	if !errors.As(err, &agentErr) || agentErr.Op != "send" {
		t.Fatalf("Run() err=%v, want *agent.Error{Op: send}", err)
	}
	h.assertReleased(t)
}

func TestRun_ClosedHandleEndsRelay(t *testing.T) {
	h := newHarness(t, Config{})
	done := h.start(context.Background())

	_ = h.handle.Close()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() err=%v, want nil", err)
	}
	h.assertReleased(t)
}

func TestRun_CancelCauseIsReported(t *testing.T) {
	replaced := errors.New("replaced by a newer connection")
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancelCause(context.Background())
	done := h.start(ctx)

	cancel(replaced)
	if err := waitRun(t, done); !errors.Is(err, replaced) {
		t.Fatalf("Run() err=%v, want cause", err)
	}
	h.assertReleased(t)
	if codes := h.conn.closeCodesSnapshot(); len(codes) != 1 || codes[0] != websocket.CloseGoingAway {
		t.Fatalf("close codes=%v", codes)
	}
}

func TestRun_ShutdownSignalStopsBothLoops(t *testing.T) {
	h := newHarness(t, Config{})
	done := h.start(context.Background())

	close(h.shutdown)
	if err := waitRun(t, done); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Run() err=%v, want ErrShutdown", err)
	}
	h.assertReleased(t)
	if codes := h.conn.closeCodesSnapshot(); len(codes) != 1 || codes[0] != websocket.CloseGoingAway {
		t.Fatalf("close codes=%v", codes)
	}
}

func TestRun_StuckWriterIsForceClosed(t *testing.T) {
	h := newHarness(t, Config{CloseGrace: 50 * time.Millisecond})
	h.conn.mu.Lock()
	h.conn.blockWrite = true
	h.conn.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	done := h.start(ctx)

	if !h.stream.Emit(ctx, agent.TextChunk{Text: "stuck", Role: agent.RoleModel}) {
		t.Fatalf("Emit() was not taken")
	}
	start := time.Now()
	cancel()
	waitRun(t, done)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("teardown took %v", elapsed)
	}
	h.assertReleased(t)
}

// stuckSink accepts a send and never returns until released, whatever
// happens to ctx.
type stuckSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stuckSink) SendText(ctx context.Context, text string) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func (s *stuckSink) SendRealtime(ctx context.Context, blob agent.Blob) error {
	return s.SendText(ctx, "")
}

func TestRun_StuckSinkDoesNotBlockTeardown(t *testing.T) {
	for _, tc := range []struct {
		name string
		stop func(h *harness, cancel context.CancelFunc)
		want error
	}{
		{name: "cancel", stop: func(h *harness, cancel context.CancelFunc) { cancel() }, want: context.Canceled},
		{name: "shutdown", stop: func(h *harness, cancel context.CancelFunc) { close(h.shutdown) }, want: ErrShutdown},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			sink := &stuckSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
			t.Cleanup(func() { close(sink.release) })
			pair, err := New(Dependencies{
				Conn:     h.conn,
				Sink:     sink,
				Stream:   h.stream,
				Shutdown: h.shutdown,
				Observer: h.observer,
				Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
			})
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			h.pair = pair

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := h.start(ctx)

			h.conn.send(t, `{"mime_type":"text/plain","data":"hi"}`)
			select {
			case <-sink.entered:
			case <-time.After(2 * time.Second):
				t.Fatalf("sink never called")
			}

			start := time.Now()
			tc.stop(h, cancel)
			if err := waitRun(t, done); !errors.Is(err, tc.want) {
				t.Fatalf("Run() err=%v, want %v", err, tc.want)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Fatalf("teardown took %v", elapsed)
			}
			h.assertReleased(t)

			h.observer.mu.Lock()
			defer h.observer.mu.Unlock()
			if n := h.observer.relayed[DirectionInbound]; n != 0 {
				t.Fatalf("abandoned send counted as relayed: %d", n)
			}
		})
	}
}

func TestRun_ImageFramesRequireVideo(t *testing.T) {
	const frame = `{"mime_type":"image/jpeg","data":"/9j/"}`

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, Config{})
		done := h.start(context.Background())

		h.conn.send(t, frame)
		err := waitRun(t, done)
		var decErr *protocol.DecodeError
		if !errors.As(err, &decErr) || decErr.Code != "unsupported" {
			t.Fatalf("Run() err=%v, want unsupported DecodeError", err)
		}
		f := h.conn.nextFrame(t)
		if f["type"] != "error" || f["code"] != "unsupported" {
			t.Fatalf("error frame=%v", f)
		}
		if codes := h.conn.closeCodesSnapshot(); len(codes) != 1 || codes[0] != websocket.ClosePolicyViolation {
			t.Fatalf("close codes=%v", codes)
		}
		if len(h.handle.Inputs()) != 0 {
			t.Fatalf("image reached the agent: %v", h.handle.Inputs())
		}
	})

	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t, Config{AllowImages: true})
		ctx, cancel := context.WithCancel(context.Background())
		done := h.start(ctx)

		h.conn.send(t, frame)
		waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
		defer waitCancel()
		in, err := h.handle.NextInput(waitCtx)
		if err != nil {
			t.Fatalf("NextInput() error: %v", err)
		}
		blob, ok := in.(agent.Blob)
		if !ok || blob.MIMEType != protocol.MIMETypeImage || len(blob.Data) != 3 {
			t.Fatalf("input=%#v", in)
		}

		cancel()
		waitRun(t, done)
		h.assertReleased(t)
	})
}

func TestRun_InboundMediaRateLimit(t *testing.T) {
	h := newHarness(t, Config{InboundMaxFPS: 0.001, InboundBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := h.start(ctx)

	for i := 0; i < 3; i++ {
		h.conn.reads <- fakeRead{messageType: websocket.BinaryMessage, data: []byte{byte(i)}}
	}
	h.conn.send(t, `{"mime_type":"text/plain","data":"after"}`)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	var got []any
	for len(got) < 2 {
		in, err := h.handle.NextInput(waitCtx)
		if err != nil {
			t.Fatalf("NextInput() error: %v (got %v)", err, got)
		}
		got = append(got, in)
	}
	if blob, ok := got[0].(agent.Blob); !ok || blob.MIMEType != protocol.MIMETypeAudio || blob.Data[0] != 0 {
		t.Fatalf("first input=%v", got[0])
	}
	if got[1] != "after" {
		t.Fatalf("second input=%v", got[1])
	}

	cancel()
	waitRun(t, done)
	h.observer.mu.Lock()
	dropped := h.observer.dropped
	inbound := h.observer.relayed[DirectionInbound]
	h.observer.mu.Unlock()
	if dropped != 2 || inbound != 2 {
		t.Fatalf("dropped=%d inbound=%d, want 2 and 2", dropped, inbound)
	}
}

func TestRun_TouchesOnEveryRelayedMessage(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := h.start(ctx)

	h.conn.send(t, `{"mime_type":"text/plain","data":"one"}`)
	go h.stream.Emit(ctx, agent.ControlMarker{Interrupted: true})
	h.conn.nextFrame(t)

	for i := 0; i < 2; i++ {
		select {
		case <-h.touches:
		case <-time.After(2 * time.Second):
			t.Fatalf("touch %d not observed", i+1)
		}
	}
	cancel()
	waitRun(t, done)
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestIsClientGone(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"nil":         {err: nil, want: false},
		"eof":         {err: io.EOF, want: true},
		"close frame": {err: &websocket.CloseError{Code: websocket.CloseGoingAway}, want: true},
		"net closed":  {err: net.ErrClosed, want: true},
		"wrapped":     {err: clientGone("read", errors.New("reset")), want: true},
		"agent":       {err: &agent.Error{Op: "receive", Err: io.EOF}, want: false},
		"other":       {err: errors.New("boom"), want: false},
	}
	for name, tc := range cases {
		if got := IsClientGone(tc.err); got != tc.want {
			t.Fatalf("%s: IsClientGone=%v, want %v", name, got, tc.want)
		}
	}
}
