// Package agenttest provides an in-memory agent collaborator whose event
// streams are driven by the test.
package agenttest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
)

type Stream struct {
	events chan agent.Event
	done   chan struct{}

	mu       sync.Mutex
	finished bool

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closes    atomic.Int64
}

func newStream() *Stream {
	return &Stream{
		events: make(chan agent.Event),
		done:   make(chan struct{}),
	}
}

func (s *Stream) Events() <-chan agent.Event { return s.events }

func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Done is closed once the consumer has closed the stream.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) CloseCount() int { return int(s.closes.Load()) }

// Emit hands ev to the consumer and blocks until it is taken. It returns false
// if the stream was closed, finished, or ctx ended first.
func (s *Stream) Emit(ctx context.Context, ev agent.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finish ends the sequence. A non-nil err marks the stream as failed.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	close(s.events)
}

type Handle struct {
	Key    string
	Config agent.SessionConfig

	mu      sync.Mutex
	closed  bool
	current *Stream
	sendErr error
	inputs  []any

	streams chan *Stream
	sent    chan any
	closes  atomic.Int64
}

func NewHandle(key string, cfg agent.SessionConfig) *Handle {
	return &Handle{
		Key:     key,
		Config:  cfg,
		streams: make(chan *Stream, 64),
		sent:    make(chan any, 256),
	}
}

// SetSendErr makes subsequent sink calls fail with err.
func (h *Handle) SetSendErr(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

func (h *Handle) SendText(ctx context.Context, text string) error {
	return h.record(text)
}

func (h *Handle) SendRealtime(ctx context.Context, blob agent.Blob) error {
	data := make([]byte, len(blob.Data))
	copy(data, blob.Data)
	return h.record(agent.Blob{MIMEType: blob.MIMEType, Data: data})
}

func (h *Handle) record(in any) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return agent.ErrHandleClosed
	}
	if h.sendErr != nil {
		err := h.sendErr
		h.mu.Unlock()
		return err
	}
	h.inputs = append(h.inputs, in)
	h.mu.Unlock()

	select {
	case h.sent <- in:
	default:
	}
	return nil
}

func (h *Handle) Stream(ctx context.Context) (agent.Stream, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, agent.ErrHandleClosed
	}
	prev := h.current
	s := newStream()
	h.current = s
	h.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	select {
	case h.streams <- s:
	default:
	}
	return s, nil
}

func (h *Handle) Close() error {
	h.closes.Add(1)
	h.mu.Lock()
	var cur *Stream
	if !h.closed {
		h.closed = true
		cur = h.current
	}
	h.mu.Unlock()
	if cur != nil {
		cur.Finish(nil)
	}
	return nil
}

func (h *Handle) CloseCount() int { return int(h.closes.Load()) }

func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Inputs returns everything the sink accepted, in order. Items are either
// string (text content) or agent.Blob.
func (h *Handle) Inputs() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]any, len(h.inputs))
	copy(out, h.inputs)
	return out
}

// NextInput waits for the next accepted sink input.
func (h *Handle) NextInput(ctx context.Context) (any, error) {
	select {
	case in := <-h.sent:
		return in, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextStream waits for the next stream handed out by Stream.
func (h *Handle) NextStream(ctx context.Context) (*Stream, error) {
	select {
	case s := <-h.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type Factory struct {
	mu      sync.Mutex
	handles []*Handle
	openErr error
	gate    <-chan struct{}

	opened chan *Handle
}

func NewFactory() *Factory {
	return &Factory{opened: make(chan *Handle, 64)}
}

func (f *Factory) SetOpenErr(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// SetGate makes Open block until gate is closed.
func (f *Factory) SetGate(gate <-chan struct{}) {
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
}

func (f *Factory) Open(ctx context.Context, key string, cfg agent.SessionConfig) (agent.Handle, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		return nil, err
	}
	h := NewHandle(key, cfg)
	f.handles = append(f.handles, h)
	f.mu.Unlock()

	select {
	case f.opened <- h:
	default:
	}
	return h, nil
}

func (f *Factory) Handles() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Handle, len(f.handles))
	copy(out, f.handles)
	return out
}

func (f *Factory) HandlesFor(key string) []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Handle
	for _, h := range f.handles {
		if h.Key == key {
			out = append(out, h)
		}
	}
	return out
}

func (f *Factory) NextHandle(ctx context.Context) (*Handle, error) {
	select {
	case h := <-f.opened:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
