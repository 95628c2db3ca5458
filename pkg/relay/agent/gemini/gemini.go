// Package gemini implements the agent collaborator on top of the Gemini Live
// API. One Live session backs one conversation handle; a single receive
// goroutine per handle feeds whichever event stream is current.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
)

const (
	BackendGemini = "gemini"
	BackendVertex = "vertex"

	inputAudioMIMEType  = "audio/pcm;rate=16000"
	outputAudioMIMEType = "audio/pcm"
)

type liveSession interface {
	SendClientContent(input genai.LiveClientContentInput) error
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

type ClientConfig struct {
	Backend  string
	APIKey   string
	Project  string
	Location string
}

func NewClient(ctx context.Context, cfg ClientConfig) (*genai.Client, error) {
	cc := &genai.ClientConfig{}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendGemini:
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	case BackendVertex:
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	default:
		return nil, fmt.Errorf("unsupported genai backend %q", cfg.Backend)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

type Config struct {
	Model             string
	Voice             string
	SystemInstruction string
}

// Factory opens Live API conversations.
type Factory struct {
	cfg     Config
	connect connectFunc
	logger  *slog.Logger
}

func NewFactory(client *genai.Client, cfg Config, logger *slog.Logger) *Factory {
	connect := func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
		s, err := client.Live.Connect(ctx, model, lc)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return newFactory(cfg, connect, logger)
}

func newFactory(cfg Config, connect connectFunc, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, connect: connect, logger: logger}
}

// Open dials a Live session. ctx bounds the dial only; the conversation
// outlives it until the handle is closed.
func (f *Factory) Open(ctx context.Context, key string, cfg agent.SessionConfig) (agent.Handle, error) {
	sess, err := f.connect(ctx, f.cfg.Model, f.connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("gemini live connect (model %s): %w", f.cfg.Model, err)
	}
	f.logger.Debug("gemini live session opened", "session_key", key, "model", f.cfg.Model, "modality", cfg.Modality)
	return newHandle(sess, f.logger.With("session_key", key)), nil
}

func (f *Factory) connectConfig(cfg agent.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityText},
	}
	if cfg.IsAudio() {
		lc.ResponseModalities = []genai.Modality{genai.ModalityAudio}
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
		if voice := strings.TrimSpace(f.cfg.Voice); voice != "" {
			lc.SpeechConfig = &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
				},
			}
		}
	}
	if prompt := strings.TrimSpace(f.cfg.SystemInstruction); prompt != "" {
		lc.SystemInstruction = genai.NewContentFromText(prompt, genai.RoleUser)
	}
	return lc
}

type handle struct {
	sess   liveSession
	logger *slog.Logger

	mu      sync.Mutex
	current *stream
	closed  bool
	failure error

	recvOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newHandle(sess liveSession, logger *slog.Logger) *handle {
	return &handle{
		sess:   sess,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (h *handle) usable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return agent.ErrHandleClosed
	}
	if h.failure != nil {
		return &agent.Error{Op: "receive", Err: h.failure}
	}
	return nil
}

func (h *handle) SendText(ctx context.Context, text string) error {
	if err := h.usable(); err != nil {
		return err
	}
	return h.sess.SendClientContent(genai.LiveClientContentInput{
		Turns: []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
	})
}

func (h *handle) SendRealtime(ctx context.Context, blob agent.Blob) error {
	if err := h.usable(); err != nil {
		return err
	}
	mimeType := strings.TrimSpace(blob.MIMEType)
	var in genai.LiveRealtimeInput
	switch {
	case mimeType == "audio/pcm":
		in.Audio = &genai.Blob{MIMEType: inputAudioMIMEType, Data: blob.Data}
	case strings.HasPrefix(mimeType, "audio/"):
		in.Audio = &genai.Blob{MIMEType: mimeType, Data: blob.Data}
	case strings.HasPrefix(mimeType, "image/"), strings.HasPrefix(mimeType, "video/"):
		in.Video = &genai.Blob{MIMEType: mimeType, Data: blob.Data}
	default:
		return fmt.Errorf("unsupported realtime mime type %q", mimeType)
	}
	return h.sess.SendRealtimeInput(in)
}

func (h *handle) Stream(ctx context.Context) (agent.Stream, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, agent.ErrHandleClosed
	}
	if h.failure != nil {
		err := h.failure
		h.mu.Unlock()
		return nil, &agent.Error{Op: "stream", Err: err}
	}
	prev := h.current
	s := &stream{
		h:      h,
		events: make(chan agent.Event),
		done:   make(chan struct{}),
	}
	h.current = s
	h.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	h.recvOnce.Do(func() { go h.recvLoop() })
	return s, nil
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.done)
		h.closeErr = h.sess.Close()
	})
	return h.closeErr
}

func (h *handle) detach(s *stream) {
	h.mu.Lock()
	if h.current == s {
		h.current = nil
	}
	h.mu.Unlock()
}

func (h *handle) recvLoop() {
	for {
		msg, err := h.sess.Receive()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			if !closed {
				h.failure = err
			}
			cur := h.current
			h.current = nil
			h.mu.Unlock()

			if closed {
				h.logger.Debug("gemini live receive stopped", "reason", "closed")
			} else {
				h.logger.Warn("gemini live receive failed", "error", err)
			}
			if cur != nil {
				if closed {
					cur.finish(nil)
				} else {
					cur.finish(&agent.Error{Op: "receive", Err: err})
				}
			}
			return
		}
		for _, ev := range translate(msg) {
			if !h.deliver(ev) {
				h.finishCurrent()
				return
			}
		}
	}
}

func (h *handle) finishCurrent() {
	h.mu.Lock()
	cur := h.current
	h.current = nil
	h.mu.Unlock()
	if cur != nil {
		cur.finish(nil)
	}
}

// deliver blocks until the current stream takes ev. Events that arrive while
// no stream is attached are dropped.
func (h *handle) deliver(ev agent.Event) bool {
	for {
		h.mu.Lock()
		cur := h.current
		h.mu.Unlock()
		if cur == nil {
			return true
		}
		select {
		case cur.events <- ev:
			return true
		case <-cur.done:
		case <-h.done:
			return false
		}
	}
}

func translate(msg *genai.LiveServerMessage) []agent.Event {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	sc := msg.ServerContent

	var out []agent.Event
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, agent.TextChunk{Text: t.Text, Partial: !t.Finished, Role: agent.RoleUser})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && strings.HasPrefix(part.InlineData.MIMEType, "audio/pcm") {
				out = append(out, agent.AudioChunk{MIMEType: outputAudioMIMEType, Data: part.InlineData.Data})
				continue
			}
			if part.Text != "" {
				out = append(out, agent.TextChunk{Text: part.Text, Partial: true, Role: agent.RoleModel})
			}
		}
	}
	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, agent.TextChunk{Text: t.Text, Partial: !t.Finished, Role: agent.RoleModel})
	}
	if sc.TurnComplete || sc.Interrupted {
		out = append(out, agent.ControlMarker{TurnComplete: sc.TurnComplete, Interrupted: sc.Interrupted})
	}
	return out
}

type stream struct {
	h      *handle
	events chan agent.Event
	done   chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *stream) Events() <-chan agent.Event { return s.events }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.h.detach(s)
	})
	return nil
}

// finish is only called from the receive goroutine, which is also the only
// sender on events.
func (s *stream) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}
