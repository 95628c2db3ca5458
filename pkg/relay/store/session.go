package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
)

type State int

const (
	StateCreated State = iota
	StateActive
	StateIdle
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one conversation held by the store. The store exclusively owns
// the agent handle; connections borrow it through Handle.
type Session struct {
	key       string
	config    agent.SessionConfig
	handle    agent.Handle
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	state        State

	// Guarded by Store.mu.
	elem  *list.Element
	timer Timer
	gen   uint64

	closeOnce sync.Once
	closeErr  error
}

func newSession(key string, cfg agent.SessionConfig, h agent.Handle, now time.Time) *Session {
	return &Session{
		key:          key,
		config:       cfg,
		handle:       h,
		createdAt:    now,
		lastActivity: now,
		state:        StateCreated,
	}
}

func (s *Session) Key() string                 { return s.key }
func (s *Session) Config() agent.SessionConfig { return s.config }
func (s *Session) Handle() agent.Handle        { return s.handle }
func (s *Session) CreatedAt() time.Time        { return s.createdAt }

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkActive records that a connection is relaying for this session.
func (s *Session) MarkActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCreated || s.state == StateIdle {
		s.state = StateActive
	}
}

// MarkIdle records that no connection is bound anymore.
func (s *Session) MarkIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive || s.state == StateCreated {
		s.state = StateIdle
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// close releases the agent handle. Every exit path funnels through here, so
// the handle is closed exactly once.
func (s *Session) close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.closeErr = s.handle.Close()
		s.setState(StateClosed)
	})
	return s.closeErr
}
