// Package store holds the bounded pool of live agent sessions. Entries are
// kept in least-recently-touched order; inserting beyond capacity evicts from
// the cold end, and every entry carries an idle expiry timer.
package store

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
)

var (
	ErrClosed           = errors.New("session store closed")
	ErrEmptyKey         = errors.New("session key is required")
	ErrInvalidCapacity  = errors.New("max sessions must be > 0")
	ErrDrainTimeout     = errors.New("session store drain timed out")
	errMissingFactory   = errors.New("agent factory is required")
	errUnexpectedResult = errors.New("unexpected create result")
)

type Config struct {
	MaxSessions int
	// IdleTimeout <= 0 disables idle expiry.
	IdleTimeout time.Duration

	// OpenTimeout bounds one agent open. Defaults to 30s.
	OpenTimeout time.Duration

	Now       func() time.Time
	AfterFunc AfterFunc
}

type Dependencies struct {
	Factory  agent.Factory
	Observer Observer
	Logger   *slog.Logger
	Config   Config
}

type Store struct {
	factory  agent.Factory
	observer Observer
	logger   *slog.Logger
	cfg      Config

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*Session
	lru     *list.List
	closed  bool
}

type eviction struct {
	sess   *Session
	reason Reason
}

type createResult struct {
	sess    *Session
	created bool
	replace bool
}

func New(deps Dependencies) (*Store, error) {
	if deps.Config.MaxSessions <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidCapacity, deps.Config.MaxSessions)
	}
	if deps.Factory == nil {
		return nil, errMissingFactory
	}
	cfg := deps.Config
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		factory:  deps.Factory,
		observer: deps.Observer,
		logger:   logger,
		cfg:      cfg,
		entries:  make(map[string]*Session),
		lru:      list.New(),
	}, nil
}

// GetOrCreate returns the live session for key, refreshing its recency, or
// opens a new one. Concurrent creates for the same key share one open.
func (s *Store) GetOrCreate(ctx context.Context, key string, cfg agent.SessionConfig) (*Session, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	sess, err := s.lookup(key)
	if err != nil {
		return nil, false, err
	}
	if sess != nil {
		s.notify(Event{Key: key, Kind: EventReused, Modality: sess.config.Modality})
		return sess, false, nil
	}

	res, err := s.flight(ctx, key, cfg, false)
	if err != nil {
		return nil, false, err
	}
	if !res.created {
		s.notify(Event{Key: key, Kind: EventReused, Modality: res.sess.config.Modality})
	}
	return res.sess, res.created, nil
}

// Recreate tears down any existing session for key and opens a fresh one.
// The old handle is closed before the new one is opened.
func (s *Store) Recreate(ctx context.Context, key string, cfg agent.SessionConfig) (*Session, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	for {
		res, err := s.flight(ctx, key, cfg, true)
		if err != nil {
			return nil, err
		}
		if res.replace {
			return res.sess, nil
		}
		// Joined a plain create that was already in flight; go again.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// flight runs create once per key. The open outlives any single caller;
// each caller stops waiting when its own ctx ends.
func (s *Store) flight(ctx context.Context, key string, cfg agent.SessionConfig, replace bool) (createResult, error) {
	ch := s.group.DoChan(key, func() (any, error) {
		return s.create(ctx, key, cfg, replace)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return createResult{}, context.Cause(ctx)
	}
	if r.Err != nil {
		return createResult{}, r.Err
	}
	res, ok := r.Val.(createResult)
	if !ok {
		return createResult{}, errUnexpectedResult
	}
	return res, nil
}

func (s *Store) create(ctx context.Context, key string, cfg agent.SessionConfig, replace bool) (createResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return createResult{}, ErrClosed
	}
	var victims []eviction
	if old, ok := s.entries[key]; ok {
		if !replace {
			s.touchLocked(old)
			s.mu.Unlock()
			return createResult{sess: old}, nil
		}
		s.detachLocked(old)
		victims = append(victims, eviction{sess: old, reason: ReasonReplaced})
	}
	s.mu.Unlock()
	s.release(victims)

	// LRU victims are chosen only once the new handle exists, so a failed
	// open leaves other sessions untouched.
	openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpenTimeout)
	h, err := s.factory.Open(openCtx, key, cfg)
	cancel()
	if err != nil {
		return createResult{}, fmt.Errorf("open agent session %q: %w", key, err)
	}
	sess := newSession(key, cfg, h, s.cfg.Now())

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = h.Close()
			return createResult{}, ErrClosed
		}
		victims = victims[:0]
		if old, ok := s.entries[key]; ok {
			if !replace {
				s.touchLocked(old)
				s.mu.Unlock()
				_ = h.Close()
				return createResult{sess: old}, nil
			}
			s.detachLocked(old)
			victims = append(victims, eviction{sess: old, reason: ReasonReplaced})
		}
		victims = append(victims, s.evictLocked(s.cfg.MaxSessions-1)...)
		if len(victims) == 0 {
			sess.elem = s.lru.PushFront(sess)
			s.entries[key] = sess
			s.armLocked(sess)
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		// Victims are fully closed before the new session becomes visible.
		s.release(victims)
	}

	reason := ReasonNew
	if replace {
		reason = ReasonRecreate
	}
	s.logger.Info("session created", "session_key", key, "modality", cfg.Modality, "reason", reason)
	s.notify(Event{Key: key, Kind: EventCreated, Reason: reason, Modality: cfg.Modality})
	return createResult{sess: sess, created: true, replace: replace}, nil
}

func (s *Store) lookup(key string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sess, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	s.touchLocked(sess)
	return sess, nil
}

// Touch moves key to the most recently used position and restarts its idle
// timer. It reports whether key was present.
func (s *Store) Touch(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.entries[key]
	if !ok {
		return false
	}
	s.touchLocked(sess)
	return true
}

// TouchSession is Touch restricted to sess still being the entry for its key.
func (s *Store) TouchSession(sess *Session) bool {
	if sess == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[sess.key]; !ok || cur != sess {
		return false
	}
	s.touchLocked(sess)
	return true
}

func (s *Store) touchLocked(sess *Session) {
	s.lru.MoveToFront(sess.elem)
	sess.touch(s.cfg.Now())
	s.armLocked(sess)
}

// Remove closes the session's agent handle and deletes the entry. Removing a
// missing key is not an error.
func (s *Store) Remove(key string) error {
	return s.removeKey(key, ReasonRemoved)
}

func (s *Store) removeKey(key string, reason Reason) error {
	s.mu.Lock()
	sess, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.detachLocked(sess)
	s.mu.Unlock()

	return s.release([]eviction{{sess: sess, reason: reason}})
}

// Discard removes sess after its agent failed. A newer session for the same
// key is left alone.
func (s *Store) Discard(sess *Session) error {
	if sess == nil {
		return nil
	}
	s.mu.Lock()
	if cur, ok := s.entries[sess.key]; !ok || cur != sess {
		s.mu.Unlock()
		return nil
	}
	s.detachLocked(sess)
	s.mu.Unlock()

	return s.release([]eviction{{sess: sess, reason: ReasonFailed}})
}

// Get returns the session for key without refreshing it.
func (s *Store) Get(key string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.entries[key]
	return sess, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns a snapshot ordered from most to least recently touched.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, s.lru.Len())
	for e := s.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Session).key)
	}
	return out
}

// Drain closes the store to new sessions and removes every entry in
// parallel. It returns once all handles are closed or ctx ends.
func (s *Store) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	keys := s.Keys()
	if len(keys) == 0 {
		return nil
	}

	var (
		g       errgroup.Group
		pending atomic.Int64
	)
	pending.Store(int64(len(keys)))
	for _, key := range keys {
		g.Go(func() error {
			defer pending.Add(-1)
			return s.removeKey(key, ReasonShutdown)
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %d sessions still closing", ErrDrainTimeout, pending.Load())
	}
}

// evictLocked detaches least recently used entries until at most limit
// remain.
func (s *Store) evictLocked(limit int) []eviction {
	var out []eviction
	for len(s.entries) > limit {
		back := s.lru.Back()
		if back == nil {
			break
		}
		sess := back.Value.(*Session)
		s.detachLocked(sess)
		out = append(out, eviction{sess: sess, reason: ReasonEvicted})
	}
	return out
}

func (s *Store) detachLocked(sess *Session) {
	s.disarmLocked(sess)
	if sess.elem != nil {
		s.lru.Remove(sess.elem)
		sess.elem = nil
	}
	if cur, ok := s.entries[sess.key]; ok && cur == sess {
		delete(s.entries, sess.key)
	}
	sess.setState(StateClosing)
}

func (s *Store) release(victims []eviction) error {
	var errs []error
	for _, v := range victims {
		err := v.sess.close()
		if err != nil {
			s.logger.Warn("agent handle close failed", "session_key", v.sess.key, "reason", v.reason, "error", err)
			errs = append(errs, fmt.Errorf("close session %q: %w", v.sess.key, err))
		} else {
			s.logger.Info("session removed", "session_key", v.sess.key, "reason", v.reason)
		}
		s.notify(Event{Key: v.sess.key, Kind: EventRemoved, Reason: v.reason, Modality: v.sess.config.Modality})
	}
	return errors.Join(errs...)
}

func (s *Store) notify(ev Event) {
	if s.observer == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.cfg.Now()
	}
	s.observer.Observe(ev)
}
