package store

import "time"

// Timer is the part of *time.Timer the supervisor needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. It mirrors time.AfterFunc so tests can
// drive expiry by hand.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// armLocked cancels the session's pending expiry and schedules a new one.
// The generation bump makes a timer that already fired, but has not yet
// acquired s.mu, a no-op.
func (s *Store) armLocked(sess *Session) {
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.gen++
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	gen := sess.gen
	sess.timer = s.cfg.AfterFunc(s.cfg.IdleTimeout, func() {
		s.expire(sess, gen)
	})
}

func (s *Store) disarmLocked(sess *Session) {
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.gen++
}

func (s *Store) expire(sess *Session, gen uint64) {
	s.mu.Lock()
	if cur, ok := s.entries[sess.key]; !ok || cur != sess || sess.gen != gen {
		s.mu.Unlock()
		return
	}
	s.detachLocked(sess)
	s.mu.Unlock()

	s.release([]eviction{{sess: sess, reason: ReasonExpired}})
}
