package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ErrReplaced is the cancellation cause given to a connection that lost its
// session key to a newer connection.
var ErrReplaced = errors.New("replaced by a newer connection")

// Handle lets the tracker stop a live connection and observe its exit.
type Handle struct {
	ConnID string
	Cancel func(cause error)
	// Done is closed once the connection has released its resources.
	Done <-chan struct{}
}

// Tracker holds at most one live connection per session key.
type Tracker struct {
	conns       cmap.ConcurrentMap[string, *trackedConn]
	replaceWait time.Duration
	wg          sync.WaitGroup
}

type trackedConn struct {
	handle Handle
	once   sync.Once
}

func NewTracker(replaceWait time.Duration) *Tracker {
	return &Tracker{
		conns:       cmap.New[*trackedConn](),
		replaceWait: replaceWait,
	}
}

// Register binds h to key. An existing connection for key is cancelled with
// ErrReplaced and awaited for up to the replace wait before Register
// returns; replaced reports whether that happened.
func (t *Tracker) Register(key string, h Handle) (unregister func(), replaced bool) {
	if t == nil {
		return func() {}, false
	}

	entry := &trackedConn{handle: h}
	t.wg.Add(1)

	var old *trackedConn
	t.conns.Upsert(key, entry, func(exist bool, valueInMap, newValue *trackedConn) *trackedConn {
		if exist {
			old = valueInMap
		}
		return newValue
	})

	if old != nil {
		t.evict(old)
	}
	return func() { t.unregister(key, entry) }, old != nil
}

func (t *Tracker) evict(old *trackedConn) {
	if old.handle.Cancel != nil {
		old.handle.Cancel(ErrReplaced)
	}
	if old.handle.Done == nil || t.replaceWait <= 0 {
		return
	}
	timer := time.NewTimer(t.replaceWait)
	defer timer.Stop()
	select {
	case <-old.handle.Done:
	case <-timer.C:
	}
}

func (t *Tracker) unregister(key string, entry *trackedConn) {
	entry.once.Do(func() {
		t.conns.RemoveCb(key, func(_ string, v *trackedConn, exists bool) bool {
			return exists && v == entry
		})
		t.wg.Done()
	})
}

// ConnID returns the connection currently bound to key.
func (t *Tracker) ConnID(key string) (string, bool) {
	if t == nil {
		return "", false
	}
	entry, ok := t.conns.Get(key)
	if !ok {
		return "", false
	}
	return entry.handle.ConnID, true
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	return t.conns.Count()
}

// CancelAll cancels every live connection with cause.
func (t *Tracker) CancelAll(cause error) (canceled int) {
	if t == nil {
		return 0
	}
	for _, entry := range t.conns.Items() {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		entry.handle.Cancel(cause)
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection has unregistered or ctx
// ends. It reports whether all connections finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
