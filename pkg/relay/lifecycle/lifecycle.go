package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle is the process lifecycle state shared across handlers. Draining
// flips readiness; the shutdown signal is raised at most once and tells every
// running relay to stop.
type Lifecycle struct {
	draining atomic.Bool

	initOnce     sync.Once
	shutdownOnce sync.Once
	shutdown     chan struct{}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

func (l *Lifecycle) init() {
	l.initOnce.Do(func() { l.shutdown = make(chan struct{}) })
}

// BeginShutdown raises the shutdown signal. Later calls are no-ops.
func (l *Lifecycle) BeginShutdown() {
	if l == nil {
		return
	}
	l.init()
	l.shutdownOnce.Do(func() {
		l.draining.Store(true)
		close(l.shutdown)
	})
}

// ShuttingDown is closed once BeginShutdown has been called. A nil
// Lifecycle never shuts down.
func (l *Lifecycle) ShuttingDown() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.init()
	return l.shutdown
}
