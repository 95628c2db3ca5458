// Package journal records session lifecycle events off the hot path. The
// store notifies the Journal synchronously; the Journal queues the event and
// a single writer goroutine appends batches to a Backend.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-live-relay/pkg/relay/store"
)

const maxBatch = 64

// Record is one persisted lifecycle event.
type Record struct {
	Key      string
	Event    string
	Reason   string
	Modality string
	At       time.Time
}

type Backend interface {
	Append(ctx context.Context, records []Record) error
}

type Journal struct {
	backend Backend
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Record

	dropped atomic.Int64
	done    chan struct{}
}

// New starts the writer goroutine. buffer bounds the number of queued
// events; once full, new events are dropped and counted.
func New(backend Backend, buffer int, logger *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		backend: backend,
		logger:  logger,
		queue:   make(chan Record, buffer),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Observe implements store.Observer. It never blocks.
func (j *Journal) Observe(ev store.Event) {
	if j == nil {
		return
	}
	rec := Record{
		Key:      ev.Key,
		Event:    string(ev.Kind),
		Reason:   string(ev.Reason),
		Modality: string(ev.Modality),
		At:       ev.At,
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.queue <- rec:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.logger.Warn("journal queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped reports how many events were discarded because the queue was full
// or the journal was closed.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) run() {
	defer close(j.done)
	batch := make([]Record, 0, maxBatch)
	for rec := range j.queue {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-j.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		j.flush(batch)
	}
}

func (j *Journal) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.backend.Append(ctx, batch); err != nil {
		j.logger.Error("journal append failed", "records", len(batch), "error", err)
	}
}

// Close stops accepting events and waits for queued events to be written.
func (j *Journal) Close(ctx context.Context) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("journal close: queue not drained"), ctx.Err())
	}
}
