package store

import (
	"time"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
)

type EventKind string

const (
	EventCreated EventKind = "created"
	EventReused  EventKind = "reused"
	EventRemoved EventKind = "removed"
)

type Reason string

const (
	ReasonNew      Reason = "new"
	ReasonRecreate Reason = "recreate"

	ReasonRemoved  Reason = "removed"
	ReasonExpired  Reason = "expired"
	ReasonEvicted  Reason = "evicted"
	ReasonReplaced Reason = "replaced"
	ReasonFailed   Reason = "failed"
	ReasonShutdown Reason = "shutdown"
)

// Event describes a session lifecycle change. Observers are called outside
// the store lock and must not block.
type Event struct {
	Key      string
	Kind     EventKind
	Reason   Reason
	Modality agent.Modality
	At       time.Time
}

type Observer interface {
	Observe(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Observers fans one event out to several observers.
type Observers []Observer

func (o Observers) Observe(ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(ev)
		}
	}
}
