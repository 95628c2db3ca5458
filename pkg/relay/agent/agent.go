// Package agent defines the contract between the relay and the remote
// conversational model. A Handle is one conversation; it accepts input
// through its sink methods and hands out event streams. Only one stream is
// live per handle: requesting a new one retires the previous one.
package agent

import (
	"context"
	"errors"
	"fmt"
)

var ErrHandleClosed = errors.New("agent handle closed")

type Modality string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// SessionConfig is fixed when the conversation is opened.
type SessionConfig struct {
	Modality Modality
	Video    bool
}

func (c SessionConfig) IsAudio() bool {
	return c.Modality == ModalityAudio
}

type Role string

const (
	RoleModel Role = "model"
	RoleUser  Role = "user"
)

// Blob is a binary input chunk tagged with its media type.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Event is one item of an agent event stream. The set of implementations is
// closed: TextChunk, AudioChunk and ControlMarker.
type Event interface {
	isEvent()
}

type TextChunk struct {
	Text    string
	Partial bool
	Role    Role
}

type AudioChunk struct {
	MIMEType string
	Data     []byte
}

type ControlMarker struct {
	TurnComplete bool
	Interrupted  bool
}

func (TextChunk) isEvent()     {}
func (AudioChunk) isEvent()    {}
func (ControlMarker) isEvent() {}

// Stream is a lazy, non-restartable sequence of events. Events is closed when
// the sequence ends; Err then reports whether it ended because of a failure.
type Stream interface {
	Events() <-chan Event
	Err() error
	Close() error
}

type Handle interface {
	SendText(ctx context.Context, text string) error
	SendRealtime(ctx context.Context, blob Blob) error
	// Stream starts a new event sequence bound to this conversation. Any
	// previously returned stream is closed.
	Stream(ctx context.Context) (Stream, error)
	Close() error
}

type Factory interface {
	Open(ctx context.Context, key string, cfg SessionConfig) (Handle, error)
}

// Error reports a failure of the collaborator itself, as opposed to the
// client side of a relay.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("agent %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
