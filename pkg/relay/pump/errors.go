package pump

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
)

var (
	// ErrClientGone means the client side of the socket went away. It is an
	// expected way for a relay to end.
	ErrClientGone = errors.New("client disconnected")
	// ErrShutdown means the process-wide shutdown signal ended the relay.
	ErrShutdown = errors.New("relay shutting down")
	// ErrSessionClosed means the session's agent handle was released while the
	// relay was running (idle expiry, eviction, replacement).
	ErrSessionClosed = errors.New("session closed")
)

type connError struct {
	op  string
	err error
}

func (e *connError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrClientGone, e.op, e.err)
}

func (e *connError) Unwrap() []error {
	return []error{ErrClientGone, e.err}
}

func clientGone(op string, err error) error {
	return &connError{op: op, err: err}
}

// IsClientGone reports whether err is an ordinary client disconnect.
func IsClientGone(err error) bool {
	if err == nil {
		return false
	}
	var agentErr *agent.Error
	if errors.As(err, &agentErr) {
		return false
	}
	if errors.Is(err, ErrClientGone) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
