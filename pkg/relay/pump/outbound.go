package pump

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
	"github.com/vango-go/vai-live-relay/pkg/relay/protocol"
)

// outbound writes each agent event as soon as it arrives. It holds at most
// one event at a time; a slow client blocks the agent stream.
func (p *Pair) outbound(ctx context.Context) error {
	var ping <-chan time.Time
	if p.cfg.PingInterval > 0 {
		ticker := time.NewTicker(p.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	events := p.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.shutdown:
			return ErrShutdown
		case <-ping:
			deadline := time.Now().Add(p.cfg.WriteTimeout)
			if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return clientGone("ping", err)
			}
		case ev, ok := <-events:
			if !ok {
				return streamEnd(p.stream.Err())
			}
			frame, err := protocol.ServerFrame(ev)
			if err != nil {
				return err
			}
			if err := p.writeJSON(frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return clientGone("write", err)
			}
			p.relayed(DirectionOutbound, eventKind(ev))
		}
	}
}

func streamEnd(err error) error {
	if err == nil {
		return nil
	}
	var agentErr *agent.Error
	if errors.As(err, &agentErr) {
		return err
	}
	return &agent.Error{Op: "receive", Err: err}
}

func eventKind(ev agent.Event) string {
	switch ev.(type) {
	case agent.TextChunk:
		return "text"
	case agent.AudioChunk:
		return "audio"
	case agent.ControlMarker:
		return "control"
	default:
		return "other"
	}
}
