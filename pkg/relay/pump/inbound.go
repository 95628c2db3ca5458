package pump

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live-relay/pkg/relay/agent"
	"github.com/vango-go/vai-live-relay/pkg/relay/protocol"
)

func (p *Pair) inbound(ctx context.Context, reads <-chan inboundFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.shutdown:
			return ErrShutdown
		case frame := <-reads:
			if frame.err != nil {
				return clientGone("read", frame.err)
			}
			msg, err := decodeFrame(frame)
			if err != nil {
				return err
			}
			if msg == nil {
				continue
			}
			if msg.MIMEType == protocol.MIMETypeImage && !p.cfg.AllowImages {
				return protocol.ImagesDisabled()
			}
			kind := frameKind(msg.MIMEType)
			if msg.IsMedia() && p.limiter != nil && !p.limiter.Allow() {
				if p.observer != nil {
					p.observer.FrameDropped(kind)
				}
				continue
			}
			if err := p.forward(ctx, *msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			p.relayed(DirectionInbound, kind)
		}
	}
}

func decodeFrame(frame inboundFrame) (*protocol.ClientMessage, error) {
	var (
		msg protocol.ClientMessage
		err error
	)
	switch frame.messageType {
	case websocket.TextMessage:
		msg, err = protocol.DecodeClientMessage(frame.data)
	case websocket.BinaryMessage:
		msg, err = protocol.DecodeBinaryFrame(frame.data)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// forward hands msg to the sink. A sink that ignores ctx is abandoned once
// the pair stops; its result is discarded.
func (p *Pair) forward(ctx context.Context, msg protocol.ClientMessage) error {
	done := make(chan error, 1)
	go func() {
		if msg.IsText() {
			done <- p.sink.SendText(ctx, msg.Text)
			return
		}
		done <- p.sink.SendRealtime(ctx, agent.Blob{MIMEType: msg.MIMEType, Data: msg.Data})
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.shutdown:
		return ErrShutdown
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, agent.ErrHandleClosed):
		return ErrSessionClosed
	default:
		var agentErr *agent.Error
		if errors.As(err, &agentErr) {
			return err
		}
		return &agent.Error{Op: "send", Err: err}
	}
}

func frameKind(mimeType string) string {
	switch mimeType {
	case protocol.MIMETypeText:
		return "text"
	case protocol.MIMETypeAudio:
		return "audio"
	case protocol.MIMETypeImage:
		return "image"
	default:
		return "other"
	}
}
