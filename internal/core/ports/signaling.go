package ports

import (
	"context"

	"callmesh/internal/core/domain"
)

type MessageHandler func(env domain.Envelope)

// SignalingChannel is a session-scoped message bus. Delivery is at most
// once and ordered per message type between two peers.
type SignalingChannel interface {
	Send(ctx context.Context, env domain.Envelope) error
	On(msgType domain.MessageType, handler MessageHandler) (unsubscribe func())
	Close() error
}

type EventSink interface {
	Publish(event domain.Event)
}

type EventSinkFunc func(event domain.Event)

func (f EventSinkFunc) Publish(event domain.Event) { f(event) }
