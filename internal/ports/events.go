package ports

import (
	"context"
	"time"

	"github.com/eleven-am/dagflow/internal/domain"
)

// EventHandler returning an error asks the bus to redeliver the event.
type EventHandler func(ctx context.Context, event domain.Event) error

// RequestHandler answers a correlated request; its result becomes the reply payload.
type RequestHandler func(ctx context.Context, event domain.Event) (interface{}, error)

type PublishOption func(*domain.Event)

func WithExecution(executionID, nodeID string) PublishOption {
	return func(e *domain.Event) {
		e.ExecutionID = executionID
		e.NodeID = nodeID
	}
}

func WithSource(source string) PublishOption {
	return func(e *domain.Event) {
		e.Source = source
	}
}

func WithEventID(id string) PublishOption {
	return func(e *domain.Event) {
		e.ID = id
	}
}

type EventBus interface {
	Publish(ctx context.Context, topic string, payload interface{}, opts ...PublishOption) error
	Subscribe(pattern string, handler EventHandler) (unsubscribe func())
	Request(ctx context.Context, topic string, payload interface{}, timeout time.Duration) (domain.Event, error)
	Respond(topic string, handler RequestHandler) (unsubscribe func())
	Start(ctx context.Context) error
	Stop() error
}
