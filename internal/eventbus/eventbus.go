package eventbus

import (
	"context"
	"encoding/json"
)

// Topics carried over the bus.
const (
	TopicPaymentsIncoming = "payments.incoming"
)

// Handler processes one message. Returning an error leaves the message
// pending for redelivery; nil acknowledges it.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Bus is the asynchronous ingestion channel between the bank feed and
// the orchestrator.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close() error
}

// Subscription is a live consumer on a topic.
type Subscription interface {
	ID() string
	Topic() string
	Unsubscribe() error
}
