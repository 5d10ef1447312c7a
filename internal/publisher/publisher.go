package publisher

import "context"

// Publisher defines the interface for publishing messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// MessageHandler receives a message delivered on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Subscriber is implemented by transports that can also receive messages.
type Subscriber interface {
	Subscribe(topic string, handler MessageHandler) error
}

// PubSub is a transport that both publishes and subscribes.
type PubSub interface {
	Publisher
	Subscriber
}
