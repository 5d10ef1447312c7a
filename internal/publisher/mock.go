package publisher

import (
	"context"
	"sync"
)

// Message records a single published message.
type Message struct {
	Topic   string
	Payload []byte
}

// MockPublisher records publishes and subscriptions for test assertions.
type MockPublisher struct {
	mu       sync.Mutex
	messages []Message
	subs     map[string]MessageHandler
	closed   bool
	err      error // if set, Publish returns this error
	notify   chan struct{}
}

// NewMockPublisher creates a new MockPublisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		subs:   make(map[string]MessageHandler),
		notify: make(chan struct{}, 1),
	}
}

func (m *MockPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	m.messages = append(m.messages, Message{Topic: topic, Payload: p})

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe records handler for topic. Only exact topic matches are delivered.
func (m *MockPublisher) Subscribe(topic string, handler MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.subs[topic] = handler
	return nil
}

// Deliver hands payload to the handler subscribed on topic, as the broker
// would. It reports whether a handler was found.
func (m *MockPublisher) Deliver(topic string, payload []byte) bool {
	m.mu.Lock()
	h, ok := m.subs[topic]
	m.mu.Unlock()
	if !ok {
		return false
	}
	h(topic, payload)
	return true
}

// Subscriptions returns the subscribed topics.
func (m *MockPublisher) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.subs))
	for t := range m.subs {
		topics = append(topics, t)
	}
	return topics
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Messages returns a copy of all published messages.
func (m *MockPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	return msgs
}

// Published is signalled after each successful Publish. Signals coalesce, so
// callers should re-check Messages after receiving.
func (m *MockPublisher) Published() <-chan struct{} {
	return m.notify
}

// Reset clears all recorded messages.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Closed returns whether Close was called.
func (m *MockPublisher) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SetError causes all subsequent Publish and Subscribe calls to return err.
// Pass nil to clear.
func (m *MockPublisher) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
