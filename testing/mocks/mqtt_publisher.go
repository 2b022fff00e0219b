package mocks

import (
	"context"
	"encoding/json"
	"sync"
)

// PublishedMessage is one message captured by MockPublisher.
type PublishedMessage struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Decode unmarshals the payload into v.
func (m PublishedMessage) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// MockPublisher captures published JSON and routes delivered messages to
// subscribed handlers.
type MockPublisher struct {
	mu sync.Mutex

	// Function overrides
	PublishFunc   func(topic string, v any) error
	SubscribeFunc func(topic string) error

	PublishCalls      int
	PublishedMessages []PublishedMessage
	handlers          map[string]func(topic string, payload []byte)

	published chan struct{}
}

// NewMockPublisher creates a new mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		handlers:  make(map[string]func(string, []byte)),
		published: make(chan struct{}, 1024),
	}
}

// PublishJSON records the message.
func (m *MockPublisher) PublishJSON(_ context.Context, topic string, v any, retained bool) error {
	m.mu.Lock()
	m.PublishCalls++
	fn := m.PublishFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(topic, v); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.PublishedMessages = append(m.PublishedMessages, PublishedMessage{Topic: topic, Payload: payload, Retained: retained})
	m.mu.Unlock()

	select {
	case m.published <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers handler for topic.
func (m *MockPublisher) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubscribeFunc != nil {
		if err := m.SubscribeFunc(topic); err != nil {
			return err
		}
	}
	m.handlers[topic] = handler
	return nil
}

// Deliver invokes the handler subscribed to topic. It reports whether one
// was found.
func (m *MockPublisher) Deliver(topic string, payload []byte) bool {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
	return ok
}

// Topics returns the subscribed topics.
func (m *MockPublisher) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		topics = append(topics, t)
	}
	return topics
}

// GetPublishedMessages returns a copy of published messages.
func (m *MockPublisher) GetPublishedMessages() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.PublishedMessages))
	copy(out, m.PublishedMessages)
	return out
}

// MessagesOn returns the messages published to topic.
func (m *MockPublisher) MessagesOn(topic string) []PublishedMessage {
	var out []PublishedMessage
	for _, msg := range m.GetPublishedMessages() {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Published signals after every successful publish.
func (m *MockPublisher) Published() <-chan struct{} {
	return m.published
}
