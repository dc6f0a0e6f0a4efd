package eventbus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus used by unit tests and single-process
// deployments. It preserves publish order per topic and invokes handlers
// synchronously on Publish, which makes test assertions deterministic.
// It does not provide durability.
type MemoryBus struct {
	mu        sync.Mutex
	handlers  map[string][]Handler // topic -> subscribed handlers
	published map[string][]*Event  // topic -> every event ever published
	keys      map[string][]string  // topic -> publish key per event
	connected bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers:  make(map[string][]Handler),
		published: make(map[string][]*Event),
		keys:      make(map[string][]string),
		connected: true,
	}
}

// Publish records the event and delivers it synchronously to every
// subscribed handler. Handler errors are swallowed, mirroring the redis
// bus's contract that a failing handler never propagates to the producer.
func (m *MemoryBus) Publish(ctx context.Context, topic string, event *Event, key string) error {
	m.mu.Lock()
	m.published[topic] = append(m.published[topic], event)
	m.keys[topic] = append(m.keys[topic], key)
	handlers := make([]Handler, len(m.handlers[topic]))
	copy(handlers, m.handlers[topic])
	m.mu.Unlock()

	for _, h := range handlers {
		_ = h(ctx, event)
	}
	return nil
}

// Subscribe registers a handler for the topic. Group semantics are not
// modelled; every handler sees every event.
func (m *MemoryBus) Subscribe(ctx context.Context, topic, groupID string, handler Handler, opts SubscribeOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = append(m.handlers[topic], handler)
	return nil
}

// HealthCheck reports the simulated connectivity state.
func (m *MemoryBus) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Disconnect marks the bus as down.
func (m *MemoryBus) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// Published returns all events published to the topic, in order.
func (m *MemoryBus) Published(topic string) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, len(m.published[topic]))
	copy(out, m.published[topic])
	return out
}

// PublishedKeys returns the partition key of each event published to the
// topic, in publish order.
func (m *MemoryBus) PublishedKeys(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.keys[topic]))
	copy(out, m.keys[topic])
	return out
}
