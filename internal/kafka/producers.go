package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrRegistryClosed is returned by Get after Close.
var ErrRegistryClosed = errors.New("producer registry is closed")

// ProducerRegistry holds one connected producer per topic. It is created at
// process startup, passed to everything that publishes, and closed on
// shutdown. Connections are established lazily on the first Get for a topic
// and reused afterwards.
type ProducerRegistry struct {
	dial   ProducerDialer
	delay  time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	slots  map[string]*producerSlot
	closed atomic.Bool
}

type producerSlot struct {
	mu     sync.Mutex
	client ProducerClient
}

// RegistryOption configures a ProducerRegistry.
type RegistryOption func(*ProducerRegistry)

// WithReconnectDelay overrides the fixed delay between connection attempts.
func WithReconnectDelay(d time.Duration) RegistryOption {
	return func(r *ProducerRegistry) {
		r.delay = d
	}
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ProducerRegistry) {
		r.logger = logger
	}
}

// NewProducerRegistry creates an empty registry that opens sessions with dial.
func NewProducerRegistry(dial ProducerDialer, opts ...RegistryOption) *ProducerRegistry {
	r := &ProducerRegistry{
		dial:   dial,
		delay:  DefaultReconnectDelay,
		logger: slog.Default(),
		slots:  make(map[string]*producerSlot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the producer for topic, connecting it first if needed. The
// connection attempt retries until it succeeds or ctx is done. Concurrent
// callers for the same topic share one connection attempt; other topics are
// not blocked.
func (r *ProducerRegistry) Get(ctx context.Context, topic string) (ProducerClient, error) {
	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	slot, ok := r.slots[topic]
	if !ok {
		slot = &producerSlot{}
		r.slots[topic] = slot
	}
	r.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.client != nil {
		return slot.client, nil
	}

	logger := r.logger.With("topic", topic, "role", "producer")
	client, err := Connect(ctx, logger, r.delay, func(ctx context.Context) (ProducerClient, error) {
		return r.dial(ctx, topic)
	})
	if err != nil {
		return nil, err
	}

	if r.closed.Load() {
		Disconnect(client, logger)
		return nil, ErrRegistryClosed
	}

	slot.client = client
	return client, nil
}

// Topics lists the topics with a connected producer.
func (r *ProducerRegistry) Topics() []string {
	r.mu.Lock()
	slots := make(map[string]*producerSlot, len(r.slots))
	for topic, slot := range r.slots {
		slots[topic] = slot
	}
	r.mu.Unlock()

	topics := make([]string, 0, len(slots))
	for topic, slot := range slots {
		slot.mu.Lock()
		connected := slot.client != nil
		slot.mu.Unlock()
		if connected {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	return topics
}

// Close disconnects every producer. Disconnect problems are logged only.
func (r *ProducerRegistry) Close() error {
	r.mu.Lock()
	r.closed.Store(true)
	slots := r.slots
	r.slots = make(map[string]*producerSlot)
	r.mu.Unlock()

	for topic, slot := range slots {
		slot.mu.Lock()
		Disconnect(slot.client, r.logger.With("topic", topic, "role", "producer"))
		slot.client = nil
		slot.mu.Unlock()
	}
	return nil
}
