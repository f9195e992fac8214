package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lsm/usersync/internal/kafka"
)

// Binding attaches a typed event handler to a topic. An empty Group uses
// the manager's default group.
type Binding[T any] interface {
	Topic() string
	Group() string
	Handle(ctx context.Context, event T) error
}

type funcBinding[T any] struct {
	topic, group string
	fn           func(context.Context, T) error
}

func (b funcBinding[T]) Topic() string { return b.topic }

func (b funcBinding[T]) Group() string { return b.group }

func (b funcBinding[T]) Handle(ctx context.Context, event T) error { return b.fn(ctx, event) }

// NewBinding binds fn to topic. group may be empty.
func NewBinding[T any](topic, group string, fn func(context.Context, T) error) Binding[T] {
	return funcBinding[T]{topic: topic, group: group, fn: fn}
}

// ManagerConfig holds the defaults applied to every consumer the manager
// creates.
type ManagerConfig struct {
	Group          string
	CommitMode     CommitMode
	StartOffset    kafka.StartOffset
	ReconnectDelay time.Duration
}

// ConsumerManager creates consumers, starts them and shuts them all down.
type ConsumerManager struct {
	cfg  ManagerConfig
	dial kafka.ConsumerDialer
	dlq  DeadLetter
	opts []Option

	logger *slog.Logger

	mu        sync.Mutex
	consumers []*Consumer
}

// NewConsumerManager creates a manager. opts are passed to every consumer.
func NewConsumerManager(cfg ManagerConfig, dial kafka.ConsumerDialer, dlq DeadLetter, opts ...Option) *ConsumerManager {
	s := newSettings(opts)
	return &ConsumerManager{
		cfg:    cfg,
		dial:   dial,
		dlq:    dlq,
		opts:   opts,
		logger: s.logger,
	}
}

// Register starts tracking c so Shutdown disconnects it.
func (m *ConsumerManager) Register(c *Consumer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers = append(m.consumers, c)
}

// Consumers returns the registered consumers in registration order.
func (m *ConsumerManager) Consumers() []*Consumer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Consumer, len(m.consumers))
	copy(out, m.consumers)
	return out
}

// Consume creates and starts a raw consumer for topic.
func (m *ConsumerManager) Consume(ctx context.Context, topic, group string, handler Handler) (*Consumer, error) {
	if group == "" {
		group = m.cfg.Group
	}
	c, err := NewConsumer(ConsumerConfig{
		Topic:          topic,
		Group:          group,
		CommitMode:     m.cfg.CommitMode,
		StartOffset:    m.cfg.StartOffset,
		ReconnectDelay: m.cfg.ReconnectDelay,
	}, m.dial, handler, m.dlq, m.opts...)
	if err != nil {
		return nil, err
	}
	m.Register(c)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("consumer started", "topic", topic, "group", group)
	return c, nil
}

// Listen decodes every message on the binding's topic as T and passes it
// to the binding.
func Listen[T any](ctx context.Context, m *ConsumerManager, b Binding[T]) (*Consumer, error) {
	return m.Consume(ctx, b.Topic(), b.Group(), func(ctx context.Context, msg Message) error {
		event, err := Decode[T](msg)
		if err != nil {
			return err
		}
		return b.Handle(ctx, event)
	})
}

// Shutdown disconnects every consumer. A failing consumer does not stop the
// others; all failures are returned joined.
func (m *ConsumerManager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range m.Consumers() {
		if err := c.Disconnect(ctx); err != nil {
			m.logger.Error("consumer shutdown failed", "topic", c.Topic(), "group", c.Group(), "error", err)
			errs = append(errs, err)
			continue
		}
		if c.err != nil {
			errs = append(errs, fmt.Errorf("consumer %s/%s: %w", c.Group(), c.Topic(), c.err))
		}
	}
	m.logger.Info("all consumers disconnected", "count", len(m.Consumers()), "failed", len(errs))
	return errors.Join(errs...)
}
