package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultReconnectDelay is the fixed pause between connection attempts.
const DefaultReconnectDelay = 5 * time.Second

// ProducerClient is the subset of *kgo.Client used to publish.
type ProducerClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Close()
}

// ConsumerClient is the subset of *kgo.Client used by a group consumer.
type ConsumerClient interface {
	Ping(ctx context.Context) error
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(offsets map[string]map[int32]kgo.EpochOffset)
	Close()
}

// ProducerDialer opens a producer session for one topic.
type ProducerDialer func(ctx context.Context, topic string) (ProducerClient, error)

// ConsumerDialer opens a group consumer session.
type ConsumerDialer func(ctx context.Context, sub Subscription) (ConsumerClient, error)

// StartOffset selects where a group with no committed cursor begins.
type StartOffset string

const (
	StartLatest   StartOffset = "latest"
	StartEarliest StartOffset = "earliest"
)

// Subscription describes one consumer session: one topic under one group.
type Subscription struct {
	Topic       string
	Group       string
	AutoCommit  bool
	StartOffset StartOffset
}

// NewProducerDialer returns a dialer that builds a kgo client for cfg and
// pings the cluster before handing it out.
func NewProducerDialer(cfg *ClusterConfig) ProducerDialer {
	return func(ctx context.Context, topic string) (ProducerClient, error) {
		opts, err := ClientOptions(cfg, "producer")
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DefaultProduceTopic(topic))
		client, err := dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// NewConsumerDialer returns a dialer for group consumers on cfg.
func NewConsumerDialer(cfg *ClusterConfig) ConsumerDialer {
	return func(ctx context.Context, sub Subscription) (ConsumerClient, error) {
		opts, err := ClientOptions(cfg, "consumer")
		if err != nil {
			return nil, err
		}

		offset := kgo.NewOffset().AtEnd()
		if sub.StartOffset == StartEarliest {
			offset = kgo.NewOffset().AtStart()
		}
		opts = append(opts,
			kgo.ConsumerGroup(sub.Group),
			kgo.ConsumeTopics(sub.Topic),
			kgo.ConsumeResetOffset(offset),
		)
		if !sub.AutoCommit {
			opts = append(opts, kgo.DisableAutoCommit())
		}
		client, err := dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func dial(ctx context.Context, opts []kgo.Opt) (*kgo.Client, error) {
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	// kgo connects lazily; Ping forces a round trip so a dead broker
	// surfaces here instead of on the first send.
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka ping: %w", err)
	}
	return client, nil
}

// Connect calls dial until it succeeds, sleeping a fixed delay after every
// failure. There is no attempt ceiling: a broker that is down during boot is
// waited for. Only ctx cancellation stops the loop.
func Connect[C any](ctx context.Context, logger *slog.Logger, delay time.Duration, dial func(context.Context) (C, error)) (C, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	for attempt := 1; ; attempt++ {
		client, err := dial(ctx)
		if err == nil {
			logger.Info("connected to kafka broker", "attempt", attempt)
			return client, nil
		}

		logger.Error("failed to connect to kafka broker", "attempt", attempt, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero C
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

type closer interface {
	Close()
}

// Disconnect closes a broker session. It never fails: anything going wrong
// during close is logged so shutdown of other sessions can proceed.
func Disconnect(c closer, logger *slog.Logger) {
	if c == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("error disconnecting from kafka broker", "error", fmt.Sprint(r))
		}
	}()

	logger.Info("disconnecting from kafka broker")
	c.Close()
	logger.Info("disconnected from kafka broker")
}
