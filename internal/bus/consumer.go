package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsm/usersync/internal/correlation"
	"github.com/lsm/usersync/internal/kafka"
	"github.com/lsm/usersync/internal/observability"
	"github.com/lsm/usersync/internal/retry"
	"github.com/lsm/usersync/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// HandlerAttempts is the number of times a handler runs for one message
// before the message is dead-lettered.
const HandlerAttempts = 3

var ErrConsumerStarted = errors.New("consumer already started")

// Handler processes one message. Wrap errors with retry.Permanent to skip
// the remaining attempts.
type Handler func(ctx context.Context, msg Message) error

// DeadLetter durably records a message whose handler kept failing.
type DeadLetter interface {
	Record(ctx context.Context, msg Message, cause error) error
}

// CommitMode selects who advances the group cursor.
type CommitMode string

const (
	// CommitExplicit disables auto-commit and commits offset+1 after each
	// message is handled or dead-lettered.
	CommitExplicit CommitMode = "explicit"
	// CommitAuto leaves commits to the client's periodic auto-commit.
	CommitAuto CommitMode = "auto"
)

// ConsumerConfig describes one consumer: one topic under one group.
type ConsumerConfig struct {
	Topic          string
	Group          string
	CommitMode     CommitMode
	StartOffset    kafka.StartOffset
	ReconnectDelay time.Duration
	// Retry overrides the handler retry policy. Zero value means
	// HandlerAttempts immediate attempts.
	Retry retry.Config
}

func (c ConsumerConfig) validate() error {
	var errs []error
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.Group == "" {
		errs = append(errs, errors.New("group is required"))
	}
	switch c.CommitMode {
	case "", CommitExplicit, CommitAuto:
	default:
		errs = append(errs, fmt.Errorf("unknown commit mode %q", c.CommitMode))
	}
	return errors.Join(errs...)
}

// Consumer polls one topic as a member of a consumer group and hands every
// record to a Handler.
type Consumer struct {
	cfg     ConsumerConfig
	dial    kafka.ConsumerDialer
	handler Handler
	dlq     DeadLetter
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	state   atomic.Int32
	onState func(State)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	commitMu sync.Mutex
}

// NewConsumer creates a consumer in the created state. Nothing connects
// until Start or Run.
func NewConsumer(cfg ConsumerConfig, dial kafka.ConsumerDialer, handler Handler, dlq DeadLetter, opts ...Option) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("consumer config: %w", err)
	}
	if dial == nil {
		return nil, errors.New("consumer dialer is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if dlq == nil {
		return nil, errors.New("dead letter sink is required")
	}
	if cfg.CommitMode == "" {
		cfg.CommitMode = CommitExplicit
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = HandlerAttempts
	}

	s := newSettings(opts)
	return &Consumer{
		cfg:     cfg,
		dial:    dial,
		handler: handler,
		dlq:     dlq,
		logger:  s.logger.With("topic", cfg.Topic, "group", cfg.Group),
		metrics: s.metrics,
		tracer:  s.tracer,
		done:    make(chan struct{}),
	}, nil
}

func (c *Consumer) Topic() string { return c.cfg.Topic }

func (c *Consumer) Group() string { return c.cfg.Group }

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if c.onState != nil {
		c.onState(to)
	}
	c.logger.Debug("consumer state changed", "from", from.String(), "to", to.String())
	return true
}

func (c *Consumer) setState(to State) {
	c.state.Store(int32(to))
	if c.onState != nil {
		c.onState(to)
	}
}

// Start connects and polls in the background. It returns immediately; the
// connection loop keeps retrying until it succeeds or ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.transition(StateCreated, StateConnecting) {
		return ErrConsumerStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Run is Start followed by waiting for the poll loop to exit.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-c.done
	return c.err
}

// Done is closed once the poll loop has exited and the client is closed.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Disconnect stops polling, lets the in-flight record finish, and closes the
// client. ctx bounds how long to wait for the loop.
func (c *Consumer) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.transition(StateCreated, StateStopped) {
		close(c.done)
		c.mu.Unlock()
		return nil
	}
	if c.State() == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateDisconnecting)
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("disconnect consumer %s/%s: %w", c.cfg.Group, c.cfg.Topic, ctx.Err())
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)

	sub := kafka.Subscription{
		Topic:       c.cfg.Topic,
		Group:       c.cfg.Group,
		AutoCommit:  c.cfg.CommitMode == CommitAuto,
		StartOffset: c.cfg.StartOffset,
	}
	client, err := kafka.Connect(ctx, c.logger, c.cfg.ReconnectDelay, func(ctx context.Context) (kafka.ConsumerClient, error) {
		return c.dial(ctx, sub)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.err = err
		}
		c.setState(StateStopped)
		return
	}
	defer func() {
		kafka.Disconnect(client, c.logger)
		c.setState(StateStopped)
	}()

	c.transition(StateConnecting, StateSubscribed)
	c.logger.Info("subscribed", "commit_mode", string(c.cfg.CommitMode))
	if !c.transition(StateSubscribed, StateRunning) {
		return
	}
	c.poll(ctx, client)
}

func (c *Consumer) poll(ctx context.Context, client kafka.ConsumerClient) {
	for {
		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error", "partition", partition, "error", err)
		})

		var g errgroup.Group
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			g.Go(func() error {
				c.processPartition(ctx, client, p.Records)
				return nil
			})
		})
		_ = g.Wait()

		// The batch above is fully drained before honoring cancellation.
		if ctx.Err() != nil {
			c.logger.Info("consumer draining complete")
			return
		}
	}
}

// processPartition handles records of one partition in order. When a record
// can neither be handled nor dead-lettered the partition is rewound to it and
// the rest of the batch is dropped so it is fetched again after the
// reconnect delay.
func (c *Consumer) processPartition(ctx context.Context, client kafka.ConsumerClient, records []*kgo.Record) {
	for _, rec := range records {
		if err := c.handleRecord(ctx, rec); err != nil {
			delay := c.rewindDelay()
			c.logger.Error("message not committed, rewinding partition",
				"partition", rec.Partition, "offset", rec.Offset, "retry_in", delay, "error", err)
			client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
				rec.Topic: {rec.Partition: {Epoch: rec.LeaderEpoch, Offset: rec.Offset}},
			})
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
			return
		}
		if c.cfg.CommitMode == CommitExplicit {
			c.commit(ctx, client, rec)
		}
	}
}

func (c *Consumer) rewindDelay() time.Duration {
	if c.cfg.ReconnectDelay > 0 {
		return c.cfg.ReconnectDelay
	}
	return kafka.DefaultReconnectDelay
}

func (c *Consumer) commit(ctx context.Context, client kafka.ConsumerClient, rec *kgo.Record) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	// CommitRecords commits rec.Offset+1, the next offset to read.
	if err := client.CommitRecords(context.WithoutCancel(ctx), rec); err != nil {
		c.metrics.CommitErrors.WithLabelValues(c.cfg.Topic, c.cfg.Group).Inc()
		c.logger.Error("commit failed", "partition", rec.Partition, "offset", rec.Offset, "error", err)
	}
}

// handleRecord runs the handler with retries and falls back to the dead
// letter sink. The returned error is non-nil only when the dead letter write
// failed too.
func (c *Consumer) handleRecord(ctx context.Context, rec *kgo.Record) error {
	msg := messageFromRecord(rec)
	corrID := correlation.ExtractOrGenerate(msg.Headers)

	// Shutdown must not abort a record midway.
	hctx := context.WithoutCancel(ctx)
	hctx = correlation.ExtractTraceContext(hctx, msg.Headers)
	hctx = correlation.WithID(hctx, corrID.Value)
	hctx = ContextWithMessage(hctx, msg)

	hctx, span := tracing.StartSpan(hctx, c.tracer, tracing.SpanKafkaConsume,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.KafkaTopicAttr(msg.Topic),
			tracing.KafkaGroupAttr(c.cfg.Group),
			tracing.KafkaPartitionAttr(msg.Partition),
			tracing.KafkaOffsetAttr(msg.Offset),
			tracing.CorrelationAttr(corrID.Value),
		),
	)
	defer span.End()

	logger := observability.WithTrace(hctx, c.logger).With(
		"partition", msg.Partition,
		"offset", msg.Offset,
		"correlation_id", corrID.Value,
	)

	policy := c.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		c.metrics.HandlerRetries.WithLabelValues(c.cfg.Topic, c.cfg.Group).Inc()
		logger.Warn("retrying message handler", "attempt", attempt, "error", err)
	}

	start := time.Now()
	err := retry.Do(hctx, policy, func() error {
		return c.handler(hctx, msg)
	})
	c.metrics.HandlerDuration.WithLabelValues(c.cfg.Topic, c.cfg.Group).Observe(time.Since(start).Seconds())

	if err == nil {
		c.metrics.ConsumedTotal.WithLabelValues(c.cfg.Topic, c.cfg.Group, "ok").Inc()
		tracing.SetSpanOK(span)
		return nil
	}

	tracing.SetSpanError(span, err)
	logger.Error("message handling failed, sending to dead letter queue", "error", err)

	if dlqErr := c.dlq.Record(hctx, msg, err); dlqErr != nil {
		c.metrics.DeadLetterErrors.WithLabelValues(c.cfg.Topic).Inc()
		c.metrics.ConsumedTotal.WithLabelValues(c.cfg.Topic, c.cfg.Group, "failed").Inc()
		return fmt.Errorf("dead letter: %w", dlqErr)
	}
	c.metrics.DeadLetterTotal.WithLabelValues(c.cfg.Topic).Inc()
	c.metrics.ConsumedTotal.WithLabelValues(c.cfg.Topic, c.cfg.Group, "dead_letter").Inc()
	return nil
}
