package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lsm/usersync/internal/correlation"
	"github.com/lsm/usersync/internal/kafka"
	"github.com/lsm/usersync/internal/observability"
	"github.com/lsm/usersync/internal/retry"
	"github.com/lsm/usersync/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
)

// PublishAttempts is the number of send attempts before Publish gives up.
const PublishAttempts = 3

// Producer is the capability to publish events of type T to one topic.
type Producer[T any] interface {
	Topic() string
	Publish(ctx context.Context, data T) error
}

// ProducerSource hands out connected producer clients per topic.
// *kafka.ProducerRegistry implements it.
type ProducerSource interface {
	Get(ctx context.Context, topic string) (kafka.ProducerClient, error)
}

// KeyFunc derives the partition key for an event. A nil key lets the
// partitioner choose.
type KeyFunc[T any] func(T) []byte

// Publisher serializes events of type T as JSON and sends them to its topic.
type Publisher[T any] struct {
	topic     string
	producers ProducerSource
	key       KeyFunc[T]
	retry     retry.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// NewPublisher creates a publisher for topic. key may be nil.
func NewPublisher[T any](topic string, producers ProducerSource, key KeyFunc[T], opts ...Option) *Publisher[T] {
	s := newSettings(opts)
	p := &Publisher[T]{
		topic:     topic,
		producers: producers,
		key:       key,
		logger:    s.logger.With("topic", topic),
		metrics:   s.metrics,
		tracer:    s.tracer,
	}
	p.retry = retry.Config{
		MaxAttempts: PublishAttempts,
		OnRetry: func(attempt int, err error) {
			p.metrics.PublishRetries.WithLabelValues(topic).Inc()
			p.logger.Warn("retrying publish", "attempt", attempt, "error", err)
		},
	}
	return p
}

// Topic returns the destination topic.
func (p *Publisher[T]) Topic() string {
	return p.topic
}

// Publish encodes data and sends it, retrying immediately on failure. The
// last error is returned once all attempts are spent.
func (p *Publisher[T]) Publish(ctx context.Context, data T) error {
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", p.topic, err)
	}
	var key []byte
	if p.key != nil {
		key = p.key(data)
	}

	corrID := correlation.FromContext(ctx)
	if corrID == "" {
		corrID = correlation.ExtractOrGenerate(nil).Value
	}

	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.KafkaTopicAttr(p.topic),
			tracing.CorrelationAttr(corrID),
		),
	)
	defer span.End()

	headers := correlation.AddToHeaders(nil, correlation.ID{Value: corrID})
	headers = correlation.InjectTraceContext(ctx, headers)

	err = retry.Do(ctx, p.retry, func() error {
		client, err := p.producers.Get(ctx, p.topic)
		if err != nil {
			return err
		}
		record := &kgo.Record{Topic: p.topic, Key: key, Value: value}
		for k, v := range headers {
			record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		return client.ProduceSync(ctx, record).FirstErr()
	})
	if err != nil {
		p.metrics.PublishedTotal.WithLabelValues(p.topic, "error").Inc()
		tracing.SetSpanError(span, err)
		p.logger.Error("publish failed", "attempts", PublishAttempts, "correlation_id", corrID, "error", err)
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}

	p.metrics.PublishedTotal.WithLabelValues(p.topic, "ok").Inc()
	tracing.SetSpanOK(span)
	p.logger.Debug("event published", "correlation_id", corrID)
	return nil
}

// NopPublisher discards every event. It stands in where publishing is
// disabled.
type NopPublisher[T any] struct {
	Name string
}

func (n NopPublisher[T]) Topic() string { return n.Name }

func (NopPublisher[T]) Publish(context.Context, T) error { return nil }
