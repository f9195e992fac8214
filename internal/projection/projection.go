// Package projection keeps read models in step with UserModified events.
// Every projector is idempotent: applying the same event twice leaves the
// same state as applying it once.
package projection

import (
	"context"
	"log/slog"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/events"
	"github.com/lsm/usersync/internal/observability"
	"github.com/lsm/usersync/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Option configures a projector.
type Option func(*base)

type base struct {
	name    string
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *base) { b.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(b *base) { b.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(b *base) { b.tracer = tracer }
}

func newBase(name string, opts []Option) base {
	b := base{name: name}
	for _, opt := range opts {
		opt(&b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("projection", name)
	if b.metrics == nil {
		b.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if b.tracer == nil {
		b.tracer = noop.NewTracerProvider().Tracer("projection")
	}
	return b
}

func (b base) start(ctx context.Context, evt events.UserModified) (context.Context, trace.Span, *slog.Logger) {
	ctx, span := tracing.StartSpan(ctx, b.tracer, tracing.SpanProjectionApply,
		trace.WithAttributes(
			tracing.ProjectionAttr(b.name),
			tracing.EntityAttr(evt.ID),
		),
	)
	logger := observability.WithTrace(ctx, b.logger).With("user_id", evt.ID)
	if msg, ok := bus.MessageFromContext(ctx); ok {
		logger = logger.With("partition", msg.Partition, "offset", msg.Offset)
	}
	return ctx, span, logger
}

func (b base) finish(span trace.Span, op string, err error) error {
	defer span.End()
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	b.metrics.ProjectedTotal.WithLabelValues(b.name, op).Inc()
	tracing.SetSpanOK(span)
	return nil
}

func bind(fn func(context.Context, events.UserModified) error, group string) bus.Binding[events.UserModified] {
	return bus.NewBinding(events.TopicUserModified, group, fn)
}
