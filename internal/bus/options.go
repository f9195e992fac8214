package bus

import (
	"log/slog"

	"github.com/lsm/usersync/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Option configures publishers, consumers and the consumer manager.
type Option func(*settings)

type settings struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics sets the metrics sink. Without it metrics go to a private
// registry that is never scraped.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *settings) { s.tracer = tracer }
}

func newSettings(opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("bus")
	}
	return s
}
