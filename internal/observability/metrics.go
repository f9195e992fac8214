package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the event bus Prometheus metrics.
type Metrics struct {
	PublishedTotal          *prometheus.CounterVec
	PublishRetries          *prometheus.CounterVec
	ConsumedTotal           *prometheus.CounterVec
	HandlerRetries          *prometheus.CounterVec
	HandlerDuration         *prometheus.HistogramVec
	DeadLetterTotal         *prometheus.CounterVec
	DeadLetterErrors        *prometheus.CounterVec
	// DeadLetterForwardErrors counts records parked durably whose copy to
	// the dead letter topic failed.
	DeadLetterForwardErrors *prometheus.CounterVec
	CommitErrors            *prometheus.CounterVec
	ProjectedTotal          *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usersync_published_total",
			Help: "Events published, by topic and status.",
		}, []string{"topic", "status"}),

		PublishRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usersync_publish_retries_total",
			Help: "Publish attempts that were retried.",
		}, []string{"topic"}),

		ConsumedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usersync_consumed_total",
			Help: "Messages handled by consumers, by outcome (ok, dead_letter, failed).",
		}, []string{"topic", "group", "status"}),

		HandlerRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usersync_handler_retries_total",
			Help: "Message handler attempts that were retried.",
		}, []string{"topic", "group"}),

		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usersync_handler_duration_seconds",
			Help:    "Time spent handling one message including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic", "group"}),

		DeadLetterTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usersync_dead_letter_total",
			Help: "Messages parked in the dead letter queue.",
		}, []string{"topic"}),

		DeadLetterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usersync_dead_letter_errors_total",
			Help: "Failures to persist a dead letter record.",
		}, []string{"topic"}),

		DeadLetterForwardErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usersync_dead_letter_forward_errors_total",
			Help: "Dead letters stored but not forwarded to the dead letter topic.",
		}, []string{"topic"}),

		CommitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usersync_commit_errors_total",
			Help: "Offset commits that failed.",
		}, []string{"topic", "group"}),

		ProjectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "usersync_projected_total",
			Help: "Read-model writes, by projection and operation (create, update, cache).",
		}, []string{"projection", "op"}),
	}
}
