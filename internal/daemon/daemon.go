// Package daemon holds the process plumbing shared by the sync services:
// metrics and health endpoints, tracing, broker and database handles, and
// ordered shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/config"
	"github.com/lsm/usersync/internal/dlq"
	"github.com/lsm/usersync/internal/kafka"
	"github.com/lsm/usersync/internal/observability"
	"github.com/lsm/usersync/internal/store"
	"github.com/lsm/usersync/internal/tracing"
)

// ShutdownTimeout bounds the whole shutdown sequence.
const ShutdownTimeout = 10 * time.Second

// Daemon is one running service process.
type Daemon struct {
	Name     string
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Health   *observability.HealthServer
	Tracer   trace.Tracer
	// Mux is served on Config.Server.MetricsAddr. Services may add routes
	// before Run.
	Mux *http.ServeMux

	producerDial kafka.ProducerDialer
	consumerDial kafka.ConsumerDialer

	producers *kafka.ProducerRegistry
	closers   []closer
	tracingFn func(context.Context) error
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithDialers replaces the broker dialers built from the cluster config.
func WithDialers(p kafka.ProducerDialer, c kafka.ConsumerDialer) Option {
	return func(d *Daemon) {
		d.producerDial = p
		d.consumerDial = c
	}
}

// WithLogger replaces the JSON logger built from Config.LogLevel.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.Logger = logger }
}

// New wires logging, metrics, health and tracing for cfg. cfg must already
// be valid.
func New(name string, cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		Name:     name,
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		Health:   observability.NewHealthServer(),
		Mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.Logger == nil {
		d.Logger = observability.NewLogger(name, observability.ParseLogLevel(cfg.LogLevel))
	}
	if d.producerDial == nil {
		d.producerDial = kafka.NewProducerDialer(&cfg.Kafka)
	}
	if d.consumerDial == nil {
		d.consumerDial = kafka.NewConsumerDialer(&cfg.Kafka)
	}

	d.Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.Registry.MustRegister(collectors.NewGoCollector())
	d.Metrics = observability.NewMetrics(d.Registry)

	tracer, shutdown, err := tracing.Initialize(tracing.GetConfig(name), d.Logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	d.Tracer = tracer
	d.tracingFn = shutdown

	d.Mux.Handle("GET /metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	d.Mux.Handle("GET /healthz", d.Health.Handler())
	d.Mux.Handle("GET /readyz", d.Health.Handler())
	return d, nil
}

// BusOptions returns the options every publisher and consumer should use.
func (d *Daemon) BusOptions() []bus.Option {
	return []bus.Option{bus.WithLogger(d.Logger), bus.WithMetrics(d.Metrics), bus.WithTracer(d.Tracer)}
}

// OnShutdown registers fn to run during shutdown. Functions run in reverse
// registration order.
func (d *Daemon) OnShutdown(name string, fn func(context.Context) error) {
	d.closers = append(d.closers, closer{name: name, fn: fn})
}

// OpenStore opens the configured database and adds it to readiness.
func (d *Daemon) OpenStore(ctx context.Context) (*store.DB, error) {
	db, err := store.Open(ctx, d.Config.Database.Driver, d.Config.Database.URL)
	if err != nil {
		return nil, err
	}
	d.Health.AddCheck("database", db.PingContext)
	d.OnShutdown("database", func(context.Context) error { return db.Close() })
	return db, nil
}

// Producers returns the process-wide producer registry, creating it on
// first use.
func (d *Daemon) Producers() *kafka.ProducerRegistry {
	if d.producers == nil {
		d.producers = kafka.NewProducerRegistry(d.producerDial,
			kafka.WithReconnectDelay(d.Config.Consumer.ReconnectDelay),
			kafka.WithRegistryLogger(d.Logger),
		)
		d.OnShutdown("producers", func(context.Context) error { return d.producers.Close() })
	}
	return d.producers
}

// CheckKafka adds broker reachability to readiness.
func (d *Daemon) CheckKafka() error {
	admin, err := kafka.NewAdmin(&d.Config.Kafka)
	if err != nil {
		return err
	}
	d.Health.AddCheck("kafka", admin.Ping)
	d.OnShutdown("kafka admin", func(context.Context) error {
		admin.Close()
		return nil
	})
	return nil
}

// DeadLetters builds the dead letter sink: the dlq table, plus the
// "<topic>.dlq" topic when forwarding is enabled.
func (d *Daemon) DeadLetters(db *store.DB) *dlq.Handler {
	opts := []dlq.Option{dlq.WithLogger(d.Logger), dlq.WithMetrics(d.Metrics)}
	if d.Config.DLQ.Forward {
		opts = append(opts, dlq.WithForward(dlq.NewTopicWriter(d.Producers())))
	}
	return dlq.NewHandler(dlq.NewStoreWriter(db), opts...)
}

// Consumers returns a consumer manager using the configured group and
// commit mode. The manager is shut down before producers and the store.
func (d *Daemon) Consumers(sink bus.DeadLetter) *bus.ConsumerManager {
	m := bus.NewConsumerManager(bus.ManagerConfig{
		Group:          d.Config.Consumer.GroupID,
		CommitMode:     d.Config.Consumer.CommitMode,
		StartOffset:    d.Config.Consumer.StartOffset,
		ReconnectDelay: d.Config.Consumer.ReconnectDelay,
	}, d.consumerDial, sink, d.BusOptions()...)
	d.OnShutdown("consumers", m.Shutdown)
	return m
}

// Run serves the HTTP mux, marks the process ready and blocks until ctx is
// done. It then shuts everything down within ShutdownTimeout.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Config.Server.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Config.Server.MetricsAddr, err)
	}
	return d.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: d.Mux, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		d.Logger.Info("metrics server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	d.Health.SetReady(true)
	d.Logger.Info("service started", "service", d.Name)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	}

	d.Health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := d.shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.Logger.Error("http server shutdown error", "error", err)
	}
	d.Logger.Info("shutdown complete")
	return runErr
}

func (d *Daemon) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.fn(ctx); err != nil {
			d.Logger.Error("shutdown step failed", "step", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	if err := d.tracingFn(ctx); err != nil {
		d.Logger.Error("tracing shutdown error", "error", err)
	}
	return errors.Join(errs...)
}

// Main loads and validates the configuration, builds a Daemon, calls setup
// and runs until SIGINT or SIGTERM. extra runs after the common validation
// for service-specific requirements.
func Main(name string, extra func(*config.Config) error, setup func(ctx context.Context, d *Daemon) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Consumer.GroupID == "" {
		cfg.Consumer.GroupID = name
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = name
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if extra != nil {
		if err := extra(cfg); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	d, err := New(name, cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(d.Logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := setup(ctx, d); err != nil {
		shutdownCtx, c := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer c()
		_ = d.shutdown(shutdownCtx)
		return err
	}
	return d.Run(ctx)
}
