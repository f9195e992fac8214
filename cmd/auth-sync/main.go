// Command auth-sync runs the auth service side: it refreshes the user
// cache from UserModified events and publishes UserModified after every
// authoritative change reported on the hook endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/cache"
	"github.com/lsm/usersync/internal/config"
	"github.com/lsm/usersync/internal/daemon"
	"github.com/lsm/usersync/internal/events"
	"github.com/lsm/usersync/internal/projection"
	"github.com/lsm/usersync/internal/users"
)

func main() {
	if err := daemon.Main("auth-sync", (*config.Config).RequireRedis, setup); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context, d *daemon.Daemon) error {
	if err := d.CheckKafka(); err != nil {
		return fmt.Errorf("kafka admin: %w", err)
	}
	db, err := d.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	rcfg := d.Config.Redis
	rdb, err := cache.DialRedis(ctx, rcfg.Addr, rcfg.Password, rcfg.DB)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	d.OnShutdown("redis", func(context.Context) error { return rdb.Close() })
	redisStore := cache.NewRedisStore(rdb, rcfg.Prefix)
	d.Health.AddCheck("redis", redisStore.Ping)

	notifier := users.NewNotifier(
		users.StoreSource{DB: db},
		events.NewUserModifiedProducer(d.Producers(), d.BusOptions()...),
		d.Logger,
	)
	// Registered before the consumers so it runs after them.
	d.OnShutdown("notifier", func(context.Context) error {
		notifier.Wait()
		return nil
	})

	cacheProjector := projection.NewCacheProjector(cache.NewService(redisStore),
		projection.WithLogger(d.Logger),
		projection.WithMetrics(d.Metrics),
		projection.WithTracer(d.Tracer),
	)
	consumers := d.Consumers(d.DeadLetters(db))
	if _, err := bus.Listen(ctx, consumers, cacheProjector.Binding("")); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if addr := d.Config.Server.HookAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: users.Handler(notifier), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			d.Logger.Info("hook server starting", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.Logger.Error("hook server error", "error", err)
			}
		}()
		d.OnShutdown("hook server", srv.Shutdown)
	} else {
		d.Mux.Handle("POST /users/{id}/modified", users.Handler(notifier))
	}
	return nil
}
