// Command products-sync keeps the product service's shadow user table in
// step with UserModified events.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/daemon"
	"github.com/lsm/usersync/internal/projection"
)

func main() {
	if err := daemon.Main("products-sync", nil, setup); err != nil {
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

	shadow := projection.NewShadowProjector(db,
		projection.WithLogger(d.Logger),
		projection.WithMetrics(d.Metrics),
		projection.WithTracer(d.Tracer),
	)
	consumers := d.Consumers(d.DeadLetters(db))
	if _, err := bus.Listen(ctx, consumers, shadow.Binding("")); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}
