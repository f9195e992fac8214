package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/config"
	"github.com/lsm/usersync/internal/dlq"
	"github.com/lsm/usersync/internal/kafka"
	"github.com/lsm/usersync/internal/store"
)

// openStoreFunc opens the dead letter store. Tests replace it.
var openStoreFunc = func(ctx context.Context, cfg *config.Config) (dlq.Store, func() error, error) {
	if cfg.Database.URL == "" {
		return nil, nil, fmt.Errorf("database url is required (--db or DATABASE_URL)")
	}
	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

// newProducerSourceFunc creates the producers used for replay. Tests
// replace it.
var newProducerSourceFunc = func(cfg *config.Config) (bus.ProducerSource, func() error, error) {
	if err := cfg.Kafka.Validate(); err != nil {
		return nil, nil, fmt.Errorf("kafka config: %w", err)
	}
	registry := kafka.NewProducerRegistry(kafka.NewProducerDialer(&cfg.Kafka))
	return registry, registry.Close, nil
}

const dlqUsage = `Usage: usersync dlq <list|replay> [flags]

Inspects and replays dead-lettered messages.

Commands:
  list     Print stored dead letters
  replay   Re-publish dead letters to their original topic and delete them

Flags:
  --topic       Only records from this topic (default: all)
  --limit       Maximum records (default: 50 for list, all for replay)
  --rate        Replay rate in records per second (default: from config)
  --db          Database URL (default: DATABASE_URL)
  --db-driver   postgres or sqlite (default: DATABASE_DRIVER)
  --brokers     Kafka broker addresses, replay only`

// RunDLQ dispatches the dlq subcommands.
func RunDLQ(args []string) error {
	if len(args) == 0 || isHelp(args) {
		fmt.Println(dlqUsage)
		return nil
	}
	switch args[0] {
	case "list":
		return runDLQList(args[1:])
	case "replay":
		return runDLQReplay(args[1:])
	default:
		return fmt.Errorf("unknown dlq command %q", args[0])
	}
}

func runDLQList(args []string) error {
	topic, err := parseStringFlag(args, "--topic")
	if err != nil {
		return err
	}
	limit, err := parseIntFlag(args, "--limit", 50, 1)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, release, err := openStoreFunc(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = release() }()

	rows, err := s.ListDeadLetters(ctx, topic, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No dead letters.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOPIC\tPARTITION\tOFFSET\tCREATED\tERROR\tVALUE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.ID, r.Topic, r.Partition, r.Offset,
			r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
			truncate(r.Error, 40), truncate(r.Value, 60))
	}
	return w.Flush()
}

func runDLQReplay(args []string) error {
	topic, err := parseStringFlag(args, "--topic")
	if err != nil {
		return err
	}
	limit, err := parseIntFlag(args, "--limit", 0, 1)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	perSecond, err := parseFloatFlag(args, "--rate", cfg.DLQ.ReplayPerSecond)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	s, releaseStore, err := openStoreFunc(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = releaseStore() }()

	producers, releaseProducers, err := newProducerSourceFunc(cfg)
	if err != nil {
		return fmt.Errorf("create producers: %w", err)
	}
	defer func() { _ = releaseProducers() }()

	res, err := dlq.NewReplayer(s, producers, perSecond, nil).Replay(ctx, topic, limit)
	fmt.Printf("Replayed %d dead letter(s), %d failed\n", res.Replayed, res.Failed)
	return err
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
