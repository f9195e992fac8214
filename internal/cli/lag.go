package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lsm/usersync/internal/config"
	"github.com/lsm/usersync/internal/events"
	"github.com/lsm/usersync/internal/kafka"
)

type lagReader interface {
	GroupLag(ctx context.Context, group, topic string) ([]kafka.PartitionLag, error)
	Close()
}

// newAdminFunc creates the admin client. Tests replace it.
var newAdminFunc = func(cfg *config.Config) (lagReader, error) {
	if err := cfg.Kafka.Validate(); err != nil {
		return nil, fmt.Errorf("kafka config: %w", err)
	}
	admin, err := kafka.NewAdmin(&cfg.Kafka)
	if err != nil {
		return nil, err
	}
	return admin, nil
}

// RunLag prints the consumer group lag per partition.
func RunLag(args []string) error {
	if isHelp(args) {
		fmt.Println(`Usage: usersync lag --group <id> [--topic <name>] [--brokers <addrs>]

Prints committed offset, end offset and lag for every partition.

Flags:
  --group     Consumer group id (default: KAFKA_GROUP_ID)
  --topic     Topic name (default: UserModified)
  --brokers   Kafka broker addresses`)
		return nil
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	group, err := parseStringFlag(args, "--group")
	if err != nil {
		return err
	}
	if group == "" {
		group = cfg.Consumer.GroupID
	}
	if group == "" {
		return fmt.Errorf("--group flag is required")
	}
	topic, err := parseStringFlag(args, "--topic")
	if err != nil {
		return err
	}
	if topic == "" {
		topic = events.TopicUserModified
	}

	admin, err := newAdminFunc(cfg)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	lags, err := admin.GroupLag(ctx, group, topic)
	if err != nil {
		return err
	}

	var total int64
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tCOMMITTED\tEND\tLAG")
	for _, l := range lags {
		committed := fmt.Sprint(l.Committed)
		if l.Committed < 0 {
			committed = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\n", l.Partition, committed, l.End, l.Lag)
		total += l.Lag
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("Group %s on %s: total lag %d\n", group, topic, total)
	return nil
}
