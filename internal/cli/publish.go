package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/config"
	"github.com/lsm/usersync/internal/events"
	"github.com/lsm/usersync/internal/kafka"
)

// newProducerFunc creates the UserModified producer and a release func.
// Tests replace it to avoid a broker.
var newProducerFunc = func(cfg *config.Config) (bus.Producer[events.UserModified], func() error, error) {
	if err := cfg.Kafka.Validate(); err != nil {
		return nil, nil, fmt.Errorf("kafka config: %w", err)
	}
	registry := kafka.NewProducerRegistry(kafka.NewProducerDialer(&cfg.Kafka))
	return events.NewUserModifiedProducer(registry), registry.Close, nil
}

// RunPublish publishes UserModified events.
func RunPublish(args []string) error {
	if isHelp(args) {
		fmt.Println(`Usage: usersync publish [--file <path>] [--json <data>] [--rate <duration>] [--brokers <addrs>]

Publishes UserModified events. Each event is validated before it is sent.

Flags:
  --file      Path to a file with one JSON event per line
  --json      Inline JSON for a single event
  --rate      Pause between events (e.g., 100ms). Default: none
  --brokers   Kafka broker addresses (default: from config, else localhost:9092)

Examples:
  usersync publish --json '{"id":"1","name":"Ada","email":"ada@example.com","hashedRt":null,"status":"ACTIVE","updatedAt":"2024-01-01T00:00:00.000Z"}'
  usersync publish --file users.jsonl --rate 50ms`)
		return nil
	}

	filePath, err := parseStringFlag(args, "--file")
	if err != nil {
		return err
	}
	inlineJSON, err := parseStringFlag(args, "--json")
	if err != nil {
		return err
	}
	if filePath == "" && inlineJSON == "" {
		return fmt.Errorf("either --file or --json must be specified")
	}
	if filePath != "" && inlineJSON != "" {
		return fmt.Errorf("cannot specify both --file and --json")
	}

	var rate time.Duration
	if rateStr, _ := parseStringFlag(args, "--rate"); rateStr != "" {
		rate, err = time.ParseDuration(rateStr)
		if err != nil {
			return fmt.Errorf("invalid rate duration: %w", err)
		}
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	producer, release, err := newProducerFunc(cfg)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer func() { _ = release() }()

	ctx, cancel := signalContext()
	defer cancel()

	var src io.Reader = strings.NewReader(inlineJSON)
	if filePath != "" {
		file, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("open file: %w", err)
		}
		defer func() { _ = file.Close() }()
		src = file
	}
	return publishLines(ctx, producer, src, rate)
}

func publishLines(ctx context.Context, producer bus.Producer[events.UserModified], src io.Reader, rate time.Duration) error {
	published := 0
	scanner := bufio.NewScanner(src)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt events.UserModified
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return fmt.Errorf("invalid json on line %d: %w", lineNum, err)
		}
		if err := evt.Validate(); err != nil {
			return fmt.Errorf("invalid event on line %d: %w", lineNum, err)
		}
		if err := producer.Publish(ctx, evt); err != nil {
			return fmt.Errorf("publish event from line %d: %w", lineNum, err)
		}

		published++
		fmt.Printf("Published user %s (line %d) to %s\n", evt.ID, lineNum, producer.Topic())

		if rate > 0 {
			select {
			case <-time.After(rate):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if published == 0 {
		return fmt.Errorf("no events found in input")
	}

	fmt.Printf("Successfully published %d event(s) to %s\n", published, producer.Topic())
	return nil
}
