package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strings"

	"github.com/lsm/usersync/internal/config"
)

func isHelp(args []string) bool {
	return len(args) > 0 && (args[0] == "-h" || args[0] == "--help")
}

func parseStringFlag(args []string, flag string) (string, error) {
	for i, arg := range args {
		if arg == flag {
			if i+1 < len(args) {
				return args[i+1], nil
			}
			return "", fmt.Errorf("flag %s requires a value", flag)
		}
	}
	return "", nil
}

// parseIntFlag returns defaultVal when flag is absent. Values below min are
// rejected.
func parseIntFlag(args []string, flag string, defaultVal, min int) (int, error) {
	str, err := parseStringFlag(args, flag)
	if err != nil {
		return 0, err
	}
	if str == "" {
		return defaultVal, nil
	}
	var val int
	if _, err := fmt.Sscanf(str, "%d", &val); err != nil {
		return 0, fmt.Errorf("invalid value for %s: must be an integer", flag)
	}
	if val < min {
		return 0, fmt.Errorf("invalid value for %s: must be >= %d", flag, min)
	}
	return val, nil
}

func parseFloatFlag(args []string, flag string, defaultVal float64) (float64, error) {
	str, err := parseStringFlag(args, flag)
	if err != nil {
		return 0, err
	}
	if str == "" {
		return defaultVal, nil
	}
	var val float64
	if _, err := fmt.Sscanf(str, "%g", &val); err != nil || val < 0 {
		return 0, fmt.Errorf("invalid value for %s: must be a non-negative number", flag)
	}
	return val, nil
}

// loadConfig reads the process configuration and applies the --brokers,
// --db-driver and --db flags on top. It does not validate.
func loadConfig(args []string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if v, err := parseStringFlag(args, "--brokers"); err != nil {
		return nil, err
	} else if v != "" {
		cfg.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "usersync-cli"
	}
	if v, err := parseStringFlag(args, "--db-driver"); err != nil {
		return nil, err
	} else if v != "" {
		cfg.Database.Driver = v
	}
	if v, err := parseStringFlag(args, "--db"); err != nil {
		return nil, err
	} else if v != "" {
		cfg.Database.URL = v
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), shutdownSignals...)
}
