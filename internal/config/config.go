// Package config loads the process configuration once at startup: an
// optional YAML file followed by environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/usersync/internal/bus"
	"github.com/lsm/usersync/internal/kafka"
	"github.com/lsm/usersync/internal/store"
)

// FileEnv points at the YAML file to load. Unset means environment only.
const FileEnv = "USERSYNC_CONFIG"

// Config is the full process configuration.
type Config struct {
	Kafka    kafka.ClusterConfig `yaml:"kafka"`
	Consumer ConsumerConfig      `yaml:"consumer"`
	Database DatabaseConfig      `yaml:"database"`
	Redis    RedisConfig         `yaml:"redis"`
	DLQ      DLQConfig           `yaml:"dlq"`
	Server   ServerConfig        `yaml:"server"`
	LogLevel string              `yaml:"logLevel"`
}

// ConsumerConfig holds the defaults for every consumer in the process.
type ConsumerConfig struct {
	GroupID        string            `yaml:"groupId"`
	CommitMode     bus.CommitMode    `yaml:"commitMode"`
	StartOffset    kafka.StartOffset `yaml:"startOffset"`
	ReconnectDelay time.Duration     `yaml:"reconnectDelay"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DLQConfig selects where dead letters go. Forward additionally publishes
// each one to "<topic>.dlq".
type DLQConfig struct {
	Forward         bool    `yaml:"forward"`
	ReplayPerSecond float64 `yaml:"replayPerSecond"`
}

type ServerConfig struct {
	MetricsAddr string `yaml:"metricsAddr"`
	HookAddr    string `yaml:"hookAddr"`
}

// Defaults returns a config with every optional value filled in.
func Defaults() Config {
	return Config{
		Consumer: ConsumerConfig{
			CommitMode:     bus.CommitExplicit,
			StartOffset:    kafka.StartEarliest,
			ReconnectDelay: kafka.DefaultReconnectDelay,
		},
		Database: DatabaseConfig{Driver: store.DriverPostgres},
		DLQ:      DLQConfig{ReplayPerSecond: 50},
		Server:   ServerConfig{MetricsAddr: ":9090"},
		LogLevel: "info",
	}
}

// Load builds the configuration from USERSYNC_CONFIG and the environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(FileEnv), os.LookupEnv)
}

// LoadFrom reads path (skipped when empty) and applies overrides from
// lookup. The result is not validated.
func LoadFrom(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		cfg.Kafka.Brokers = splitList(v)
	} else if v, ok := lookup("KAFKA_BROKER"); ok && v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	str("KAFKA_CLIENT_ID", &cfg.Kafka.ClientID)
	str("KAFKA_SASL_MECHANISM", &cfg.Kafka.Auth.Mechanism)
	str("KAFKA_SASL_USERNAME", &cfg.Kafka.Auth.Username)
	str("KAFKA_SASL_PASSWORD", &cfg.Kafka.Auth.Password)
	str("KAFKA_GROUP_ID", &cfg.Consumer.GroupID)

	if v, ok := lookup("KAFKA_COMMIT_MODE"); ok && v != "" {
		cfg.Consumer.CommitMode = bus.CommitMode(strings.ToLower(v))
	}
	if v, ok := lookup("KAFKA_START_OFFSET"); ok && v != "" {
		cfg.Consumer.StartOffset = kafka.StartOffset(strings.ToLower(v))
	}
	if v, ok := lookup("KAFKA_RECONNECT_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("KAFKA_RECONNECT_DELAY: %w", err))
		} else {
			cfg.Consumer.ReconnectDelay = d
		}
	}

	str("DATABASE_DRIVER", &cfg.Database.Driver)
	str("DATABASE_URL", &cfg.Database.URL)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("REDIS_PREFIX", &cfg.Redis.Prefix)
	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("REDIS_DB: %w", err))
		} else {
			cfg.Redis.DB = n
		}
	}

	if v, ok := lookup("USERSYNC_DLQ_FORWARD"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("USERSYNC_DLQ_FORWARD: %w", err))
		} else {
			cfg.DLQ.Forward = b
		}
	}

	str("USERSYNC_METRICS_ADDR", &cfg.Server.MetricsAddr)
	str("USERSYNC_HOOK_ADDR", &cfg.Server.HookAddr)
	str("USERSYNC_LOG_LEVEL", &cfg.LogLevel)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if c.Consumer.GroupID == "" {
		errs = append(errs, errors.New("consumer.groupId is required (KAFKA_GROUP_ID)"))
	}
	switch c.Consumer.CommitMode {
	case bus.CommitExplicit, bus.CommitAuto:
	default:
		errs = append(errs, fmt.Errorf("consumer.commitMode %q is not valid (must be explicit or auto)", c.Consumer.CommitMode))
	}
	switch c.Consumer.StartOffset {
	case kafka.StartEarliest, kafka.StartLatest:
	default:
		errs = append(errs, fmt.Errorf("consumer.startOffset %q is not valid (must be earliest or latest)", c.Consumer.StartOffset))
	}
	if c.Consumer.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("consumer.reconnectDelay must be positive"))
	}
	switch c.Database.Driver {
	case store.DriverPostgres, store.DriverSQLite, "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not valid (must be postgres or sqlite)", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required (DATABASE_URL)"))
	}
	if c.DLQ.ReplayPerSecond < 0 {
		errs = append(errs, errors.New("dlq.replayPerSecond must not be negative"))
	}
	return errors.Join(errs...)
}

// RequireRedis checks the settings only the cache projector needs.
func (c *Config) RequireRedis() error {
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required (REDIS_ADDR)")
	}
	return nil
}
