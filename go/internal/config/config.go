package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/roundsync/go/internal/dbconfig"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime knob of the service and the headless client.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	Store struct {
		Driver        string `yaml:"driver"`         // postgres | memory
		CounterDriver string `yaml:"counter_driver"` // postgres | nats
		NotifyChannel string `yaml:"notify_channel"`
	} `yaml:"store"`

	NATS struct {
		URL              string        `yaml:"url"`
		Subject          string        `yaml:"subject"`
		CounterBucket    string        `yaml:"counter_bucket"`
		ReconnectWait    time.Duration `yaml:"reconnect_wait"`
		MaxReconnects    int           `yaml:"max_reconnects"`
		StaleAfter       time.Duration `yaml:"stale_after"`
		DisableBroadcast bool          `yaml:"disable_broadcast"`
	} `yaml:"nats"`

	Clock struct {
		TickInterval     time.Duration `yaml:"tick_interval"`
		ResyncInterval   time.Duration `yaml:"resync_interval"`
		WarningThreshold time.Duration `yaml:"warning_threshold"`
	} `yaml:"clock"`

	Rotation struct {
		MinRecompute time.Duration `yaml:"min_recompute"`
	} `yaml:"rotation"`

	Bus struct {
		Debounce         time.Duration `yaml:"debounce"`
		SubscriberBuffer int           `yaml:"subscriber_buffer"`
		FallbackInterval time.Duration `yaml:"fallback_interval"`
	} `yaml:"bus"`

	Retry struct {
		MaxAttempts     int           `yaml:"max_attempts"`
		InitialInterval time.Duration `yaml:"initial_interval"`
		MaxInterval     time.Duration `yaml:"max_interval"`
	} `yaml:"retry"`

	Database dbconfig.Config `yaml:"database"`
}

// Default returns the configuration the system is specified with.
func Default() *Config {
	c := &Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
	}
	c.Store.Driver = "postgres"
	c.Store.CounterDriver = "postgres"
	c.Store.NotifyChannel = "roundsync_changes"

	c.NATS.URL = "nats://localhost:4222"
	c.NATS.Subject = "roundsync.nudges"
	c.NATS.CounterBucket = "roundsync_counters"
	c.NATS.ReconnectWait = 2 * time.Second
	c.NATS.MaxReconnects = -1
	c.NATS.StaleAfter = 5 * time.Second

	c.Clock.TickInterval = time.Second
	c.Clock.ResyncInterval = 30 * time.Second
	c.Clock.WarningThreshold = 30 * time.Second

	c.Rotation.MinRecompute = 500 * time.Millisecond

	c.Bus.Debounce = 100 * time.Millisecond
	c.Bus.SubscriberBuffer = 64
	c.Bus.FallbackInterval = 30 * time.Second

	c.Retry.MaxAttempts = 5
	c.Retry.InitialInterval = 200 * time.Millisecond
	c.Retry.MaxInterval = 5 * time.Second

	c.Database = dbconfig.Default()
	return c
}

// Load builds a Config from defaults, an optional YAML file and the
// environment, in that order of precedence (environment wins). A missing
// .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("ROUNDSYNC_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("ROUNDSYNC_LOG_LEVEL", c.LogLevel)
	c.Store.Driver = getEnv("ROUNDSYNC_STORE", c.Store.Driver)
	c.Store.CounterDriver = getEnv("ROUNDSYNC_COUNTER", c.Store.CounterDriver)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnv("ROUNDSYNC_NATS_SUBJECT", c.NATS.Subject)
	c.Clock.WarningThreshold = getEnvAsDuration("ROUNDSYNC_WARNING_THRESHOLD", c.Clock.WarningThreshold)
	c.Retry.MaxAttempts = getEnvAsInt("ROUNDSYNC_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Database.ApplyEnv()
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Store.CounterDriver {
	case "postgres", "nats":
	default:
		return fmt.Errorf("unknown counter driver %q", c.Store.CounterDriver)
	}
	if c.Clock.TickInterval <= 0 {
		return fmt.Errorf("clock.tick_interval must be positive")
	}
	if c.Clock.ResyncInterval <= 0 {
		return fmt.Errorf("clock.resync_interval must be positive")
	}
	if c.Bus.Debounce < 0 {
		return fmt.Errorf("bus.debounce cannot be negative")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if c.Store.Driver == "postgres" {
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
