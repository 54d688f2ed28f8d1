package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"task-ledger/internal/database"
	"task-ledger/internal/reconciler"

	"gopkg.in/yaml.v3"
)

// Config is the resolved server configuration
type Config struct {
	Addr      string          `yaml:"addr"`
	Database  DatabaseConfig  `yaml:"database"`
	Queues    []string        `yaml:"queues"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Worker    WorkerConfig    `yaml:"worker"`
	Broker    BrokerConfig    `yaml:"broker"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ReconcileConfig struct {
	Interval   time.Duration `yaml:"interval"`
	SweepEvery int           `yaml:"sweepEvery"`
	Grace      time.Duration `yaml:"grace"`
	OpTimeout  time.Duration `yaml:"opTimeout"`
}

type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

type BrokerConfig struct {
	NotificationBuffer int `yaml:"notificationBuffer"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Addr: ":8080",
		Database: DatabaseConfig{
			Driver: database.DriverSQLite,
			DSN:    "./tasks.db?_busy_timeout=5000",
		},
		Queues: []string{"default"},
		Reconcile: ReconcileConfig{
			Interval:   reconciler.DefaultInterval,
			SweepEvery: reconciler.DefaultSweepEvery,
			OpTimeout:  reconciler.DefaultOpTimeout,
		},
		Worker: WorkerConfig{
			Concurrency:  3,
			PollInterval: 2 * time.Second,
		},
		Broker:    BrokerConfig{NotificationBuffer: 256},
		RateLimit: RateLimitConfig{PerMinute: 60},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Addr = getenv("TASKLEDGER_ADDR", c.Addr)
	c.Database.Driver = getenv("DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getenv("DB_DSN", c.Database.DSN)
	if v := os.Getenv("TASKLEDGER_QUEUES"); v != "" {
		c.Queues = splitList(v)
	}

	var err error
	if c.Reconcile.Interval, err = getenvDuration("RECONCILE_INTERVAL", c.Reconcile.Interval); err != nil {
		return err
	}
	if c.Worker.PollInterval, err = getenvDuration("WORKER_POLL_INTERVAL", c.Worker.PollInterval); err != nil {
		return err
	}
	if c.Worker.Concurrency, err = getenvInt("WORKER_CONCURRENCY", c.Worker.Concurrency); err != nil {
		return err
	}
	if c.RateLimit.PerMinute, err = getenvInt("RATE_LIMIT_PER_MINUTE", c.RateLimit.PerMinute); err != nil {
		return err
	}
	return nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	switch c.Database.Driver {
	case database.DriverSQLite, database.DriverMySQL:
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database dsn is required")
	}
	if len(c.Queues) == 0 {
		return errors.New("config: at least one queue is required")
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q == "" || seen[q] {
			return fmt.Errorf("config: queue names must be unique and non-empty, got %v", c.Queues)
		}
		seen[q] = true
	}
	if c.Reconcile.Interval <= 0 {
		return errors.New("config: reconcile interval must be positive")
	}
	if c.Worker.Concurrency < 0 {
		return errors.New("config: worker concurrency cannot be negative")
	}
	if c.Worker.PollInterval <= 0 {
		return errors.New("config: worker poll interval must be positive")
	}
	return nil
}

// ReconcilerConfig returns the reconciler settings
func (c *Config) ReconcilerConfig() reconciler.Config {
	return reconciler.Config{
		Interval:   c.Reconcile.Interval,
		SweepEvery: c.Reconcile.SweepEvery,
		Grace:      c.Reconcile.Grace,
		OpTimeout:  c.Reconcile.OpTimeout,
	}
}

// YAML renders the configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func getenv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getenvInt(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
