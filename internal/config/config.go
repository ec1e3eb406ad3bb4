// Package config provides runtime configuration: defaults, an optional
// YAML file, then environment-variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkharitonov/toolcrib/internal/core/domain"
)

// SeedTool declares a catalog entry to upsert at startup.
type SeedTool struct {
	Key      string `yaml:"key"`
	Name     string `yaml:"name"`
	SKU      string `yaml:"sku"`
	Quantity int    `yaml:"quantity"`
}

func (s SeedTool) ToolType() domain.ToolType {
	return domain.ToolType{Key: s.Key, Name: s.Name, SKU: s.SKU, Quantity: s.Quantity}
}

type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Store      string `yaml:"store"` // mysql | sqlite | memory
	MySQLDSN   string `yaml:"mysql_dsn"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"` // empty disables the shared operator lease

	DetectorURL       string        `yaml:"detector_url"`
	DetectorTimeout   time.Duration `yaml:"detector_timeout"`
	DefaultConfidence float64       `yaml:"default_confidence"`

	SessionIdleTTL   time.Duration `yaml:"session_idle_ttl"`
	SessionRetention time.Duration `yaml:"session_retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`

	JournalWorkers   int `yaml:"journal_workers"`
	JournalQueueSize int `yaml:"journal_queue_size"`

	SeedTools []SeedTool `yaml:"seed_tools"`
}

func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		ShutdownTimeout:   5 * time.Second,
		Store:             "sqlite",
		MySQLDSN:          "root:root@tcp(localhost:3306)/toolcrib?parseTime=true",
		SQLitePath:        "toolcrib.db",
		DetectorURL:       "http://localhost:8000",
		DetectorTimeout:   10 * time.Second,
		DefaultConfidence: 0.5,
		SessionIdleTTL:    30 * time.Minute,
		SessionRetention:  time.Hour,
		SweepInterval:     time.Minute,
		JournalWorkers:    4,
		JournalQueueSize:  1024,
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (skipped when path is empty), and finally the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.Store = getenv("STORE", c.Store)
	c.MySQLDSN = getenv("MYSQL_DSN", c.MySQLDSN)
	c.SQLitePath = getenv("SQLITE_PATH", c.SQLitePath)
	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.DetectorURL = getenv("DETECTOR_URL", c.DetectorURL)
	c.DetectorTimeout = durenv("DETECTOR_TIMEOUT", c.DetectorTimeout)
	c.SessionIdleTTL = durenv("SESSION_IDLE_TTL", c.SessionIdleTTL)
	c.SessionRetention = durenv("SESSION_RETENTION", c.SessionRetention)
	c.SweepInterval = durenv("SWEEP_INTERVAL", c.SweepInterval)
	c.JournalWorkers = atoienv("JOURNAL_WORKERS", c.JournalWorkers)
	c.JournalQueueSize = atoienv("JOURNAL_QUEUE_SIZE", c.JournalQueueSize)
}

func (c *Config) validate() error {
	switch c.Store {
	case "mysql", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.DefaultConfidence < 0 || c.DefaultConfidence > 1 {
		return fmt.Errorf("default_confidence %v outside [0,1]", c.DefaultConfidence)
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("session_idle_ttl must be positive")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
