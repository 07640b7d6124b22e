package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds ingestion job configuration.
type Config struct {
	StartURL         string        `yaml:"start_url"`
	MaxPages         int           `yaml:"max_pages"`
	Concurrency      int           `yaml:"concurrency"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`
	UserAgent        string        `yaml:"user_agent"`
	RespectRobotsTxt bool          `yaml:"respect_robots_txt"`
	Deadline         time.Duration `yaml:"deadline"`

	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	DedupeMaxSize int           `yaml:"dedupe_max_size"`

	StoreBackend string        `yaml:"store_backend"` // postgres or memory
	DatabaseURL  string        `yaml:"database_url"`
	StoreTable   string        `yaml:"store_table"`
	StoreTimeout time.Duration `yaml:"store_timeout"`

	ExportFile   string `yaml:"export_file"`
	ExportFormat string `yaml:"export_format"` // csv, json, or dual

	FailureTolerance float64 `yaml:"failure_tolerance"`
	MetricsAddr      string  `yaml:"metrics_addr"`
	Verbose          bool    `yaml:"verbose"`
}

// DefaultConfig returns conservative defaults for the demo target.
func DefaultConfig() *Config {
	return &Config{
		StartURL:         "https://books.toscrape.com/",
		MaxPages:         50,
		Concurrency:      8,
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		RespectRobotsTxt: false,
		QueueSize:        256,
		BatchSize:        100,
		FlushInterval:    2 * time.Second,
		DedupeMaxSize:    100000,
		StoreBackend:     "postgres",
		StoreTable:       "books",
		StoreTimeout:     30 * time.Second,
		ExportFormat:     "csv",
		FailureTolerance: 0.10,
	}
}

// Load builds a configuration from defaults, an optional YAML file, a .env
// file and SCRAPER_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML document at path onto c. Keys missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}
	return nil
}

// LoadDotEnv loads the given .env files (default ".env") into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays SCRAPER_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if v, ok := EnvString("SCRAPER_START_URL"); ok {
		c.StartURL = v
	}
	if v, ok := EnvString("SCRAPER_USER_AGENT"); ok {
		c.UserAgent = v
	}
	if v, ok := EnvString("SCRAPER_STORE"); ok {
		c.StoreBackend = v
	}
	if v, ok := EnvString("DATABASE_URL"); ok {
		c.DatabaseURL = v
	}
	if v, ok := EnvString("SCRAPER_DATABASE_URL"); ok {
		c.DatabaseURL = v
	}
	if v, ok := EnvString("SCRAPER_EXPORT"); ok {
		c.ExportFile = v
	}
	if v, ok := EnvString("SCRAPER_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SCRAPER_PAGES", &c.MaxPages},
		{"SCRAPER_CONCURRENCY", &c.Concurrency},
		{"SCRAPER_MAX_RETRIES", &c.MaxRetries},
		{"SCRAPER_BATCH_SIZE", &c.BatchSize},
	}
	for _, item := range ints {
		value, ok, err := EnvInt(item.key)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", item.key, err)
		}
		if ok {
			*item.dst = value
		}
	}

	if ms, ok, err := EnvInt("SCRAPER_TIMEOUT_MS"); err != nil {
		return fmt.Errorf("invalid SCRAPER_TIMEOUT_MS: %w", err)
	} else if ok {
		c.Timeout = time.Duration(ms) * time.Millisecond
	}
	if d, ok, err := EnvDuration("SCRAPER_DEADLINE"); err != nil {
		return fmt.Errorf("invalid SCRAPER_DEADLINE: %w", err)
	} else if ok {
		c.Deadline = d
	}
	if b, ok, err := EnvBool("SCRAPER_RESPECT_ROBOTS"); err != nil {
		return fmt.Errorf("invalid SCRAPER_RESPECT_ROBOTS: %w", err)
	} else if ok {
		c.RespectRobotsTxt = b
	}
	if f, ok, err := EnvFloat("SCRAPER_FAILURE_TOLERANCE"); err != nil {
		return fmt.Errorf("invalid SCRAPER_FAILURE_TOLERANCE: %w", err)
	} else if ok {
		c.FailureTolerance = f
	}
	return nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.StartURL == "" {
		return fmt.Errorf("start URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.StartURL)
	if err != nil {
		return fmt.Errorf("invalid start URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("start URL must include a host")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("start URL scheme must be http or https")
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.Deadline < 0 {
		return fmt.Errorf("deadline cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush interval cannot be negative")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}

	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("database URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("store backend must be postgres or memory")
	}
	if strings.TrimSpace(c.StoreTable) == "" {
		return fmt.Errorf("store table cannot be empty")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	if c.ExportFile != "" && c.ExportFormat != "csv" && c.ExportFormat != "json" && c.ExportFormat != "dual" {
		return fmt.Errorf("export format must be csv, json, or dual")
	}
	if c.FailureTolerance < 0 || c.FailureTolerance > 1 {
		return fmt.Errorf("failure tolerance must be between 0 and 1")
	}

	return nil
}
