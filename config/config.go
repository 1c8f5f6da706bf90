// Package config loads TOML configuration for the archive query tools.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/gofullthrottle/common-crawl-mcp-server/aggregate"
	"github.com/gofullthrottle/common-crawl-mcp-server/cache"
	"github.com/gofullthrottle/common-crawl-mcp-server/cdx"
	"github.com/gofullthrottle/common-crawl-mcp-server/fetch"
	"github.com/gofullthrottle/common-crawl-mcp-server/objectstore"
)

type Config struct {
	Cache       CacheConfig       `toml:"cache"`
	Index       IndexConfig       `toml:"index"`
	ObjectStore ObjectStoreConfig `toml:"objectstore"`
	Aggregate   AggregateConfig   `toml:"aggregate"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Logging     LoggingConfig     `toml:"logging"`
}

type CacheConfig struct {
	Dir            string `toml:"dir"`
	MaxSizeBytes   int64  `toml:"max_size_bytes"`
	MemoryCapacity int    `toml:"memory_capacity"`
	DefaultTTL     string `toml:"default_ttl"`
	RemoteURL      string `toml:"remote_url"`
}

type IndexConfig struct {
	BaseURL           string  `toml:"base_url"`
	MaxConcurrent     int64   `toml:"max_concurrent"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Timeout           string  `toml:"timeout"`
}

type ObjectStoreConfig struct {
	BaseURL   string  `toml:"base_url"`
	CostPerGB float64 `toml:"cost_per_gb"`
	Timeout   string  `toml:"timeout"`
}

type AggregateConfig struct {
	Concurrency         int64  `toml:"concurrency"`
	TimelineConcurrency int64  `toml:"timeline_concurrency"`
	ReportTTL           string `toml:"report_ttl"`
}

type TelemetryConfig struct {
	OTLPEndpoint     string `toml:"otlp_endpoint"`
	EnablePrometheus bool   `toml:"enable_prometheus"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a configuration populated with the package defaults.
// The cache directory is the only field without a usable zero default.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:            defaultCacheDir(),
			MaxSizeBytes:   cache.DefaultMaxSizeBytes,
			MemoryCapacity: cache.DefaultMemoryCapacity,
			DefaultTTL:     fetch.DefaultTTL.String(),
		},
		Index: IndexConfig{
			BaseURL:           cdx.DefaultIndexURL,
			MaxConcurrent:     cdx.DefaultMaxConcurrent,
			RequestsPerSecond: cdx.DefaultRequestsPerSecond,
			Timeout:           cdx.DefaultTimeout.String(),
		},
		ObjectStore: ObjectStoreConfig{
			BaseURL:   objectstore.DefaultBaseURL,
			CostPerGB: objectstore.DefaultCostPerGB,
			Timeout:   objectstore.DefaultTimeout.String(),
		},
		Aggregate: AggregateConfig{
			Concurrency:         aggregate.DefaultConcurrency,
			TimelineConcurrency: aggregate.DefaultTimelineConcurrency,
			ReportTTL:           aggregate.DefaultReportTTL.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/ccreport"
	}
	return "./ccreport-cache"
}

// Load reads a TOML file at path on top of the defaults. A missing file
// is not an error, the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports configuration problems that would otherwise surface
// deep inside a query. It is meant to run once at startup.
func (c *Config) Validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir must be set")
	}
	if err := ensureWritableDir(c.Cache.Dir); err != nil {
		return fmt.Errorf("cache.dir: %w", err)
	}
	if c.Cache.MaxSizeBytes < 0 {
		return fmt.Errorf("cache.max_size_bytes must be >= 0, got %d", c.Cache.MaxSizeBytes)
	}
	if c.Cache.MemoryCapacity < 1 {
		return fmt.Errorf("cache.memory_capacity must be >= 1, got %d", c.Cache.MemoryCapacity)
	}
	if _, err := c.CacheTTL(); err != nil {
		return fmt.Errorf("cache.default_ttl: %w", err)
	}

	if c.Index.MaxConcurrent < 1 {
		return fmt.Errorf("index.max_concurrent must be >= 1, got %d", c.Index.MaxConcurrent)
	}
	if c.Index.RequestsPerSecond < 0 {
		return fmt.Errorf("index.requests_per_second must be >= 0, got %g", c.Index.RequestsPerSecond)
	}
	if _, err := c.IndexTimeout(); err != nil {
		return fmt.Errorf("index.timeout: %w", err)
	}

	if c.ObjectStore.CostPerGB < 0 {
		return fmt.Errorf("objectstore.cost_per_gb must be >= 0, got %g", c.ObjectStore.CostPerGB)
	}
	if _, err := c.ObjectStoreTimeout(); err != nil {
		return fmt.Errorf("objectstore.timeout: %w", err)
	}

	if c.Aggregate.Concurrency < 1 {
		return fmt.Errorf("aggregate.concurrency must be >= 1, got %d", c.Aggregate.Concurrency)
	}
	if c.Aggregate.TimelineConcurrency < 1 {
		return fmt.Errorf("aggregate.timeline_concurrency must be >= 1, got %d", c.Aggregate.TimelineConcurrency)
	}
	if _, err := c.ReportTTL(); err != nil {
		return fmt.Errorf("aggregate.report_ttl: %w", err)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("logging.format must be one of text, json, pretty, got %q", c.Logging.Format)
	}
	return nil
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".probe-")
	if err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	return os.Remove(name)
}

func (c *Config) CacheTTL() (time.Duration, error) {
	return parseDuration(c.Cache.DefaultTTL, fetch.DefaultTTL)
}

func (c *Config) IndexTimeout() (time.Duration, error) {
	return parseDuration(c.Index.Timeout, cdx.DefaultTimeout)
}

func (c *Config) ObjectStoreTimeout() (time.Duration, error) {
	return parseDuration(c.ObjectStore.Timeout, objectstore.DefaultTimeout)
}

func (c *Config) ReportTTL() (time.Duration, error) {
	return parseDuration(c.Aggregate.ReportTTL, aggregate.DefaultReportTTL)
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be >= 0, got %s", s)
	}
	return d, nil
}
