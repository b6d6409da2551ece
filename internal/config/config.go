// Package config loads and validates the timegraph daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	// DataDir is the root directory for archive files.
	DataDir string `yaml:"data_dir"`

	// RegistryPath is the SQLite database holding metric and graph
	// definitions.
	RegistryPath string `yaml:"registry_path"`

	// Cache configures the shared cache tier.
	Cache CacheConfig `yaml:"cache"`

	// Queue configures the write queue.
	Queue QueueConfig `yaml:"queue"`

	// Archive configures the series store.
	Archive ArchiveConfig `yaml:"archive"`

	// Server configures the HTTP boundary.
	Server ServerConfig `yaml:"server"`

	// Collector configures the SNMP sampler.
	Collector CollectorConfig `yaml:"collector"`

	// Report configures parquet snapshot reporting.
	Report ReportConfig `yaml:"report"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig configures the shared cache tier.
type CacheConfig struct {
	// Prefix namespaces all shared-cache keys.
	Prefix string `yaml:"prefix"`

	// Redis is the shared backing store.
	Redis RedisConfig `yaml:"redis"`

	// Timeout bounds each shared-cache round trip.
	Timeout time.Duration `yaml:"timeout"`
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// QueueConfig configures the write queue.
type QueueConfig struct {
	// Capacity is the number of pending writes that triggers a flush.
	Capacity int `yaml:"capacity"`
}

// ArchiveConfig configures the series store.
type ArchiveConfig struct {
	// BaseStep is the base ring resolution in seconds.
	BaseStep int `yaml:"base_step"`

	// Heartbeat is the default gap threshold in seconds, used when a
	// metric does not declare its own.
	Heartbeat int `yaml:"heartbeat"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// CollectorConfig configures the SNMP sampler.
type CollectorConfig struct {
	Enabled   bool           `yaml:"enabled"`
	TimeoutMs uint32         `yaml:"timeout_ms"`
	Retries   uint32         `yaml:"retries"`
	Targets   []TargetConfig `yaml:"targets"`
}

// TargetConfig describes one polled device.
type TargetConfig struct {
	EntityType string `yaml:"entity_type"`
	EntityKey  string `yaml:"entity_key"`

	Host      string `yaml:"host"`
	Port      uint16 `yaml:"port"`
	Community string `yaml:"community"`

	// SNMPv3 credentials; a non-empty security name selects v3.
	SecurityName  string `yaml:"security_name"`
	SecurityLevel string `yaml:"security_level"`
	AuthProtocol  string `yaml:"auth_protocol"`
	AuthPassword  string `yaml:"auth_password"`
	PrivProtocol  string `yaml:"priv_protocol"`
	PrivPassword  string `yaml:"priv_password"`

	// IntervalSec is the poll interval for this target.
	IntervalSec int `yaml:"interval_sec"`

	Polls []PollConfig `yaml:"polls"`
}

// PollConfig maps one OID to a metric parameter.
type PollConfig struct {
	OID       string `yaml:"oid"`
	Parameter string `yaml:"parameter"`
}

// ReportConfig configures parquet snapshot reporting.
type ReportConfig struct {
	// Dir is the snapshot directory. Defaults to {DataDir}/reports.
	Dir string `yaml:"dir"`

	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the report query timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with the historical defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:      "/var/lib/timegraph/db",
		RegistryPath: "/var/lib/timegraph/registry.db",
		Cache: CacheConfig{
			Prefix: "timegraph",
			Redis: RedisConfig{
				Addr:     "127.0.0.1:6379",
				PoolSize: 10,
			},
			Timeout: 5 * time.Second,
		},
		Queue: QueueConfig{
			Capacity: 3000,
		},
		Archive: ArchiveConfig{
			BaseStep:  300,
			Heartbeat: 300,
		},
		Server: ServerConfig{
			Listen: "0.0.0.0:8080",
		},
		Collector: CollectorConfig{
			Enabled:   false,
			TimeoutMs: 2000,
			Retries:   1,
		},
		Report: ReportConfig{
			MemoryLimit: "1GB",
			Timeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RegistryPath == "" {
		return fmt.Errorf("registry_path is required")
	}
	if c.Cache.Prefix == "" {
		return fmt.Errorf("cache.prefix is required")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Archive.BaseStep <= 0 {
		return fmt.Errorf("archive.base_step must be positive, got %d", c.Archive.BaseStep)
	}
	if c.Archive.Heartbeat <= 0 {
		return fmt.Errorf("archive.heartbeat must be positive, got %d", c.Archive.Heartbeat)
	}
	if c.Collector.Enabled {
		for i, t := range c.Collector.Targets {
			if t.Host == "" {
				return fmt.Errorf("collector.targets[%d]: host is required", i)
			}
			if t.EntityKey == "" {
				return fmt.Errorf("collector.targets[%d]: entity_key is required", i)
			}
			if len(t.Polls) == 0 {
				return fmt.Errorf("collector.targets[%d]: at least one poll is required", i)
			}
		}
	}
	return nil
}

// ReportDir returns the snapshot directory, defaulting under DataDir.
func (c *Config) ReportDir() string {
	if c.Report.Dir != "" {
		return c.Report.Dir
	}
	return filepath.Join(c.DataDir, "reports")
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.ReportDir(),
		filepath.Dir(c.RegistryPath),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
