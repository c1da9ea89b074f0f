package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig holds configuration for the append-only record store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AggregatorConfig holds configuration for the time-bucket aggregator.
type AggregatorConfig struct {
	BucketWidth string `yaml:"bucket_width"`
	Retention   string `yaml:"retention"`
	// RejectStale drops records older than the retention horizon instead of
	// folding them into the synthetic stale bucket. Either way the record is
	// counted, never silently lost.
	RejectStale bool `yaml:"reject_stale"`
}

// EngineConfig holds thresholds and timeouts for the decision engine.
type EngineConfig struct {
	BlockThreshold      float64 `yaml:"block_threshold"`
	QuarantineThreshold float64 `yaml:"quarantine_threshold"`
	ClassifierTimeout   string  `yaml:"classifier_timeout"`
	AutoRuleTTL         string  `yaml:"auto_rule_ttl"`
}

// RulesConfig holds configuration for the rule table.
type RulesConfig struct {
	// PersistPath is the JSON file rules are loaded from at startup and
	// saved to on mutation. Empty disables persistence.
	PersistPath string `yaml:"persist_path"`
}

// NATSConfig holds connection details for the record transport.
type NATSConfig struct {
	URL               string `yaml:"url"`
	Subject           string `yaml:"subject"`
	ClassifierSubject string `yaml:"classifier_subject"`
}

// ClickHouseConfig holds connection details for the archive writer.
type ClickHouseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Database      string `yaml:"database"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval string `yaml:"flush_interval"`
}

// IntelConfig holds configuration for the threat-intel feed sync.
type IntelConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Feeds        []string `yaml:"feeds"`
	SyncInterval string   `yaml:"sync_interval"`
	RuleTTL      string   `yaml:"rule_ttl"`
	FetchTimeout string   `yaml:"fetch_timeout"`
}

// PipelineConfig holds configuration for the ingestion workers.
type PipelineConfig struct {
	ChannelSize int `yaml:"channel_size"`
}

// APIConfig holds configuration for the HTTP query surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Engine     EngineConfig     `yaml:"engine"`
	Rules      RulesConfig      `yaml:"rules"`
	NATS       NATSConfig       `yaml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Intel      IntelConfig      `yaml:"intel"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	API        APIConfig        `yaml:"api"`
}

// LoadConfig reads the configuration from a YAML file, applies defaults for
// unset fields, and returns a Config struct.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in documented defaults for fields left unset. The
// source material never pins these values, so they live here rather than
// hard-coded at the call sites.
func (c *Config) ApplyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "data/records.jsonl"
	}
	if c.Aggregator.BucketWidth == "" {
		c.Aggregator.BucketWidth = "1m"
	}
	if c.Aggregator.Retention == "" {
		c.Aggregator.Retention = "1h"
	}
	if c.Engine.BlockThreshold == 0 {
		c.Engine.BlockThreshold = 0.9
	}
	if c.Engine.QuarantineThreshold == 0 {
		c.Engine.QuarantineThreshold = 0.7
	}
	if c.Engine.ClassifierTimeout == "" {
		c.Engine.ClassifierTimeout = "500ms"
	}
	if c.Engine.AutoRuleTTL == "" {
		c.Engine.AutoRuleTTL = "1h"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "netsentry.records"
	}
	if c.NATS.ClassifierSubject == "" {
		c.NATS.ClassifierSubject = "netsentry.classifier.score"
	}
	if c.ClickHouse.BatchSize == 0 {
		c.ClickHouse.BatchSize = 1000
	}
	if c.ClickHouse.FlushInterval == "" {
		c.ClickHouse.FlushInterval = "10s"
	}
	if c.Intel.SyncInterval == "" {
		c.Intel.SyncInterval = "30m"
	}
	if c.Intel.RuleTTL == "" {
		c.Intel.RuleTTL = "24h"
	}
	if c.Intel.FetchTimeout == "" {
		c.Intel.FetchTimeout = "15s"
	}
	if c.Pipeline.ChannelSize == 0 {
		c.Pipeline.ChannelSize = 4096
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
}

// Duration parses one of the config's duration strings, falling back to the
// given default when the field is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
