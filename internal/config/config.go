package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full ctxsyncd configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Diff      DiffConfig      `mapstructure:"diff" yaml:"diff"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`
	Ingest    []IngestRule    `mapstructure:"ingest" yaml:"ingest,omitempty"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	Port    int    `mapstructure:"port" yaml:"port"`
	LogFile string `mapstructure:"log_file" yaml:"log_file,omitempty"`
}

// StoreConfig contains record storage limits.
type StoreConfig struct {
	MaxContexts      int           `mapstructure:"max_contexts" yaml:"max_contexts"`
	MaxContextSizeMB int           `mapstructure:"max_context_size_mb" yaml:"max_context_size_mb"`
	MaxVersions      int           `mapstructure:"max_versions" yaml:"max_versions"`
	IdleTTL          time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// DiffConfig contains change-detection settings.
type DiffConfig struct {
	// StrictCompare uses full byte comparison instead of content hashes
	// when classifying modified elements.
	StrictCompare bool `mapstructure:"strict_compare" yaml:"strict_compare"`

	// CompressionThresholdBytes is the response size above which
	// payloads are gzipped.
	CompressionThresholdBytes int `mapstructure:"compression_threshold_bytes" yaml:"compression_threshold_bytes"`
}

// BroadcastConfig contains subscriber fan-out settings.
type BroadcastConfig struct {
	// QueueSize bounds each subscriber's outbound event queue.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// IngestRule mirrors one directory into one project context.
type IngestRule struct {
	Project  string `mapstructure:"project" yaml:"project"`
	Dir      string `mapstructure:"dir" yaml:"dir"`
	Priority int    `mapstructure:"priority" yaml:"priority"`
}

// Load loads configuration from file and environment via viper.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults sets default values for unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7171
	}
	if cfg.Store.MaxContexts == 0 {
		cfg.Store.MaxContexts = 100
	}
	if cfg.Store.MaxContextSizeMB == 0 {
		cfg.Store.MaxContextSizeMB = 10
	}
	if cfg.Store.MaxVersions == 0 {
		cfg.Store.MaxVersions = 10
	}
	if cfg.Store.IdleTTL == 0 {
		cfg.Store.IdleTTL = 24 * time.Hour
	}
	if cfg.Store.SweepInterval == 0 {
		cfg.Store.SweepInterval = 10 * time.Minute
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.SweepInterval == 0 {
		cfg.Cache.SweepInterval = time.Minute
	}
	if cfg.Diff.CompressionThresholdBytes == 0 {
		cfg.Diff.CompressionThresholdBytes = 1024
	}
	if cfg.Broadcast.QueueSize == 0 {
		cfg.Broadcast.QueueSize = 16
	}
	for i := range cfg.Ingest {
		if cfg.Ingest[i].Priority == 0 {
			cfg.Ingest[i].Priority = 10
		}
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Store.MaxContexts < 1 {
		return fmt.Errorf("store.max_contexts must be at least 1")
	}
	if c.Store.MaxVersions < 1 {
		return fmt.Errorf("store.max_versions must be at least 1")
	}
	for _, rule := range c.Ingest {
		if rule.Project == "" || rule.Dir == "" {
			return fmt.Errorf("ingest rules require both project and dir")
		}
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
