// ABOUTME: Configuration loading and parsing for sheetbridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete sheetbridge configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Sheet       SheetConfig       `yaml:"sheet"`
	Sync        SyncConfig        `yaml:"sync"`
	DLQ         DLQConfig         `yaml:"dlq"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Upsert      UpsertConfig      `yaml:"upsert"`
	Bulk        BulkConfig        `yaml:"bulk"`
	Schema      SchemaConfig      `yaml:"schema"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr         string   `yaml:"http_addr"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig holds the local cache database location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds write/admin gating credentials
type AuthConfig struct {
	APIToken  string   `yaml:"api_token"`
	APIKeys   []string `yaml:"api_keys"`
	JWTSecret string   `yaml:"jwt_secret"`
}

// SheetConfig holds the remote sheet target and credentials
type SheetConfig struct {
	BaseURL        string `yaml:"base_url"`
	SheetID        string `yaml:"sheet_id"`
	Worksheet      string `yaml:"worksheet"`
	Token          string `yaml:"token"`
	BatchSize      int    `yaml:"batch_size"`
	AllowWriteBack bool   `yaml:"allow_write_back"`
}

// SyncConfig holds background pull scheduling
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`
	OnStart bool `yaml:"on_start"`

	Interval   time.Duration `yaml:"-"`
	Jitter     time.Duration `yaml:"-"`
	BackoffMax time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IntervalRaw   string `yaml:"interval"`
	JitterRaw     string `yaml:"jitter"`
	BackoffMaxRaw string `yaml:"backoff_max"`
}

// DLQConfig holds dead-letter retry worker settings
type DLQConfig struct {
	RetryEnabled bool `yaml:"retry_enabled"`
	Batch        int  `yaml:"batch"`
	Concurrency  int  `yaml:"concurrency"`

	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// IdempotencyConfig holds the client response cache TTL
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// RateLimitConfig holds write-path token bucket settings
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// UpsertConfig selects the key column and the missing-key policy
type UpsertConfig struct {
	KeyColumn string `yaml:"key_column"`
	Strict    *bool  `yaml:"strict"`
}

// StrictEnabled returns the strict flag, defaulting to true when unset.
func (u UpsertConfig) StrictEnabled() bool {
	return u.Strict == nil || *u.Strict
}

// BulkConfig caps the bulk append endpoint
type BulkConfig struct {
	MaxItems int `yaml:"max_items"`
}

// SchemaConfig holds the persisted schema contract location
type SchemaConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration with every optional knob at its default.
func Default() *Config {
	strict := true
	return &Config{
		Server:      ServerConfig{HTTPAddr: ":8080"},
		Database:    DatabaseConfig{Path: "sheetbridge.db"},
		Sheet:       SheetConfig{Worksheet: "Sheet1", BatchSize: 200},
		Sync:        SyncConfig{Interval: 5 * time.Minute, Jitter: 15 * time.Second, BackoffMax: 10 * time.Minute},
		DLQ:         DLQConfig{Interval: 30 * time.Second, Batch: 50, Concurrency: 4},
		Idempotency: IdempotencyConfig{TTL: 24 * time.Hour},
		RateLimit:   RateLimitConfig{RPS: 5, Burst: 20},
		Upsert:      UpsertConfig{Strict: &strict},
		Bulk:        BulkConfig{MaxItems: 500},
		Schema:      SchemaConfig{Path: "schema.json"},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Metrics:     MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Sync.Enabled && c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive when sync is enabled")
	}

	if c.DLQ.RetryEnabled {
		if c.DLQ.Interval <= 0 {
			return fmt.Errorf("dlq.interval must be positive when retry is enabled")
		}
		if c.DLQ.Batch <= 0 {
			return fmt.Errorf("dlq.batch must be positive when retry is enabled")
		}
		if c.DLQ.Concurrency <= 0 {
			return fmt.Errorf("dlq.concurrency must be positive when retry is enabled")
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate_limit.rps must be positive when rate limiting is enabled")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be positive when rate limiting is enabled")
		}
	}

	if c.Bulk.MaxItems <= 0 {
		return fmt.Errorf("bulk.max_items must be positive")
	}

	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency.ttl must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sync.IntervalRaw != "" {
		cfg.Sync.Interval, err = time.ParseDuration(cfg.Sync.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sync.interval %q: %w", cfg.Sync.IntervalRaw, err)
		}
	}

	if cfg.Sync.JitterRaw != "" {
		cfg.Sync.Jitter, err = time.ParseDuration(cfg.Sync.JitterRaw)
		if err != nil {
			return fmt.Errorf("parsing sync.jitter %q: %w", cfg.Sync.JitterRaw, err)
		}
	}

	if cfg.Sync.BackoffMaxRaw != "" {
		cfg.Sync.BackoffMax, err = time.ParseDuration(cfg.Sync.BackoffMaxRaw)
		if err != nil {
			return fmt.Errorf("parsing sync.backoff_max %q: %w", cfg.Sync.BackoffMaxRaw, err)
		}
	}

	if cfg.DLQ.IntervalRaw != "" {
		cfg.DLQ.Interval, err = time.ParseDuration(cfg.DLQ.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing dlq.interval %q: %w", cfg.DLQ.IntervalRaw, err)
		}
	}

	if cfg.Idempotency.TTLRaw != "" {
		cfg.Idempotency.TTL, err = time.ParseDuration(cfg.Idempotency.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idempotency.ttl %q: %w", cfg.Idempotency.TTLRaw, err)
		}
	}

	return nil
}
