// Package config loads service configuration from an optional YAML file with
// environment variables layered on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// DefaultFile is read from the working directory when no explicit path is given.
const DefaultFile = "custodian.yaml"

// Config is the root configuration.
// Sources, highest priority first:
//  1. explicit path via --config;
//  2. path in CONFIG_PATH;
//  3. ./custodian.yaml;
//  4. environment variables only.
//
// Environment variables always override file values.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Amazon      AmazonConfig      `yaml:"amazon"`
	Encryption  EncryptionConfig  `yaml:"encryption"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Sync        SyncConfig        `yaml:"sync"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST" env-default:"127.0.0.1"`
	Port            string        `yaml:"port" env:"PORT" env-default:"8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"15s"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"DATABASE_PATH" env-default:"custodian.db"`
}

// AmazonConfig holds Login with Amazon client credentials and the Ads API region.
type AmazonConfig struct {
	ClientID     string   `yaml:"client_id" env:"AMAZON_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"AMAZON_CLIENT_SECRET"`
	RedirectURL  string   `yaml:"redirect_url" env:"AMAZON_REDIRECT_URL" env-default:"http://localhost:8080/auth/amazon/callback"`
	Region       string   `yaml:"region" env:"AMAZON_ADS_REGION" env-default:"NA"`
	Scopes       []string `yaml:"scopes" env:"AMAZON_SCOPES" env-default:"advertising::campaign_management"`
	// AuthURL, TokenURL and APIBaseURL override the public endpoints; empty uses them.
	AuthURL    string        `yaml:"auth_url" env:"AMAZON_AUTH_URL"`
	TokenURL   string        `yaml:"token_url" env:"AMAZON_TOKEN_URL"`
	APIBaseURL string        `yaml:"api_base_url" env:"AMAZON_ADS_API_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"AMAZON_HTTP_TIMEOUT" env-default:"30s"`
}

type EncryptionConfig struct {
	Key string `yaml:"key" env:"TOKEN_ENCRYPTION_KEY"`
}

// RateLimiterConfig is shared by the token endpoint and Ads API limiters.
type RateLimiterConfig struct {
	RateLimit  int           `yaml:"rate_limit" env:"RATE_LIMIT" env-default:"10"`
	MaxRetries int           `yaml:"max_retries" env:"RATE_LIMIT_MAX_RETRIES" env-default:"5"`
	BaseDelay  time.Duration `yaml:"base_delay" env:"RATE_LIMIT_BASE_DELAY" env-default:"1s"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"RATE_LIMIT_MAX_DELAY" env-default:"60s"`
	MaxLockout time.Duration `yaml:"max_lockout" env:"RATE_LIMIT_MAX_LOCKOUT" env-default:"300s"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"BREAKER_RECOVERY_TIMEOUT" env-default:"60s"`
}

type SchedulerConfig struct {
	// Disabled keeps the scheduler from starting with the process.
	Disabled         bool          `yaml:"disabled" env:"SCHEDULER_DISABLED"`
	CheckInterval    time.Duration `yaml:"check_interval" env:"SCHEDULER_CHECK_INTERVAL" env-default:"5m"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" env:"SCHEDULER_CLEANUP_INTERVAL" env-default:"1h"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold" env:"SCHEDULER_REFRESH_THRESHOLD" env-default:"10m"`
	MaxFailures      int           `yaml:"max_failures" env:"SCHEDULER_MAX_FAILURES" env-default:"3"`
	Concurrency      int           `yaml:"concurrency" env:"SCHEDULER_CONCURRENCY" env-default:"4"`
	HistoryRetention time.Duration `yaml:"history_retention" env:"HISTORY_RETENTION" env-default:"720h"`
	TokenRetention   time.Duration `yaml:"token_retention" env:"INACTIVE_TOKEN_RETENTION" env-default:"2160h"`
	// SyncInterval enables the scheduled account sync job when positive.
	SyncInterval time.Duration `yaml:"sync_interval" env:"SCHEDULER_SYNC_INTERVAL"`
}

type SyncConfig struct {
	MinInterval time.Duration `yaml:"min_interval" env:"SYNC_MIN_INTERVAL" env-default:"1h"`
	PageSize    int           `yaml:"page_size" env:"SYNC_PAGE_SIZE" env-default:"100"`
	MaxPages    int           `yaml:"max_pages" env:"SYNC_MAX_PAGES" env-default:"10"`
	PageDelay   time.Duration `yaml:"page_delay" env:"SYNC_PAGE_DELAY" env-default:"500ms"`
	Concurrency int           `yaml:"concurrency" env:"SYNC_CONCURRENCY" env-default:"4"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"console"`
}

// Load resolves the configuration source and returns a validated Config.
func Load(path string) (*Config, error) {
	switch {
	case path != "":
	case os.Getenv("CONFIG_PATH") != "":
		path = os.Getenv("CONFIG_PATH")
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}

	var cfg Config
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to overlay env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readFile decodes path strictly: unknown keys are an error.
func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %q: %w", path, err)
	}
	return nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var problems []string
	if c.Amazon.ClientID == "" {
		problems = append(problems, "amazon.client_id is required")
	}
	if c.Amazon.ClientSecret == "" {
		problems = append(problems, "amazon.client_secret is required")
	}
	switch strings.ToUpper(c.Amazon.Region) {
	case "NA", "EU", "FE":
	default:
		problems = append(problems, fmt.Sprintf("amazon.region %q must be one of NA, EU, FE", c.Amazon.Region))
	}
	if len(c.Encryption.Key) < 16 {
		problems = append(problems, "encryption.key must be at least 16 characters")
	}
	if c.RateLimiter.RateLimit <= 0 {
		problems = append(problems, "rate_limiter.rate_limit must be positive")
	}
	if c.Scheduler.CheckInterval <= 0 || c.Scheduler.CleanupInterval <= 0 {
		problems = append(problems, "scheduler intervals must be positive")
	}
	if c.Sync.MaxPages <= 0 {
		problems = append(problems, "sync.max_pages must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
