package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the newsletter engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	SES        SESConfig        `yaml:"ses"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Newsletter NewsletterConfig `yaml:"newsletter"`
	Poller     PollerConfig     `yaml:"poller"`
	Feed       FeedConfig       `yaml:"feed"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AdminToken     string   `yaml:"admin_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns host:port for http.Server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

// StorageConfig selects where newsletters and contacts live.
type StorageConfig struct {
	Driver   string `yaml:"driver"`
	BoltPath string `yaml:"bolt_path"`
}

// RedisConfig enables the redis-backed send lock when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SESConfig holds AWS SES v2 sending configuration
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	FromEmail        string `yaml:"from_email"`
	ConfigurationSet string `yaml:"configuration_set"`
	MaxBatchSize     int    `yaml:"max_batch_size"`
	Concurrency      int    `yaml:"concurrency"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Enabled reports whether static SES credentials are configured.
func (c SESConfig) Enabled() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// SMTPConfig is the fallback transport when SES is not configured.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// NewsletterConfig tunes the send loop.
type NewsletterConfig struct {
	BatchSize      int    `yaml:"batch_size"`
	TestEmail      string `yaml:"test_email"`
	UnsubscribeURL string `yaml:"unsubscribe_url"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the send-lock expiry.
func (c NewsletterConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// PollerConfig holds progress polling settings.
type PollerConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

// Interval returns the polling interval as a duration
func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// FeedConfig points at the site's RSS/Atom feed used for drafts.
type FeedConfig struct {
	URL string `yaml:"url"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. It defaults to true.
func (c LogConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverPostgres
	}
	if cfg.Storage.BoltPath == "" {
		cfg.Storage.BoltPath = "data/newsletter.db"
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SES.MaxBatchSize <= 0 || cfg.SES.MaxBatchSize > 50 {
		cfg.SES.MaxBatchSize = 50
	}
	if cfg.SES.Concurrency <= 0 {
		cfg.SES.Concurrency = 4
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.Newsletter.BatchSize == 0 {
		cfg.Newsletter.BatchSize = 50
	}
	if cfg.Newsletter.LockTTLSeconds == 0 {
		cfg.Newsletter.LockTTLSeconds = 900
	}
	if cfg.Poller.IntervalMS == 0 {
		cfg.Poller.IntervalMS = 1000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"DATABASE_URL":          &cfg.Database.URL,
		"REDIS_URL":             &cfg.Redis.URL,
		"AWS_SES_ACCESS_KEY":    &cfg.SES.AccessKey,
		"AWS_SES_SECRET_KEY":    &cfg.SES.SecretKey,
		"AWS_SES_REGION":        &cfg.SES.Region,
		"SES_FROM_EMAIL":        &cfg.SES.FromEmail,
		"SMTP_HOST":             &cfg.SMTP.Host,
		"SMTP_USERNAME":         &cfg.SMTP.Username,
		"SMTP_PASSWORD":         &cfg.SMTP.Password,
		"NEWSLETTER_TEST_EMAIL": &cfg.Newsletter.TestEmail,
		"ADMIN_TOKEN":           &cfg.Server.AdminToken,
		"SERVER_HOST":           &cfg.Server.Host,
		"STORAGE_DRIVER":        &cfg.Storage.Driver,
		"BOLT_PATH":             &cfg.Storage.BoltPath,
		"LOG_LEVEL":             &cfg.Log.Level,
	}
	for env, dst := range overrides {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that defaults cannot repair.
func (cfg *Config) Validate() error {
	switch cfg.Storage.Driver {
	case DriverPostgres:
		if cfg.Database.URL == "" {
			return fmt.Errorf("storage driver %q requires database.url or DATABASE_URL", DriverPostgres)
		}
		// Without redis the send lock is a PG advisory lock, which holds one
		// connection for the whole run.
		if cfg.Redis.URL == "" && cfg.Database.MaxOpenConns == 1 {
			return fmt.Errorf("database.max_open_conns must be at least 2 when the advisory send lock is used")
		}
	case DriverBolt:
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if cfg.SES.Enabled() && cfg.SES.FromEmail == "" {
		return fmt.Errorf("ses.from_email is required when SES credentials are set")
	}
	return nil
}
