// Package config loads the proxy's runtime configuration. This is the
// operator-facing YAML file (listeners, timeouts, audit sinks); the policy
// document with hosts, secrets and pattern lists is a separate JSON file
// owned by internal/policy.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	Policy    PolicyConfig    `yaml:"policy"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	// HTTPAddr is the plaintext proxy listener.
	HTTPAddr string `yaml:"http_addr"`

	// TLSAddr is the TLS-terminating proxy listener with SNI certificates.
	TLSAddr string `yaml:"tls_addr"`

	// AdminAddr serves the approval/resolution API, the event stream,
	// health and metrics. Keep it loopback-only.
	AdminAddr string `yaml:"admin_addr"`

	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	IdleTimeout  string `yaml:"idle_timeout"`

	// MaxBodyBytes bounds the buffered request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type TLSConfig struct {
	// CertDir holds pre-minted per-hostname leaf certificates as
	// <host>.pem / <host>-key.pem pairs. Certificate minting is external.
	CertDir string `yaml:"cert_dir"`
}

type PolicyConfig struct {
	Path string `yaml:"path"`

	// Watch reloads the policy document when it is edited out-of-band.
	Watch bool `yaml:"watch"`
}

type ApprovalsConfig struct {
	Timeout string     `yaml:"timeout"`
	TOTP    TOTPConfig `yaml:"totp"`
}

type TOTPConfig struct {
	Enabled bool `yaml:"enabled"`

	// SecretEnvVar names the env var holding the base32 TOTP secret.
	SecretEnvVar string `yaml:"secret_env_var"`
}

type AuditConfig struct {
	JSONL   JSONLConfig   `yaml:"jsonl"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	Webhook WebhookConfig `yaml:"webhook"`
}

type JSONLConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type WebhookConfig struct {
	URL           string            `yaml:"url"`
	Headers       map[string]string `yaml:"headers"`
	Events        []string          `yaml:"events"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	RetryCount    int               `yaml:"retry_count"`
	RetryDelay    string            `yaml:"retry_delay"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":80"
	}
	if c.Server.TLSAddr == "" {
		c.Server.TLSAddr = ":443"
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = "127.0.0.1:8081"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "30s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "0"
	}
	if c.Server.IdleTimeout == "" {
		c.Server.IdleTimeout = "255s"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 32 << 20
	}
	if c.Policy.Path == "" {
		c.Policy.Path = "policy.json"
	}
	if c.Approvals.Timeout == "" {
		c.Approvals.Timeout = "4m"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the parseable fields so misconfiguration surfaces at
// startup rather than on the first request.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"server.idle_timeout":  c.Server.IdleTimeout,
		"approvals.timeout":    c.Approvals.Timeout,
	} {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	if c.Audit.Webhook.URL != "" {
		for name, value := range map[string]string{
			"audit.webhook.flush_interval": c.Audit.Webhook.FlushInterval,
			"audit.webhook.timeout":        c.Audit.Webhook.Timeout,
			"audit.webhook.retry_delay":    c.Audit.Webhook.RetryDelay,
		} {
			if value == "" {
				continue
			}
			if _, err := parseDuration(value); err != nil {
				return fmt.Errorf("parse %s: %w", name, err)
			}
		}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Approvals.TOTP.Enabled && c.Approvals.TOTP.SecretEnvVar == "" {
		return fmt.Errorf("approvals.totp.secret_env_var is required when TOTP is enabled")
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// ApprovalTimeout returns the parsed approval timeout.
func (c *Config) ApprovalTimeout() time.Duration {
	d, err := parseDuration(c.Approvals.Timeout)
	if err != nil {
		return 4 * time.Minute
	}
	return d
}

// Duration parses one of the validated duration fields.
func Duration(s string) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
