// Package config loads the hub's configuration: defaults, overridden by an
// optional YAML file, overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`
	// Backend selects the queue store: memory, sqlite, or redis.
	Backend string `yaml:"backend"`
	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`
	// RedisAddr is host:port for the redis backend.
	RedisAddr string `yaml:"redis_addr"`
	// SharedSecret enables HMAC verification on ingest when non-empty.
	SharedSecret string `yaml:"shared_secret"`

	Queue     QueueConfig     `yaml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Validator ValidatorConfig `yaml:"validator"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ValidatorConfig struct {
	AllowUnknownTypes bool `yaml:"allow_unknown_types"`
	MaxPayloadBytes   int  `yaml:"max_payload_bytes"`
}

type QueueConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	LeaseTimeout         time.Duration `yaml:"lease_timeout"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay"`
	PerRecipientInFlight int           `yaml:"per_recipient_in_flight"`
}

type DispatchConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	Recipient         string        `yaml:"recipient"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	PollMaxInterval   time.Duration `yaml:"poll_max_interval"`
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
}

type OutboundConfig struct {
	// Transport selects the delivery substrate: none, smtp, or http.
	Transport  string `yaml:"transport"`
	SMTPAddr   string `yaml:"smtp_addr"`
	SMTPFrom   string `yaml:"smtp_from"`
	SMTPTo     string `yaml:"smtp_to"`
	WebhookURL string `yaml:"webhook_url"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Backend:    "memory",
		SQLitePath: "agent-hub.db",
		RedisAddr:  "localhost:6379",
		Outbound:   OutboundConfig{Transport: "none"},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides. A missing file is an error only when the path was
// given explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Outbound.Transport {
	case "none", "smtp", "http":
	default:
		return fmt.Errorf("unknown outbound transport %q", c.Outbound.Transport)
	}
	if c.Outbound.Transport == "http" && strings.TrimSpace(c.Outbound.WebhookURL) == "" {
		return fmt.Errorf("outbound transport http requires webhook_url")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "HUB_LISTEN_ADDR")
	setString(&cfg.Backend, "HUB_BACKEND")
	setString(&cfg.SQLitePath, "HUB_SQLITE_PATH")
	setString(&cfg.RedisAddr, "HUB_REDIS_ADDR")
	setString(&cfg.SharedSecret, "HUB_SHARED_SECRET")
	setInt(&cfg.Queue.MaxAttempts, "HUB_QUEUE_MAX_ATTEMPTS")
	setDuration(&cfg.Queue.LeaseTimeout, "HUB_QUEUE_LEASE_TIMEOUT")
	setDuration(&cfg.Queue.RetryBaseDelay, "HUB_QUEUE_RETRY_BASE_DELAY")
	setDuration(&cfg.Queue.RetryMaxDelay, "HUB_QUEUE_RETRY_MAX_DELAY")
	setInt(&cfg.Queue.PerRecipientInFlight, "HUB_QUEUE_PER_RECIPIENT_IN_FLIGHT")
	setInt(&cfg.Dispatch.Concurrency, "HUB_DISPATCH_CONCURRENCY")
	setString(&cfg.Dispatch.Recipient, "HUB_DISPATCH_RECIPIENT")
	setDuration(&cfg.Dispatch.PollInterval, "HUB_DISPATCH_POLL_INTERVAL")
	setDuration(&cfg.Dispatch.ActionTimeout, "HUB_DISPATCH_ACTION_TIMEOUT")
	setString(&cfg.Outbound.Transport, "HUB_OUTBOUND_TRANSPORT")
	setString(&cfg.Outbound.SMTPAddr, "HUB_OUTBOUND_SMTP_ADDR")
	setString(&cfg.Outbound.WebhookURL, "HUB_OUTBOUND_WEBHOOK_URL")
	setBool(&cfg.Validator.AllowUnknownTypes, "HUB_VALIDATOR_ALLOW_UNKNOWN_TYPES")
	setInt(&cfg.Validator.MaxPayloadBytes, "HUB_VALIDATOR_MAX_PAYLOAD_BYTES")
	setBool(&cfg.Tracing.Enabled, "HUB_TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "HUB_TRACING_ENDPOINT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
