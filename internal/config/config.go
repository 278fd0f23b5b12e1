// Package config handles taskpulse configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// Environment variables that override secrets and the storage DSN, so they
// can be kept out of the config file.
const (
	EnvSessionSecret = "TASKPULSE_SESSION_SECRET"
	EnvWebhookSecret = "TASKPULSE_WEBHOOK_SECRET"
	EnvStorageDSN    = "TASKPULSE_STORAGE_DSN"
)

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as an HMAC secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Storage  StorageConfig  `json:"storage"`
	Realtime RealtimeConfig `json:"realtime,omitempty"`
	Webhook  WebhookConfig  `json:"webhook,omitempty"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS and WebSocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max webhook body size; default 1MB
}

// AuthConfig defines secrets for webhook signatures and dashboard sessions.
type AuthConfig struct {
	SessionSecret string             `json:"session_secret"`
	SessionCookie string             `json:"session_cookie,omitempty"` // default "session"
	WebhookSecret string             `json:"webhook_secret"`
	ServiceTokens ServiceTokenConfig `json:"service_tokens,omitempty"`
}

// ServiceTokenConfig enables bearer-token access for non-browser clients.
type ServiceTokenConfig struct {
	Provider   string `json:"provider,omitempty"` // "" (disabled), "hmac" or "jwks"
	HMACSecret string `json:"hmac_secret,omitempty"`
	JWKSURL    string `json:"jwks_url,omitempty"`
	Issuer     string `json:"issuer,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "taskpulse.db" or ":memory:"
}

// RealtimeConfig tunes the WebSocket side.
type RealtimeConfig struct {
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"`  // default 30s
	WriteTimeout      Duration `json:"write_timeout,omitempty"`       // default 10s
	SendQueue         int      `json:"send_queue,omitempty"`          // frames buffered per connection; default 64
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty"`   // max inbound frame; default 64KB
	MessagesPerSecond float64  `json:"messages_per_second,omitempty"` // inbound frame rate; default 30
	MessageBurst      int      `json:"message_burst,omitempty"`       // default 50
}

// WebhookConfig tunes the agent callback endpoint.
type WebhookConfig struct {
	DedupeSize        int     `json:"dedupe_size,omitempty"`         // remembered signatures; default 4096
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // per source IP; default 20
	Burst             int     `json:"burst,omitempty"`               // default 40
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Disabled bool `json:"disabled,omitempty"`
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. Comments and trailing commas are
// accepted.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, overrides from the environment, validates and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSessionSecret); v != "" {
		c.Auth.SessionSecret = v
	}
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		c.Auth.WebhookSecret = v
	}
	if v := os.Getenv(EnvStorageDSN); v != "" {
		c.Storage.DSN = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if err := checkSecret("auth.session_secret", c.Auth.SessionSecret); err != nil {
		return err
	}
	if err := checkSecret("auth.webhook_secret", c.Auth.WebhookSecret); err != nil {
		return err
	}
	switch c.Auth.ServiceTokens.Provider {
	case "":
	case "hmac":
		if err := checkSecret("auth.service_tokens.hmac_secret", c.Auth.ServiceTokens.HMACSecret); err != nil {
			return err
		}
	case "jwks":
		if c.Auth.ServiceTokens.JWKSURL == "" {
			return fmt.Errorf("auth.service_tokens.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unknown auth.service_tokens.provider: %q", c.Auth.ServiceTokens.Provider)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage.driver: %q", c.Storage.Driver)
	}

	// Zero means "use the default"; negative values are never meaningful.
	limits := []struct {
		field    string
		negative bool
	}{
		{"server.max_body_bytes", c.Server.MaxBodyBytes < 0},
		{"realtime.heartbeat_interval", c.Realtime.HeartbeatInterval.Duration < 0},
		{"realtime.write_timeout", c.Realtime.WriteTimeout.Duration < 0},
		{"realtime.send_queue", c.Realtime.SendQueue < 0},
		{"realtime.max_message_bytes", c.Realtime.MaxMessageBytes < 0},
		{"realtime.messages_per_second", c.Realtime.MessagesPerSecond < 0},
		{"realtime.message_burst", c.Realtime.MessageBurst < 0},
		{"webhook.dedupe_size", c.Webhook.DedupeSize < 0},
		{"webhook.requests_per_second", c.Webhook.RequestsPerSecond < 0},
		{"webhook.burst", c.Webhook.Burst < 0},
	}
	for _, l := range limits {
		if l.negative {
			return fmt.Errorf("%s must not be negative", l.field)
		}
	}
	return nil
}

func checkSecret(field, secret string) error {
	if secret == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(secret) < 32 {
		return fmt.Errorf("%s must be at least 32 characters", field)
	}
	if knownWeakSecrets[secret] {
		return fmt.Errorf("%s is a well-known weak secret, generate a new one", field)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Auth.SessionCookie == "" {
		c.Auth.SessionCookie = "session"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "taskpulse.db"
	}
	if c.Realtime.HeartbeatInterval.Duration == 0 {
		c.Realtime.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Realtime.WriteTimeout.Duration == 0 {
		c.Realtime.WriteTimeout.Duration = 10 * time.Second
	}
	if c.Realtime.SendQueue == 0 {
		c.Realtime.SendQueue = 64
	}
	if c.Realtime.MaxMessageBytes == 0 {
		c.Realtime.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Realtime.MessagesPerSecond == 0 {
		c.Realtime.MessagesPerSecond = 30
	}
	if c.Realtime.MessageBurst == 0 {
		c.Realtime.MessageBurst = 50
	}
	if c.Webhook.DedupeSize == 0 {
		c.Webhook.DedupeSize = 4096
	}
	if c.Webhook.RequestsPerSecond == 0 {
		c.Webhook.RequestsPerSecond = 20
	}
	if c.Webhook.Burst == 0 {
		c.Webhook.Burst = 40
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
