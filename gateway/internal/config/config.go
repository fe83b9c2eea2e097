// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// Upstream endpoints of the Login with Amazon identity provider and the regional
// Alexa event gateways.
const (
	DefaultTokenURL          = "https://api.amazon.com/auth/o2/token"
	DefaultProfileURL        = "https://api.amazon.com/user/profile"
	EventGatewayNorthAmerica = "https://api.amazonalexa.com/v3/events"
	EventGatewayEurope       = "https://api.eu.amazonalexa.com/v3/events"
	EventGatewayFarEast      = "https://api.fe.amazonalexa.com/v3/events"
)

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Upstream   UpstreamConfig   `json:"upstream" yaml:"upstream"`
	Devices    DevicesConfig    `json:"devices" yaml:"devices"`
	Directives DirectivesConfig `json:"directives" yaml:"directives"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	RateLimit  RateLimitConfig  `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Mirror     MirrorConfig     `json:"mirror,omitempty" yaml:"mirror,omitempty"`
}

// ServerConfig defines the gateway's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr" yaml:"addr"` // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"` // CORS and websocket origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`   // default 1MB
}

// AuthConfig defines how inbound callers are authenticated.
type AuthConfig struct {
	// IngressSecret verifies the HS256 assertion signed by the ingress adapter.
	IngressSecret string `json:"ingress_secret,omitempty" yaml:"ingress_secret,omitempty"`
	// IngressJWKSURL verifies the assertion against a key set instead.
	IngressJWKSURL string `json:"ingress_jwks_url,omitempty" yaml:"ingress_jwks_url,omitempty"`
	// JWTSecret signs portal session tokens.
	JWTSecret string   `json:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry Duration `json:"jwt_expiry,omitempty" yaml:"jwt_expiry,omitempty"` // default 4h
}

// UpstreamConfig points at the identity provider and the event gateway.
type UpstreamConfig struct {
	ClientID         string   `json:"client_id" yaml:"client_id"`
	ClientSecret     string   `json:"client_secret" yaml:"client_secret"`
	TokenURL         string   `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	ProfileURL       string   `json:"profile_url,omitempty" yaml:"profile_url,omitempty"`
	EventGatewayURL  string   `json:"event_gateway_url,omitempty" yaml:"event_gateway_url,omitempty"`
	RefreshThreshold Duration `json:"refresh_threshold,omitempty" yaml:"refresh_threshold,omitempty"` // default 120s
	RequestTimeout   Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`     // default 10s
}

// DevicesConfig tunes device websocket connections.
type DevicesConfig struct {
	PingInterval    Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`         // default 10s
	PongWait        Duration `json:"pong_wait,omitempty" yaml:"pong_wait,omitempty"`                 // default 30s
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty"` // default 64KB
	SendBuffer      int      `json:"send_buffer,omitempty" yaml:"send_buffer,omitempty"`             // default 64 frames
}

// DirectivesConfig holds the correlation windows.
type DirectivesConfig struct {
	DiscoveryWindow Duration `json:"discovery_window,omitempty" yaml:"discovery_window,omitempty"` // default 2s
	ResponseTimeout Duration `json:"response_timeout,omitempty" yaml:"response_timeout,omitempty"` // default 5s
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn" yaml:"dsn"`       // e.g. "gateway.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings for the portal API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`                             // default 20
}

// MirrorConfig enables publishing relayed device events to NATS.
type MirrorConfig struct {
	NATSURL string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`
	Subject string `json:"subject,omitempty" yaml:"subject,omitempty"` // default "gateway.events"
}

// Duration is a JSON- and YAML-friendly time.Duration. Strings are parsed with
// time.ParseDuration, bare numbers are seconds.
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
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		d.Duration = time.Duration(secs * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value (empty if unset).
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Load reads and validates a config file. Files ending in .yaml or .yml are parsed
// as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, validates and defaults raw config bytes. ext selects the format.
func Parse(data []byte, ext string) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.IngressSecret == "" && c.Auth.IngressJWKSURL == "" {
		return fmt.Errorf("auth.ingress_secret or auth.ingress_jwks_url is required")
	}
	if c.Auth.IngressSecret != "" && len(c.Auth.IngressSecret) < 32 {
		return fmt.Errorf("auth.ingress_secret must be at least 32 characters")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] || knownWeakSecrets[c.Auth.IngressSecret] {
		return fmt.Errorf("auth secrets must not be a well-known weak secret")
	}
	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return fmt.Errorf("upstream.client_id and upstream.client_secret are required")
	}
	if c.Devices.PingInterval.Duration > 0 && c.Devices.PongWait.Duration > 0 &&
		c.Devices.PongWait.Duration <= c.Devices.PingInterval.Duration {
		return fmt.Errorf("devices.pong_wait must be longer than devices.ping_interval")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
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
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 4 * time.Hour
	}
	if c.Upstream.TokenURL == "" {
		c.Upstream.TokenURL = DefaultTokenURL
	}
	if c.Upstream.ProfileURL == "" {
		c.Upstream.ProfileURL = DefaultProfileURL
	}
	if c.Upstream.EventGatewayURL == "" {
		c.Upstream.EventGatewayURL = EventGatewayNorthAmerica
	}
	if c.Upstream.RefreshThreshold.Duration == 0 {
		c.Upstream.RefreshThreshold.Duration = 120 * time.Second
	}
	if c.Upstream.RequestTimeout.Duration == 0 {
		c.Upstream.RequestTimeout.Duration = 10 * time.Second
	}
	if c.Devices.PingInterval.Duration == 0 {
		c.Devices.PingInterval.Duration = 10 * time.Second
	}
	if c.Devices.PongWait.Duration == 0 {
		c.Devices.PongWait.Duration = 3 * c.Devices.PingInterval.Duration
	}
	if c.Devices.MaxMessageBytes == 0 {
		c.Devices.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Devices.SendBuffer == 0 {
		c.Devices.SendBuffer = 64
	}
	if c.Directives.DiscoveryWindow.Duration == 0 {
		c.Directives.DiscoveryWindow.Duration = 2 * time.Second
	}
	if c.Directives.ResponseTimeout.Duration == 0 {
		c.Directives.ResponseTimeout.Duration = 5 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "gateway.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Mirror.NATSURL != "" && c.Mirror.Subject == "" {
		c.Mirror.Subject = "gateway.events"
	}
}
