// Package config loads the YAML configuration file plus environment
// overrides, narrowed from the teacher's broader governance config
// (detection/evolution/spawn/skills/sanitize/messaging) down to the
// ambient concerns this service actually has: server, storage, the
// policy file path, and alert webhook defaults.
package config

import (
	"time"
)

// Config is the top-level configuration.
type Config struct {
	Server     ServerConfig  `yaml:"server"`
	Storage    StorageConfig `yaml:"storage"`
	PolicyPath string        `yaml:"policy_path"`
	Alerts     AlertsConfig  `yaml:"alerts"`
	Auth       AuthConfig    `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig names the telemetry endpoint and service name
// reported in structured logs and traces, per spec.md §5's
// OTLP_ENDPOINT/SERVICE_NAME environment variables.
type ObservabilityConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	Driver    string        `yaml:"driver"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// AlertsConfig holds defaults for webhooks registered via
// POST /config/webhooks — an individual webhook's own URL/secret/events
// still come from the request body, this only seeds operational
// defaults (e.g. a fallback secret for webhooks registered without one).
type AlertsConfig struct {
	Webhook WebhookAlertConfig `yaml:"webhook"`
}

type WebhookAlertConfig struct {
	DefaultSecret string `yaml:"default_secret"`
}

// AuthConfig holds the static API-key allow-list. Keys map to a
// human-readable client name, mirroring auth.py's VALID_API_KEYS.
// OperatorTokensEnabled gates the second, operator-bearer-token tier
// spec.md §6 layers on top of the admin-only config endpoints; it
// defaults to off, since without an issuance path a mandatory operator
// token would lock those endpoints out of every deployment.
type AuthConfig struct {
	APIKeys               map[string]string `yaml:"api_keys"`
	OperatorTokensEnabled bool              `yaml:"operator_tokens_enabled"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup, per spec.md §6 ("the process listens on port 8001 by
// default").
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8001,
			LogLevel: "info",
			CORS:     false,
		},
		Storage: StorageConfig{
			Driver:    "sqlite",
			Path:      "./oversightgw.db",
			Retention: 90 * 24 * time.Hour,
		},
		PolicyPath: "./policy.yaml",
		Observability: ObservabilityConfig{
			ServiceName: "oversightgw",
		},
		Auth: AuthConfig{
			APIKeys: map[string]string{
				"dev-key-12345":  "development",
				"test-key-67890": "testing",
			},
		},
	}
}
