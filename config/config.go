// Package config loads the process configuration: defaults, an optional
// JSON file, then environment overrides, validated before use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Byounghakim/pc-ui-server-sub000/errors"
)

// envPrefix namespaces the environment overrides.
const envPrefix = "PUMPSYNC"

// Config is the complete process configuration.
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Broker  BrokerConfig  `json:"broker"`
	NATS    NATSConfig    `json:"nats"`
	Storage StorageConfig `json:"storage"`
	Topics  TopicsConfig  `json:"topics"`
	Log     LogConfig     `json:"log"`
}

// HTTPConfig is the HTTP server surface (stream, ingress, health, metrics).
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// BrokerConfig is the device MQTT broker endpoint.
type BrokerConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// NATSConfig is the optional cross-process hub fan-out.
type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// StorageConfig selects the blob store backing the state cache. An empty
// Dir keeps everything in memory.
type StorageConfig struct {
	Dir string `json:"dir,omitempty"`
}

// TopicsConfig is the broker topic layout the sync service listens on.
type TopicsConfig struct {
	Valve      string `json:"valve"`
	PumpPrefix string `json:"pumpPrefix"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Broker: BrokerConfig{
			URL:      "tcp://localhost:1883",
			ClientID: "pumpsync",
		},
		NATS: NATSConfig{
			Subject: "pumpsync.events",
		},
		Topics: TopicsConfig{
			Valve:      "valve/state",
			PumpPrefix: "pump/",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, the optional file at path,
// and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies PUMPSYNC_* environment variables on top of the
// loaded values.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(envPrefix + "_HTTP_ADDR"); val != "" {
		cfg.HTTP.Addr = val
	}
	if val := os.Getenv(envPrefix + "_BROKER_URL"); val != "" {
		cfg.Broker.URL = val
	}
	if val := os.Getenv(envPrefix + "_BROKER_USERNAME"); val != "" {
		cfg.Broker.Username = val
	}
	if val := os.Getenv(envPrefix + "_BROKER_PASSWORD"); val != "" {
		cfg.Broker.Password = val
	}
	if val := os.Getenv(envPrefix + "_BROKER_CLIENT_ID"); val != "" {
		cfg.Broker.ClientID = val
	}
	if val := os.Getenv(envPrefix + "_NATS_URL"); val != "" {
		cfg.NATS.URL = val
		cfg.NATS.Enabled = true
	}
	if val := os.Getenv(envPrefix + "_NATS_SUBJECT"); val != "" {
		cfg.NATS.Subject = val
	}
	if val := os.Getenv(envPrefix + "_STORAGE_DIR"); val != "" {
		cfg.Storage.Dir = val
	}
	if val := os.Getenv(envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv(envPrefix + "_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	var problems []string

	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr is required")
	}
	if c.Broker.URL == "" {
		problems = append(problems, "broker.url is required")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		problems = append(problems, "nats.url is required when nats is enabled")
	}
	if c.Topics.Valve == "" {
		problems = append(problems, "topics.valve is required")
	}
	if c.Topics.PumpPrefix == "" {
		problems = append(problems, "topics.pumpPrefix is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of json, text", c.Log.Format))
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", strings.Join(problems, "; "))
	}
	return nil
}
