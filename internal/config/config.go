// Package config loads Outpost configuration with precedence:
// defaults → YAML file → environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Central CentralConfig `yaml:"central"`
	Edge    EdgeConfig    `yaml:"edge"`
	Log     LogConfig     `yaml:"log"`
}

// CentralConfig contains settings for the authoritative central node.
type CentralConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	DatabasePath string `yaml:"database_path"`

	// RegistrationToken authorizes new edge registrations. Env-only, never in YAML.
	RegistrationToken string `yaml:"-"`

	// TimestampSkew is the maximum accepted clock skew on signed requests.
	TimestampSkew Duration `yaml:"timestamp_skew"`
}

// EdgeConfig contains settings for a site-local edge node.
type EdgeConfig struct {
	CentralURL string `yaml:"central_url"`
	ServerID   string `yaml:"server_id"`
	GeoID      string `yaml:"geo_id"`
	ServerName string `yaml:"server_name"`

	DatabasePath string `yaml:"database_path"`

	// SharedSecret authenticates signed requests. Env-only, never in YAML.
	// Empty until the edge registers; the registered secret is persisted in
	// the edge state store and takes precedence.
	SharedSecret string `yaml:"-"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
	SyncInterval      Duration `yaml:"sync_interval"`

	Queue   QueueConfig   `yaml:"queue"`
	Archive ArchiveConfig `yaml:"archive"`

	// Entities lists the entity types this edge mirrors.
	Entities []string `yaml:"entities"`

	// Priorities maps entity types to queue priority; lower drains first.
	// Unlisted types get DefaultPriority.
	Priorities map[string]int `yaml:"priorities"`
}

// QueueConfig bounds the outbound queue's retry and concurrency behavior.
type QueueConfig struct {
	Workers     int      `yaml:"workers"`
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
}

// ArchiveConfig configures optional S3-compatible archival of dead-lettered
// items. An empty bucket disables archival.
type ArchiveConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPriority is assigned to entity types without an explicit priority.
const DefaultPriority = 100

// PriorityFor returns the queue priority for an entity type.
func (e EdgeConfig) PriorityFor(entity string) int {
	if p, ok := e.Priorities[entity]; ok {
		return p
	}
	return DefaultPriority
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("OUTPOST_CONFIG_PATH", "config/outpost.yaml")

	// Missing file is not an error; defaults apply.
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, bypassing the
// OUTPOST_CONFIG_PATH lookup. Env overrides still apply.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// ValidateCentral checks the settings required to run the central node.
func (c *Config) ValidateCentral() error {
	if c.Central.RegistrationToken == "" {
		return errors.New("OUTPOST_REGISTRATION_TOKEN is required")
	}
	if time.Duration(c.Central.TimestampSkew) <= 0 {
		return errors.New("central.timestamp_skew must be positive")
	}
	return nil
}

// ValidateEdge checks the settings required to run an edge node.
func (c *Config) ValidateEdge() error {
	if c.Edge.CentralURL == "" {
		return errors.New("edge.central_url is required")
	}
	if c.Edge.ServerID == "" {
		return errors.New("edge.server_id is required")
	}
	if c.Edge.GeoID == "" {
		return errors.New("edge.geo_id is required")
	}
	if c.Edge.Queue.Workers < 1 {
		return errors.New("edge.queue.workers must be >= 1")
	}
	if c.Edge.Queue.MaxAttempts < 1 {
		return errors.New("edge.queue.max_attempts must be >= 1")
	}
	return nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Central: CentralConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			DatabasePath:    "data/central.db",
			TimestampSkew:   Duration(5 * time.Minute),
		},
		Edge: EdgeConfig{
			DatabasePath:      "data/edge.db",
			HeartbeatInterval: Duration(30 * time.Second),
			HeartbeatTimeout:  Duration(10 * time.Second),
			SyncInterval:      Duration(5 * time.Minute),
			Queue: QueueConfig{
				Workers:     2,
				MaxAttempts: 5,
				BackoffBase: Duration(2 * time.Second),
				BackoffCap:  Duration(5 * time.Minute),
			},
			Archive: ArchiveConfig{
				URLExpiry: Duration(1 * time.Hour),
			},
			Entities: []string{"users", "guards", "groups", "assignments"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Central
	if v := os.Getenv("OUTPOST_CENTRAL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Central.Port = port
		}
	}
	if v := os.Getenv("OUTPOST_CENTRAL_DB_PATH"); v != "" {
		cfg.Central.DatabasePath = v
	}
	if v := os.Getenv("OUTPOST_REGISTRATION_TOKEN"); v != "" {
		cfg.Central.RegistrationToken = v
	}
	if v := os.Getenv("OUTPOST_TIMESTAMP_SKEW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Central.TimestampSkew = Duration(d)
		}
	}
	if v := os.Getenv("OUTPOST_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Central.ShutdownTimeout = Duration(d)
		}
	}

	// Edge
	if v := os.Getenv("OUTPOST_CENTRAL_URL"); v != "" {
		cfg.Edge.CentralURL = v
	}
	if v := os.Getenv("OUTPOST_SERVER_ID"); v != "" {
		cfg.Edge.ServerID = v
	}
	if v := os.Getenv("OUTPOST_GEO_ID"); v != "" {
		cfg.Edge.GeoID = v
	}
	if v := os.Getenv("OUTPOST_SERVER_NAME"); v != "" {
		cfg.Edge.ServerName = v
	}
	if v := os.Getenv("OUTPOST_EDGE_DB_PATH"); v != "" {
		cfg.Edge.DatabasePath = v
	}
	if v := os.Getenv("OUTPOST_SHARED_SECRET"); v != "" {
		cfg.Edge.SharedSecret = v
	}
	if v := os.Getenv("OUTPOST_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Edge.HeartbeatInterval = Duration(d)
		}
	}
	if v := os.Getenv("OUTPOST_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Edge.SyncInterval = Duration(d)
		}
	}
	if v := os.Getenv("OUTPOST_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Edge.Queue.Workers = n
		}
	}
	if v := os.Getenv("OUTPOST_QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Edge.Queue.MaxAttempts = n
		}
	}

	// Archive credentials (env-only)
	if v := os.Getenv("OUTPOST_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Edge.Archive.AccessKey = v
	}
	if v := os.Getenv("OUTPOST_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Edge.Archive.SecretKey = v
	}

	// Log
	if v := os.Getenv("OUTPOST_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OUTPOST_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
