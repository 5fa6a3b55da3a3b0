// Package config provides configuration management for the memory engine.
// It loads settings from environment variables with the GRACE_ prefix
// and provides sensible defaults for all configuration options.
//
// An optional YAML file can be layered underneath the environment:
// LoadConfigFromFile reads the file first, then lets environment
// variables override individual values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aaron031291/grace-memory/internal/engine"
)

// Config holds all configuration settings for the application.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Events  EventsConfig  `yaml:"events"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"` // Server port (default: 6363)
	Host string `yaml:"host"` // Server host (default: 127.0.0.1)
}

// StorageConfig contains database and storage configuration.
type StorageConfig struct {
	Engine       string `yaml:"engine"`        // Storage engine: sqlite, postgres (default: sqlite)
	DataPath     string `yaml:"data_path"`     // Path to data directory for sqlite (default: ./data)
	PostgresDSN  string `yaml:"postgres_dsn"`  // Postgres connection string
	EmbeddingDim int    `yaml:"embedding_dim"` // Embedding vector dimension (default: 256)
}

// Duration wraps time.Duration so YAML files can use strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string such as "500ms" or "2h".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EngineConfig contains pipeline and reconciliation tuning. Zero values
// mean "use the engine default".
type EngineConfig struct {
	QueueSize               int      `yaml:"queue_size"`
	NumWorkers              int      `yaml:"num_workers"`
	ShutdownTimeout         Duration `yaml:"shutdown_timeout"`
	VolatileCapacity        int      `yaml:"volatile_capacity"`
	EvictionFloor           float64  `yaml:"eviction_floor"`
	DecayInterval           Duration `yaml:"decay_interval"`
	ContradictionThreshold  float64  `yaml:"contradiction_threshold"`
	ReinforcementSimilarity float64  `yaml:"reinforcement_similarity"`
	ReinforcementQuorum     int      `yaml:"reinforcement_quorum"`
	EntropyAlertThreshold   int      `yaml:"entropy_alert_threshold"`
	TrustPenalty            float64  `yaml:"trust_penalty"`
	RecentWindow            int      `yaml:"recent_window"`
	LinkSimilarity          float64  `yaml:"link_similarity"`
	ScopeTTL                Duration `yaml:"scope_ttl"`
	RequestsPerSecond       float64  `yaml:"requests_per_second"`
	RequestBurst            int      `yaml:"request_burst"`
}

// EventsConfig contains event hub configuration.
type EventsConfig struct {
	Enabled bool `yaml:"enabled"` // Enable the WebSocket event hub (default: true)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the GRACE_ prefix.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromFile loads configuration from a YAML file and then applies
// environment variable overrides on top. Values absent from both the file
// and the environment fall back to defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := buildBaseConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	// Environment overrides file values so deployments can patch a shared
	// config without editing it.
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EngineConfig converts the application settings into the engine's own
// configuration type, filling engine defaults for anything unset.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	if c.Engine.QueueSize > 0 {
		ec.QueueSize = c.Engine.QueueSize
	}
	if c.Engine.NumWorkers > 0 {
		ec.NumWorkers = c.Engine.NumWorkers
	}
	if c.Engine.ShutdownTimeout > 0 {
		ec.ShutdownTimeout = c.Engine.ShutdownTimeout.Std()
	}
	if c.Engine.VolatileCapacity > 0 {
		ec.VolatileCapacity = c.Engine.VolatileCapacity
	}
	if c.Engine.EvictionFloor > 0 {
		ec.EvictionFloor = c.Engine.EvictionFloor
	}
	if c.Engine.DecayInterval > 0 {
		ec.DecayInterval = c.Engine.DecayInterval.Std()
	}
	// Contradiction threshold is negative, so any nonzero value is an
	// explicit setting.
	if c.Engine.ContradictionThreshold != 0 {
		ec.ContradictionThreshold = c.Engine.ContradictionThreshold
	}
	if c.Engine.ReinforcementSimilarity > 0 {
		ec.ReinforcementSimilarity = c.Engine.ReinforcementSimilarity
	}
	if c.Engine.ReinforcementQuorum > 0 {
		ec.ReinforcementQuorum = c.Engine.ReinforcementQuorum
	}
	if c.Engine.EntropyAlertThreshold > 0 {
		ec.EntropyAlertThreshold = c.Engine.EntropyAlertThreshold
	}
	if c.Engine.TrustPenalty > 0 {
		ec.TrustPenalty = c.Engine.TrustPenalty
	}
	if c.Engine.RecentWindow > 0 {
		ec.RecentWindow = c.Engine.RecentWindow
	}
	if c.Engine.LinkSimilarity > 0 {
		ec.LinkSimilarity = c.Engine.LinkSimilarity
	}
	if c.Engine.ScopeTTL > 0 {
		ec.ScopeTTL = c.Engine.ScopeTTL.Std()
	}
	if c.Engine.RequestsPerSecond > 0 {
		ec.RequestsPerSecond = c.Engine.RequestsPerSecond
	}
	if c.Engine.RequestBurst > 0 {
		ec.RequestBurst = c.Engine.RequestBurst
	}
	return ec
}

// validate rejects values that would misconfigure the engine at startup.
func (c *Config) validate() error {
	switch c.Storage.Engine {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: postgres storage requires GRACE_POSTGRES_DSN")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Storage.EmbeddingDim <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Storage.EmbeddingDim)
	}
	return nil
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults. This is the shared base for LoadConfig and LoadConfigFromFile.
func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnvInt("GRACE_PORT", 6363),
			Host: getEnv("GRACE_HOST", "127.0.0.1"),
		},
		Storage: StorageConfig{
			Engine:       getEnv("GRACE_STORAGE_ENGINE", "sqlite"),
			DataPath:     getEnv("GRACE_DATA_PATH", "./data"),
			PostgresDSN:  getEnv("GRACE_POSTGRES_DSN", ""),
			EmbeddingDim: getEnvInt("GRACE_EMBEDDING_DIM", 256),
		},
		Engine: EngineConfig{
			QueueSize:               getEnvInt("GRACE_QUEUE_SIZE", 0),
			NumWorkers:              getEnvInt("GRACE_NUM_WORKERS", 0),
			ShutdownTimeout:         Duration(getEnvDuration("GRACE_SHUTDOWN_TIMEOUT", 0)),
			VolatileCapacity:        getEnvInt("GRACE_VOLATILE_CAPACITY", 0),
			EvictionFloor:           getEnvFloat("GRACE_EVICTION_FLOOR", 0),
			DecayInterval:           Duration(getEnvDuration("GRACE_DECAY_INTERVAL", 0)),
			ContradictionThreshold:  getEnvFloat("GRACE_CONTRADICTION_THRESHOLD", 0),
			ReinforcementSimilarity: getEnvFloat("GRACE_REINFORCEMENT_SIMILARITY", 0),
			ReinforcementQuorum:     getEnvInt("GRACE_REINFORCEMENT_QUORUM", 0),
			EntropyAlertThreshold:   getEnvInt("GRACE_ENTROPY_ALERT_THRESHOLD", 0),
			TrustPenalty:            getEnvFloat("GRACE_TRUST_PENALTY", 0),
			RecentWindow:            getEnvInt("GRACE_RECENT_WINDOW", 0),
			LinkSimilarity:          getEnvFloat("GRACE_LINK_SIMILARITY", 0),
			ScopeTTL:                Duration(getEnvDuration("GRACE_SCOPE_TTL", 0)),
			RequestsPerSecond:       getEnvFloat("GRACE_REQUESTS_PER_SECOND", 0),
			RequestBurst:            getEnvInt("GRACE_REQUEST_BURST", 0),
		},
		Events: EventsConfig{
			Enabled: getEnvBool("GRACE_EVENTS_ENABLED", true),
		},
	}
}

// applyEnvOverrides re-applies environment variables over a file-loaded
// config. Only variables that are actually set override file values.
func applyEnvOverrides(cfg *Config) {
	overrideString := func(key string, target *string) {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}
	overrideInt := func(key string, target *int) {
		if value := os.Getenv(key); value != "" {
			if n, err := strconv.Atoi(value); err == nil {
				*target = n
			}
		}
	}

	overrideInt("GRACE_PORT", &cfg.Server.Port)
	overrideString("GRACE_HOST", &cfg.Server.Host)
	overrideString("GRACE_STORAGE_ENGINE", &cfg.Storage.Engine)
	overrideString("GRACE_DATA_PATH", &cfg.Storage.DataPath)
	overrideString("GRACE_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	overrideInt("GRACE_EMBEDDING_DIM", &cfg.Storage.EmbeddingDim)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the variable exists but cannot be parsed, the default is used.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (e.g. "30s")
// or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" as true and "false", "0", "no"
// as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
