// Package config provides environment-aware configuration management for the
// fractal-core server: a Config struct decoded from an optional YAML file and
// then overridden from the environment, the way the donor's pkg/config did it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" yaml:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" yaml:"port" env:"DATABASE_PORT"`
	User            string `json:"user" yaml:"user" env:"DATABASE_USER"`
	Password        string `json:"password" yaml:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" yaml:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" yaml:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a PostgreSQL connection string from host parameters.
// DSN, when set, always takes precedence at the call site.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// DispatcherConfig controls the task-claim/return protocol.
type DispatcherConfig struct {
	ClaimBatchMax      int           `json:"claim_batch_max" yaml:"claim_batch_max" env:"DISPATCHER_CLAIM_BATCH_MAX"`
	QueryLimit         int           `json:"query_limit" yaml:"query_limit" env:"DISPATCHER_QUERY_LIMIT"`
	RateLimitPerSecond float64       `json:"rate_limit_per_second" yaml:"rate_limit_per_second" env:"DISPATCHER_RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int           `json:"rate_limit_burst" yaml:"rate_limit_burst" env:"DISPATCHER_RATE_LIMIT_BURST"`
	PollInterval       time.Duration `json:"poll_interval" yaml:"poll_interval" env:"DISPATCHER_POLL_INTERVAL"`

	// DedupAcrossGroups is the cross-owner_group find_existing setting (spec §9
	// open question 2), default false. No storage code reads it: find_existing
	// lookups match existing records of any owner_group whatever its value.
	DedupAcrossGroups bool `json:"dedup_across_groups" yaml:"dedup_across_groups" env:"DISPATCHER_DEDUP_ACROSS_GROUPS"`

	// ServiceIterationFuel bounds how many times the service engine may
	// re-invoke iterate in a single pass when every child was already
	// complete (spec §9 open question 3), preventing a runaway loop.
	ServiceIterationFuel int `json:"service_iteration_fuel" yaml:"service_iteration_fuel" env:"DISPATCHER_SERVICE_ITERATION_FUEL"`
}

// ManagerConfig controls compute manager heartbeat/eviction policy.
type ManagerConfig struct {
	HeartbeatFrequency time.Duration `json:"heartbeat_frequency" yaml:"heartbeat_frequency" env:"MANAGER_HEARTBEAT_FREQUENCY"`
	HeartbeatMaxMissed int           `json:"heartbeat_max_missed" yaml:"heartbeat_max_missed" env:"MANAGER_HEARTBEAT_MAX_MISSED"`
}

// JobsConfig controls the internal durable job runner.
type JobsConfig struct {
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval" env:"JOBS_POLL_INTERVAL"`
	LeaseDuration  time.Duration `json:"lease_duration" yaml:"lease_duration" env:"JOBS_LEASE_DURATION"`
	ReaperInterval time.Duration `json:"reaper_interval" yaml:"reaper_interval" env:"JOBS_REAPER_INTERVAL"`
}

// CompressionConfig controls default output compression for computed results.
type CompressionConfig struct {
	Default string `json:"default" yaml:"default" env:"COMPRESSION_DEFAULT"`
}

// AuthConfig controls the bearer-token check used by manager/activation endpoints.
type AuthConfig struct {
	JWTSecret string        `json:"jwt_secret" yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	JWTExpiry time.Duration `json:"jwt_expiry" yaml:"jwt_expiry" env:"AUTH_JWT_EXPIRY"`
}

// VersionLimitsConfig backs the /api/v1/information endpoint.
type VersionLimitsConfig struct {
	ClientVersionLowerLimit string `json:"client_version_lower_limit" yaml:"client_version_lower_limit" env:"CLIENT_VERSION_LOWER_LIMIT"`
	ClientVersionUpperLimit string `json:"client_version_upper_limit" yaml:"client_version_upper_limit" env:"CLIENT_VERSION_UPPER_LIMIT"`
	MaxBatchSize            int    `json:"max_batch_size" yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
}

// Config is the top-level configuration structure.
type Config struct {
	Env           Environment         `json:"env" yaml:"env"`
	Server        ServerConfig        `json:"server" yaml:"server"`
	Database      DatabaseConfig      `json:"database" yaml:"database"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Dispatcher    DispatcherConfig    `json:"dispatcher" yaml:"dispatcher"`
	Manager       ManagerConfig       `json:"manager" yaml:"manager"`
	Jobs          JobsConfig          `json:"jobs" yaml:"jobs"`
	Compression   CompressionConfig   `json:"compression" yaml:"compression"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
	VersionLimits VersionLimitsConfig `json:"version_limits" yaml:"version_limits"`

	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsPort    int  `json:"metrics_port" yaml:"metrics_port" env:"METRICS_PORT"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Env: Development,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Dispatcher: DispatcherConfig{
			ClaimBatchMax:      300,
			QueryLimit:         1000,
			RateLimitPerSecond: 20,
			RateLimitBurst:     40,
			PollInterval:       2 * time.Second,
			ServiceIterationFuel: 5,
		},
		Manager: ManagerConfig{
			HeartbeatFrequency: 30 * time.Second,
			HeartbeatMaxMissed: 5,
		},
		Jobs: JobsConfig{
			PollInterval:   1 * time.Second,
			LeaseDuration:  2 * time.Minute,
			ReaperInterval: 30 * time.Second,
		},
		Compression: CompressionConfig{
			Default: "zstd",
		},
		Auth: AuthConfig{
			JWTExpiry: 15 * time.Minute,
		},
		VersionLimits: VersionLimitsConfig{
			ClientVersionLowerLimit: "0.50",
			ClientVersionUpperLimit: "0.60",
			MaxBatchSize:            1000,
		},
		MetricsPort: 9090,
	}
}

// Load loads configuration from an optional file and then applies environment
// overrides. It is called once at process start; there is no hot reload.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors out when no tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting anything.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, falling back to defaults for
// anything the file omits.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadConfig reads a JSON config snippet; used by tests and by
// cmd/fractalserver for .json config files and for files that do not parse
// as YAML.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN,
// matching the donor's deployment convention of a single connection string.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

// IsDevelopment returns true if running in the development environment.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsTesting returns true if running in the testing environment.
func (c *Config) IsTesting() bool { return c.Env == Testing }

// IsProduction returns true if running in the production environment.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate checks the configuration for internally-inconsistent settings.
func (c *Config) Validate() error {
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET must be set in production")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Dispatcher.ClaimBatchMax < 1 {
		return fmt.Errorf("DISPATCHER_CLAIM_BATCH_MAX must be positive")
	}
	switch c.Compression.Default {
	case "zstd", "lzma", "none":
	default:
		return fmt.Errorf("unsupported default compression %q", c.Compression.Default)
	}
	return nil
}
