// Package config loads orchestrator configuration and resource-graph
// manifests. Tool configuration comes from a viper-managed file plus
// COACH_* environment overrides; desired graphs come from CUE or YAML
// manifest files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all orchestrator configuration.
type Config struct {
	Backend  BackendConfig  `mapstructure:"backend"`
	Registry RegistryConfig `mapstructure:"registry"`
	Rollout  RolloutConfig  `mapstructure:"rollout"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Log      LogConfig      `mapstructure:"log"`
	Holder   string         `mapstructure:"holder" validate:"required"`

	// ScopeTTL bounds the lifetime of credential scopes issued during a run.
	ScopeTTL time.Duration `mapstructure:"scope_ttl" validate:"gt=0"`
}

// BackendConfig selects and configures the state backend.
type BackendConfig struct {
	// Type is the backend kind: "sqlite" or "s3".
	Type string `mapstructure:"type" validate:"required,oneof=sqlite s3"`

	SQLite SQLiteBackendConfig `mapstructure:"sqlite"`
	S3     S3BackendConfig     `mapstructure:"s3"`

	// LockTTL bounds how long a stage lock may be held.
	LockTTL time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
}

// SQLiteBackendConfig configures the local sqlite backend.
type SQLiteBackendConfig struct {
	Path string `mapstructure:"path"`
}

// S3BackendConfig configures the shared S3 backend.
type S3BackendConfig struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// RegistryConfig configures artifact publishing.
type RegistryConfig struct {
	// Repository is the image repository artifacts are pushed to, for
	// example "registry.example.com/team/app".
	Repository string `mapstructure:"repository"`
	Dockerfile string `mapstructure:"dockerfile"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
}

// RolloutConfig tunes the health-gated rollout.
type RolloutConfig struct {
	// WorkloadRef names the workload the rollout replaces.
	WorkloadRef string `mapstructure:"workload_ref"`

	// Hosts maps workload refs to the hosts running them, used by the
	// shell bridge to resolve a connection target.
	Hosts map[string]string `mapstructure:"hosts"`

	// Ports publishes workload ports on the first rollout, in Docker port
	// spec form ("8080:80").
	Ports []string `mapstructure:"ports"`

	HealthTimeout   time.Duration `mapstructure:"health_timeout" validate:"gt=0"`
	HealthInterval  time.Duration `mapstructure:"health_interval" validate:"gt=0"`
	StableThreshold int           `mapstructure:"stable_threshold" validate:"gte=1"`
}

// PolicyConfig configures plan policy evaluation.
type PolicyConfig struct {
	// Dir holds .rego policy files loaded on top of the built-ins.
	// Empty means built-ins only.
	Dir string `mapstructure:"dir"`

	// Watch hot-reloads the directory on change.
	Watch bool `mapstructure:"watch"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from the given file (optional) and COACH_*
// environment variables, applies defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("backend.type", "sqlite")
	v.SetDefault("backend.sqlite.path", "./data/stagecoach.db")
	v.SetDefault("backend.s3.prefix", "stagecoach")
	v.SetDefault("backend.lock_ttl", "5m")
	v.SetDefault("registry.dockerfile", "Dockerfile")
	v.SetDefault("rollout.health_timeout", "2m")
	v.SetDefault("rollout.health_interval", "5s")
	v.SetDefault("rollout.stable_threshold", 3)
	v.SetDefault("policy.watch", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("holder", "stagecoach")
	v.SetDefault("scope_ttl", "10m")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; a file that exists
			// but does not parse is an error.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("COACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration, including backend-specific fields
// that only become required once that backend is selected.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch c.Backend.Type {
	case "sqlite":
		if c.Backend.SQLite.Path == "" {
			return fmt.Errorf("invalid configuration: backend.sqlite.path is required for the sqlite backend")
		}
	case "s3":
		if c.Backend.S3.Bucket == "" || c.Backend.S3.Region == "" {
			return fmt.Errorf("invalid configuration: backend.s3.bucket and backend.s3.region are required for the s3 backend")
		}
	}
	return nil
}
