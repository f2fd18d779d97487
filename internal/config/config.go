// Package config provides runtime configuration for the durable task worker.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the worker process.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Events   EventsConfig   `mapstructure:"events"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds history-store connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres, or memory
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS JetStream transport configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"` // empty means use the in-process memqueue transport
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds queue-group/namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// QueueConfig holds work-item dispatch queue configuration.
type QueueConfig struct {
	OrchestrationQueue string `mapstructure:"orchestrationQueue"`
	ActivityQueue      string `mapstructure:"activityQueue"`
	// VisibilityTimeout is how long a leased work item stays invisible to
	// other consumers before it's eligible for redelivery.
	VisibilityTimeout time.Duration `mapstructure:"visibilityTimeout"`
	// PoisonThreshold is the dequeue count above which a work item is
	// abandoned with the maximum visibility delay instead of being handed to
	// a runner; the message stays on its queue.
	PoisonThreshold int `mapstructure:"poisonThreshold"`
}

// DispatchConfig holds dispatcher concurrency configuration.
type DispatchConfig struct {
	OrchestrationConcurrency int `mapstructure:"orchestrationConcurrency"`
	ActivityConcurrency      int `mapstructure:"activityConcurrency"`
}

// RetryConfig holds the default activity retry policy.
type RetryConfig struct {
	FirstInterval      time.Duration `mapstructure:"firstInterval"`
	BackoffCoefficient float64       `mapstructure:"backoffCoefficient"`
	MaxInterval        time.Duration `mapstructure:"maxInterval"`
	MaxAttempts        int           `mapstructure:"maxAttempts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DURABLETASK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./durabletask.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "durabletask")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "durabletask")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use the in-memory transport.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "durabletask-cluster")
	v.SetDefault("nats.clientId", "durabletask-worker")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("queue.orchestrationQueue", "orchestration")
	v.SetDefault("queue.activityQueue", "activity")
	v.SetDefault("queue.visibilityTimeout", 30*time.Second)
	v.SetDefault("queue.poisonThreshold", 5)

	v.SetDefault("dispatch.orchestrationConcurrency", 10)
	v.SetDefault("dispatch.activityConcurrency", 10)

	v.SetDefault("retry.firstInterval", 1*time.Second)
	v.SetDefault("retry.backoffCoefficient", 2.0)
	v.SetDefault("retry.maxInterval", 5*time.Minute)
	v.SetDefault("retry.maxAttempts", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults.
//
// Environment variables use the prefix DURABLETASK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current
// directory or /etc/durabletask/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return unmarshal(v)
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DURABLETASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys);
	// AutomaticEnv doesn't handle the camelCase -> SNAKE_CASE conversion.
	_ = v.BindEnv("logging.level", "DURABLETASK_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "DURABLETASK_EVENTS_NAMESPACE")
	_ = v.BindEnv("queue.visibilityTimeout", "DURABLETASK_VISIBILITY_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/durabletask/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// validate checks that configuration fields required for the runtime to
// operate correctly are set to sane values.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Queue.VisibilityTimeout <= 0 {
		errs = append(errs, "queue.visibilityTimeout must be positive")
	}
	if cfg.Queue.PoisonThreshold <= 0 {
		errs = append(errs, "queue.poisonThreshold must be positive")
	}

	if cfg.Dispatch.OrchestrationConcurrency <= 0 {
		errs = append(errs, "dispatch.orchestrationConcurrency must be positive")
	}
	if cfg.Dispatch.ActivityConcurrency <= 0 {
		errs = append(errs, "dispatch.activityConcurrency must be positive")
	}

	if cfg.Retry.BackoffCoefficient < 1 {
		errs = append(errs, "retry.backoffCoefficient must be >= 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
