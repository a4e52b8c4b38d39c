// Package config loads service configuration from files and environment
// variables using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the kernel orchestrator service
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Database DatabaseConfig `mapstructure:"database"`
	Kernel   KernelConfig   `mapstructure:"kernel"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int `mapstructure:"write_timeout"` // seconds
	RateLimit    int `mapstructure:"rate_limit"`    // requests per second
}

// ReadTimeoutDuration returns the read timeout as a duration
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a duration
func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NATSConfig configures the event bus connection
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// DatabaseConfig selects the cell repository backend
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite, postgres
	DSN    string `mapstructure:"dsn"`
}

// KernelServer identifies one candidate kernel server
type KernelServer struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Token string `mapstructure:"token"`
}

// KernelConfig configures kernel orchestration behaviour
type KernelConfig struct {
	Servers      []KernelServer `mapstructure:"servers"`
	SharedMode   bool           `mapstructure:"shared_mode"`
	BatchTimeout int            `mapstructure:"batch_timeout"` // seconds
}

// BatchTimeoutDuration returns the batch timeout as a duration
func (k KernelConfig) BatchTimeoutDuration() time.Duration {
	return time.Duration(k.BatchTimeout) * time.Second
}

// Load reads configuration from config files and the environment.
// Environment variables use the CELLRUN_ prefix with underscores, for
// example CELLRUN_SERVER_PORT or CELLRUN_NATS_URL.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cellrun")

	v.SetEnvPrefix("CELLRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.rate_limit", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "cellrun.db")

	v.SetDefault("kernel.shared_mode", false)
	v.SetDefault("kernel.batch_timeout", 30)
}
