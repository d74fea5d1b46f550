// Package config loads and validates hub configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Hub       HubConfig       `mapstructure:"hub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the rotating file.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// HubConfig tunes streams, auto-removal and the orphan sweep.
type HubConfig struct {
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	OrphanDeadline    time.Duration `mapstructure:"orphan_deadline"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	QueueSize         int           `mapstructure:"queue_size"`
	Scope             string        `mapstructure:"scope"`
}

// RateLimitConfig limits how often one subscriber may open streams.
type RateLimitConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	StreamOpensPerSecond float64 `mapstructure:"stream_opens_per_second"`
	Burst                int     `mapstructure:"burst"`
}

// ProgressConfig controls the lifecycle hub and its sinks.
type ProgressConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	LogEnabled  bool          `mapstructure:"log_enabled"`
	BufferSize  int           `mapstructure:"buffer_size"`
	Batch       BatchConfig   `mapstructure:"batch"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

// BatchConfig bounds lifecycle batches by size and age.
type BatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// DatabaseConfig points run history at Postgres. An empty DSN keeps history
// in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// SearchPaths are the directories scanned for config.yaml when Load gets no
// explicit path.
var SearchPaths = []string{".", "/etc/processhub/", "$HOME/.processhub"}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit path, a config file in the usual places is
		// optional.
		v.SetConfigName("config")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)
	v.SetDefault("hub.keepalive_interval", "30s")
	v.SetDefault("hub.sweep_interval", "2m")
	v.SetDefault("hub.orphan_deadline", "10m")
	v.SetDefault("hub.grace_period", "10s")
	v.SetDefault("hub.queue_size", 64)
	v.SetDefault("hub.scope", "global")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.stream_opens_per_second", 1.0)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "process_runs")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Hub.KeepaliveInterval <= 0 {
		return fmt.Errorf("hub.keepalive_interval must be > 0")
	}
	if c.Hub.SweepInterval <= 0 {
		return fmt.Errorf("hub.sweep_interval must be > 0")
	}
	if c.Hub.OrphanDeadline <= 0 {
		return fmt.Errorf("hub.orphan_deadline must be > 0")
	}
	if c.Hub.GracePeriod <= 0 {
		return fmt.Errorf("hub.grace_period must be > 0")
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub.queue_size must be > 0")
	}
	switch strings.ToLower(c.Hub.Scope) {
	case "", "global", "owner":
	default:
		return fmt.Errorf("hub.scope must be global or owner, got %q", c.Hub.Scope)
	}
	if c.RateLimit.Enabled && c.RateLimit.StreamOpensPerSecond <= 0 {
		return fmt.Errorf("ratelimit.stream_opens_per_second must be > 0 when rate limiting is enabled")
	}
	if c.Database.DSN != "" && c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database.max_conns must be >= database.min_conns")
	}
	return nil
}
