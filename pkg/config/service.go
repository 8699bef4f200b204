// Package config loads and validates configuration for the database service
// and the bot. The service is environment-driven; the bot reads a YAML file
// merged over environment variables. Both honor an optional .env file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/roseybot/rosey/pkg/log"
)

// Service holds configuration for the roseyd database service.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Service struct {
	// Message bus
	NATSURL           string        `env:"ROSEY_NATS_URL" envDefault:"nats://localhost:4222"`
	NATSMaxReconnects int           `env:"ROSEY_NATS_MAX_RECONNECTS" envDefault:"-1"`
	NATSReconnectWait time.Duration `env:"ROSEY_NATS_RECONNECT_WAIT" envDefault:"2s"`
	NATSTimeout       time.Duration `env:"ROSEY_NATS_TIMEOUT" envDefault:"5s"`

	// Storage
	DatabasePath string `env:"ROSEY_DB_PATH" envDefault:"rosey.db"`
	PluginRoot   string `env:"ROSEY_PLUGIN_ROOT" envDefault:"plugins"`

	// Connection pool. SQLite serializes writers; the pool mostly serves
	// concurrent readers under WAL.
	MaxOpenConns int `env:"ROSEY_DB_MAX_OPEN_CONNS" envDefault:"4"`
	MaxIdleConns int `env:"ROSEY_DB_MAX_IDLE_CONNS" envDefault:"2"`

	// Background loops
	KVSweepInterval     time.Duration `env:"ROSEY_KV_SWEEP_INTERVAL" envDefault:"300s"`
	MaintenanceInterval time.Duration `env:"ROSEY_MAINTENANCE_INTERVAL" envDefault:"1h"`
	UserCountRetention  time.Duration `env:"ROSEY_USER_COUNT_RETENTION" envDefault:"720h"`
	RecentChatRetention time.Duration `env:"ROSEY_RECENT_CHAT_RETENTION" envDefault:"150h"`

	// Migration engine
	MigrationLockTimeout time.Duration `env:"ROSEY_MIGRATION_LOCK_TIMEOUT" envDefault:"30s"`

	// Admin HTTP listener (health, metrics, read-only stats)
	AdminAddr string `env:"ROSEY_ADMIN_ADDR" envDefault:":8090"`

	// Logging
	LogLevel  string `env:"ROSEY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ROSEY_LOG_FORMAT" envDefault:"json"`
}

// LoadService reads service configuration from the environment, with an
// optional .env file for development.
// Priority: ENV vars > .env file > defaults.
func LoadService() (*Service, error) {
	if err := godotenv.Load(); err == nil {
		log.Logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Service{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Service) Validate() error {
	if c.NATSURL == "" {
		return fmt.Errorf("ROSEY_NATS_URL is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("ROSEY_DB_PATH is required")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("ROSEY_DB_MAX_OPEN_CONNS must be > 0, got %d", c.MaxOpenConns)
	}
	if c.KVSweepInterval <= 0 {
		return fmt.Errorf("ROSEY_KV_SWEEP_INTERVAL must be > 0, got %s", c.KVSweepInterval)
	}
	if c.MaintenanceInterval <= 0 {
		return fmt.Errorf("ROSEY_MAINTENANCE_INTERVAL must be > 0, got %s", c.MaintenanceInterval)
	}
	if c.MigrationLockTimeout <= 0 {
		return fmt.Errorf("ROSEY_MIGRATION_LOCK_TIMEOUT must be > 0, got %s", c.MigrationLockTimeout)
	}
	if err := validateLogSettings(c.LogLevel, c.LogFormat); err != nil {
		return err
	}
	return nil
}

func validateLogSettings(level, format string) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[level] {
		return fmt.Errorf("log level must be one of: debug, info, warn, error (got: %s)", level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[format] {
		return fmt.Errorf("log format must be one of: json, console (got: %s)", format)
	}
	return nil
}

// InitLogging applies the configured level and format to the global logger.
func (c *Service) InitLogging() {
	log.Init(log.Config{
		Level:      log.Level(c.LogLevel),
		JSONOutput: c.LogFormat == "json",
	})
}
