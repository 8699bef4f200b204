package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roseybot/rosey/pkg/log"
)

// Bot holds configuration for the rosey-bot connection adapter. Values come
// from rosey.yaml, overridden by ROSEY_* environment variables.
type Bot struct {
	// Platform connection
	PlatformURL string `yaml:"platform_url" env:"ROSEY_PLATFORM_URL"`
	Channel     string `yaml:"channel" env:"ROSEY_CHANNEL"`
	BotName     string `yaml:"bot_name" env:"ROSEY_BOT_NAME"`
	BotPassword string `yaml:"bot_password" env:"ROSEY_BOT_PASSWORD"`

	// Reconnect backoff: delay = min(initial * 2^(attempt-1), max)
	ReconnectInitial time.Duration `yaml:"reconnect_initial" env:"ROSEY_RECONNECT_INITIAL"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" env:"ROSEY_RECONNECT_MAX"`

	// Message bus
	NATSURL           string        `yaml:"nats_url" env:"ROSEY_NATS_URL"`
	NATSMaxReconnects int           `yaml:"nats_max_reconnects" env:"ROSEY_NATS_MAX_RECONNECTS"`
	NATSReconnectWait time.Duration `yaml:"nats_reconnect_wait" env:"ROSEY_NATS_RECONNECT_WAIT"`
	NATSTimeout       time.Duration `yaml:"nats_timeout" env:"ROSEY_NATS_TIMEOUT"`

	// Periodic writers
	UserCountInterval time.Duration `yaml:"user_count_interval" env:"ROSEY_USER_COUNT_INTERVAL"`
	StatusInterval    time.Duration `yaml:"status_interval" env:"ROSEY_STATUS_INTERVAL"`

	// Outbound message processor
	OutboundTick       time.Duration `yaml:"outbound_tick" env:"ROSEY_OUTBOUND_TICK"`
	OutboundTimeout    time.Duration `yaml:"outbound_timeout" env:"ROSEY_OUTBOUND_TIMEOUT"`
	OutboundLimit      int           `yaml:"outbound_limit" env:"ROSEY_OUTBOUND_LIMIT"`
	OutboundMaxRetries int           `yaml:"outbound_max_retries" env:"ROSEY_OUTBOUND_MAX_RETRIES"`

	// Send pacing: messages per second allowed onto the platform
	SendRate  float64 `yaml:"send_rate" env:"ROSEY_SEND_RATE"`
	SendBurst int     `yaml:"send_burst" env:"ROSEY_SEND_BURST"`

	// Logging
	LogLevel  string `yaml:"log_level" env:"ROSEY_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"ROSEY_LOG_FORMAT"`
}

// DefaultBot returns a Bot with every optional field at its default.
// Required fields (platform_url, channel, bot_name) stay empty and are
// caught by Validate.
func DefaultBot() *Bot {
	return &Bot{
		ReconnectInitial:   time.Second,
		ReconnectMax:       60 * time.Second,
		NATSURL:            "nats://localhost:4222",
		NATSMaxReconnects:  -1,
		NATSReconnectWait:  2 * time.Second,
		NATSTimeout:        5 * time.Second,
		UserCountInterval:  60 * time.Second,
		StatusInterval:     30 * time.Second,
		OutboundTick:       2 * time.Second,
		OutboundTimeout:    2 * time.Second,
		OutboundLimit:      20,
		OutboundMaxRetries: 3,
		SendRate:           1.0,
		SendBurst:          3,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// LoadBot layers configuration: defaults, then the YAML file (if path is
// non-empty and the file exists), then ROSEY_* environment overrides.
// Priority: ENV vars > YAML file > defaults.
func LoadBot(path string) (*Bot, error) {
	if err := godotenv.Load(); err == nil {
		log.Logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := DefaultBot()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(ExpandEnv(data), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			log.Logger.Warn().Str("path", path).Msg("Config file not found, using environment only")
		default:
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	// Fields carry no envDefault, so env.Parse only touches variables that
	// are actually set and YAML values survive.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Bot) Validate() error {
	if c.PlatformURL == "" {
		return fmt.Errorf("platform_url is required")
	}
	if c.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if c.BotName == "" {
		return fmt.Errorf("bot_name is required")
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return fmt.Errorf("reconnect backoff misconfigured: initial=%s max=%s",
			c.ReconnectInitial, c.ReconnectMax)
	}
	if c.OutboundLimit < 1 {
		return fmt.Errorf("outbound_limit must be > 0, got %d", c.OutboundLimit)
	}
	if c.OutboundMaxRetries < 0 {
		return fmt.Errorf("outbound_max_retries must be >= 0, got %d", c.OutboundMaxRetries)
	}
	if c.SendRate <= 0 {
		return fmt.Errorf("send_rate must be > 0, got %f", c.SendRate)
	}
	if c.UserCountInterval <= 0 || c.StatusInterval <= 0 {
		return fmt.Errorf("periodic intervals must be > 0: user_count_interval=%s status_interval=%s",
			c.UserCountInterval, c.StatusInterval)
	}
	if err := validateLogSettings(c.LogLevel, c.LogFormat); err != nil {
		return err
	}
	return nil
}

// InitLogging applies the configured level and format to the global logger.
func (c *Bot) InitLogging() {
	log.Init(log.Config{
		Level:      log.Level(c.LogLevel),
		JSONOutput: c.LogFormat == "json",
	})
}
