package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	// Engine tuning.
	RetryLimit              int `mapstructure:"RETRY_LIMIT"`
	ErrorLimit              int `mapstructure:"ERROR_LIMIT"`
	EndOfLifeDays           int `mapstructure:"END_OF_LIFE_DAYS"`
	DispatcherWorkers       int `mapstructure:"DISPATCHER_WORKERS"`
	GeneratorWorkers        int `mapstructure:"GENERATOR_WORKERS"`
	IngressQueueCapacity    int `mapstructure:"INGRESS_QUEUE_CAPACITY"`
	EventLogRetention       int `mapstructure:"EVENT_LOG_RETENTION"`
	HeartbeatTickSeconds    int `mapstructure:"HEARTBEAT_TICK_SECONDS"`
	HandshakeTimeoutSeconds int `mapstructure:"HANDSHAKE_TIMEOUT_SECONDS"`

	// Request throttling. Zero disables limiting.
	RateLimitPerSecond float64 `mapstructure:"RATE_LIMIT_PER_SECOND"`
	RateLimitBurst     int     `mapstructure:"RATE_LIMIT_BURST"`

	// Outbound channel credentials.
	SMTPHost   string `mapstructure:"SMTP_HOST"`
	SMTPPort   int    `mapstructure:"SMTP_PORT"`
	SMTPFrom   string `mapstructure:"SMTP_FROM"`
	SlackToken string `mapstructure:"SLACK_TOKEN"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RETRY_LIMIT", 5)
	v.SetDefault("ERROR_LIMIT", 5)
	v.SetDefault("END_OF_LIFE_DAYS", 30)
	v.SetDefault("DISPATCHER_WORKERS", 16)
	v.SetDefault("GENERATOR_WORKERS", 4)
	v.SetDefault("INGRESS_QUEUE_CAPACITY", 1024)
	v.SetDefault("EVENT_LOG_RETENTION", 1000)
	v.SetDefault("HEARTBEAT_TICK_SECONDS", 5)
	v.SetDefault("HANDSHAKE_TIMEOUT_SECONDS", 60)
	v.SetDefault("RATE_LIMIT_PER_SECOND", 0)
	v.SetDefault("RATE_LIMIT_BURST", 0)
	v.SetDefault("SMTP_PORT", 25)
	v.SetDefault("SMTP_FROM", "notifications@carewire.local")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RETRY_LIMIT")
	v.BindEnv("ERROR_LIMIT")
	v.BindEnv("END_OF_LIFE_DAYS")
	v.BindEnv("DISPATCHER_WORKERS")
	v.BindEnv("GENERATOR_WORKERS")
	v.BindEnv("INGRESS_QUEUE_CAPACITY")
	v.BindEnv("EVENT_LOG_RETENTION")
	v.BindEnv("HEARTBEAT_TICK_SECONDS")
	v.BindEnv("HANDSHAKE_TIMEOUT_SECONDS")
	v.BindEnv("RATE_LIMIT_PER_SECOND")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("SMTP_HOST")
	v.BindEnv("SMTP_PORT")
	v.BindEnv("SMTP_FROM")
	v.BindEnv("SLACK_TOKEN")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration can run a working engine. Worker
// pools and queues must have positive sizes; limits of zero would turn every
// delivery failure into an immediate shutoff, so they are rejected too.
func (c *Config) Validate() error {
	if c.RetryLimit < 1 {
		return fmt.Errorf("RETRY_LIMIT must be at least 1, got %d", c.RetryLimit)
	}
	if c.ErrorLimit < 1 {
		return fmt.Errorf("ERROR_LIMIT must be at least 1, got %d", c.ErrorLimit)
	}
	if c.EndOfLifeDays < 1 {
		return fmt.Errorf("END_OF_LIFE_DAYS must be at least 1, got %d", c.EndOfLifeDays)
	}
	if c.DispatcherWorkers < 1 {
		return fmt.Errorf("DISPATCHER_WORKERS must be at least 1, got %d", c.DispatcherWorkers)
	}
	if c.GeneratorWorkers < 1 {
		return fmt.Errorf("GENERATOR_WORKERS must be at least 1, got %d", c.GeneratorWorkers)
	}
	if c.IngressQueueCapacity < 1 {
		return fmt.Errorf("INGRESS_QUEUE_CAPACITY must be at least 1, got %d", c.IngressQueueCapacity)
	}
	if c.EventLogRetention < 1 {
		return fmt.Errorf("EVENT_LOG_RETENTION must be at least 1, got %d", c.EventLogRetention)
	}
	if c.HeartbeatTickSeconds < 1 {
		return fmt.Errorf("HEARTBEAT_TICK_SECONDS must be at least 1, got %d", c.HeartbeatTickSeconds)
	}
	if c.HandshakeTimeoutSeconds < 1 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT_SECONDS must be at least 1, got %d", c.HandshakeTimeoutSeconds)
	}
	return nil
}
