package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	MaxConnections int     `env:"MAX_CONNECTIONS" default:"10000"`
	ConnectRate    float64 `env:"CONNECT_RATE" default:"10"`
	ConnectBurst   int     `env:"CONNECT_BURST" default:"20"`

	SendBufferSize  int           `env:"SEND_BUFFER_SIZE" default:"16"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" default:"5s"`
	PingInterval    time.Duration `env:"PING_INTERVAL" default:"30s"`
	PongTimeout     time.Duration `env:"PONG_TIMEOUT" default:"60s"`
	MaxMessageBytes int64         `env:"MAX_MESSAGE_BYTES" default:"1048576"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`

	RedisURL          string `env:"REDIS_URL"`
	RedisEventChannel string `env:"REDIS_EVENT_CHANNEL" default:"sync:events"`
	RedisBackupKey    string `env:"REDIS_BACKUP_KEY" default:"sync:backup:latest"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Origins returns the allowed WebSocket origins. Empty means any origin.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func validate(cfg *Config) error {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", cfg.Port)
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	positive := map[string]float64{
		"MAX_CONNECTIONS":   float64(cfg.MaxConnections),
		"CONNECT_RATE":      cfg.ConnectRate,
		"CONNECT_BURST":     float64(cfg.ConnectBurst),
		"SEND_BUFFER_SIZE":  float64(cfg.SendBufferSize),
		"WRITE_TIMEOUT":     float64(cfg.WriteTimeout),
		"PING_INTERVAL":     float64(cfg.PingInterval),
		"MAX_MESSAGE_BYTES": float64(cfg.MaxMessageBytes),
		"SHUTDOWN_TIMEOUT":  float64(cfg.ShutdownTimeout),
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.PongTimeout <= cfg.PingInterval {
		return errors.New("PONG_TIMEOUT must be greater than PING_INTERVAL")
	}

	if cfg.RedisURL != "" && (cfg.RedisEventChannel == "" || cfg.RedisBackupKey == "") {
		return errors.New("REDIS_EVENT_CHANNEL and REDIS_BACKUP_KEY are required when REDIS_URL is set")
	}

	return nil
}
