// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	GatewayURL      string
	ProvisionURL    string
	FinishURL       string
	AgentServiceURL string

	ConnectTimeout     time.Duration
	ReconnectTimeout   time.Duration
	SilenceWindow      time.Duration
	SilenceGrace       time.Duration
	MaxSessionDuration time.Duration
	SweepInterval      time.Duration

	Telemetry TelemetryConfig
}

// TelemetryConfig controls NDJSON session telemetry.
type TelemetryConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TELEMETRY_QUEUE_SIZE", 256)
	if queueSize <= 0 {
		queueSize = 256
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/interviewd.db"),

		GatewayURL:      getEnv("RTC_GATEWAY_URL", "ws://localhost:9090/rtc"),
		ProvisionURL:    getEnv("PROVISION_URL", "http://localhost:9091"),
		FinishURL:       getEnv("FINISH_URL", "http://localhost:9092/v1/interviews/finish"),
		AgentServiceURL: getEnv("AGENT_SERVICE_ADDR", "localhost:50051"),

		ConnectTimeout:     getEnvDuration("CONNECT_TIMEOUT", 20*time.Second),
		ReconnectTimeout:   getEnvDuration("RECONNECT_TIMEOUT", 15*time.Second),
		SilenceWindow:      getEnvDuration("SILENCE_WINDOW", 60*time.Second),
		SilenceGrace:       getEnvDuration("SILENCE_GRACE", 5*time.Second),
		MaxSessionDuration: getEnvDuration("MAX_SESSION_DURATION", time.Hour),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),

		Telemetry: TelemetryConfig{
			Enabled:   getEnvBool("TELEMETRY_ENABLED", true),
			Dir:       getEnv("TELEMETRY_DIR", "./data/telemetry"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.GatewayURL == "" {
		return fmt.Errorf("RTC_GATEWAY_URL cannot be empty")
	}
	if c.ProvisionURL == "" {
		return fmt.Errorf("PROVISION_URL cannot be empty")
	}
	if c.FinishURL == "" {
		return fmt.Errorf("FINISH_URL cannot be empty")
	}
	if c.SilenceWindow <= 0 {
		return fmt.Errorf("SILENCE_WINDOW must be > 0")
	}
	if c.SilenceGrace <= 0 {
		return fmt.Errorf("SILENCE_GRACE must be > 0")
	}
	if c.MaxSessionDuration <= 0 {
		return fmt.Errorf("MAX_SESSION_DURATION must be > 0")
	}
	if c.Telemetry.Enabled && c.Telemetry.Dir == "" {
		return fmt.Errorf("TELEMETRY_DIR cannot be empty")
	}
	if c.Telemetry.QueueSize <= 0 {
		return fmt.Errorf("TELEMETRY_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
