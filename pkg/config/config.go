// Package config loads billingd configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/commentable/billingd/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Gateway configuration
	Gateway GatewayConfig

	// Billing policy configuration
	Billing BillingConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// GatewayConfig holds payment gateway client configuration
type GatewayConfig struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	RequestTimeout time.Duration
}

// BillingConfig holds the suspension policy, webhook verification, and
// sweep cadence settings.
type BillingConfig struct {
	WebhookSecret    string
	VerifySignatures bool
	SuspendThreshold int
	SuspendWindow    time.Duration
	// SweepSchedule is a cron expression for the due-charge sweep.
	SweepSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("BILLINGD_HOST", "0.0.0.0"),
			Port:            getEnv("BILLINGD_PORT", "8080"),
			ReadTimeout:     getEnvDuration("BILLINGD_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("BILLINGD_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("BILLINGD_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("BILLINGD_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("BILLINGD_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("BILLINGD_POSTGRES_URL", ""),
			MaxOpenConns:    getEnvInt("BILLINGD_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns:    getEnvInt("BILLINGD_POSTGRES_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("BILLINGD_POSTGRES_CONN_LIFETIME", 30*time.Minute),
		},
		Gateway: GatewayConfig{
			BaseURL:        getEnv("BILLINGD_GATEWAY_URL", ""),
			APIKey:         getEnv("BILLINGD_GATEWAY_API_KEY", ""),
			APISecret:      getEnv("BILLINGD_GATEWAY_API_SECRET", ""),
			RequestTimeout: getEnvDuration("BILLINGD_GATEWAY_TIMEOUT", 10*time.Second),
		},
		Billing: BillingConfig{
			WebhookSecret:    getEnv("BILLINGD_WEBHOOK_SECRET", ""),
			VerifySignatures: getEnvBool("BILLINGD_WEBHOOK_VERIFY", true),
			SuspendThreshold: getEnvInt("BILLINGD_SUSPEND_THRESHOLD", 3),
			SuspendWindow:    getEnvDuration("BILLINGD_SUSPEND_WINDOW", 30*24*time.Hour),
			SweepSchedule:    getEnv("BILLINGD_SWEEP_SCHEDULE", "0 * * * *"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       observability.ParseLogLevel(getEnv("BILLINGD_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("BILLINGD_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if c.Billing.VerifySignatures && c.Billing.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required when signature verification is enabled")
	}
	if c.Billing.SuspendThreshold < 0 {
		return fmt.Errorf("suspend threshold must not be negative")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
