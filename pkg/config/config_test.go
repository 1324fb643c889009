package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commentable/billingd/pkg/observability"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BILLINGD_POSTGRES_URL", "postgres://localhost/billing?sslmode=disable")
	t.Setenv("BILLINGD_GATEWAY_URL", "https://gateway.example.com")
	t.Setenv("BILLINGD_WEBHOOK_SECRET", "whsec_test")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 10*time.Second, cfg.Gateway.RequestTimeout)
	assert.Equal(t, 3, cfg.Billing.SuspendThreshold)
	assert.Equal(t, 30*24*time.Hour, cfg.Billing.SuspendWindow)
	assert.True(t, cfg.Billing.VerifySignatures)
	assert.Equal(t, "0 * * * *", cfg.Billing.SweepSchedule)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.MetricsEnabled)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BILLINGD_PORT", "8888")
	t.Setenv("BILLINGD_SUSPEND_THRESHOLD", "5")
	t.Setenv("BILLINGD_SUSPEND_WINDOW", "168h")
	t.Setenv("BILLINGD_LOG_LEVEL", "debug")
	t.Setenv("BILLINGD_WEBHOOK_VERIFY", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8888", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Billing.SuspendThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Billing.SuspendWindow)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.False(t, cfg.Billing.VerifySignatures)
}

func TestLoadConfigMissingDatabase(t *testing.T) {
	t.Setenv("BILLINGD_GATEWAY_URL", "https://gateway.example.com")
	t.Setenv("BILLINGD_WEBHOOK_SECRET", "whsec_test")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres URL is required")
}

func TestLoadConfigMissingWebhookSecret(t *testing.T) {
	t.Setenv("BILLINGD_POSTGRES_URL", "postgres://localhost/billing")
	t.Setenv("BILLINGD_GATEWAY_URL", "https://gateway.example.com")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook secret is required")
}

func TestValidateRejectsPortClash(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BILLINGD_PORT", "9090")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be different")
}
