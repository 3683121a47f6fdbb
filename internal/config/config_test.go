package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Delivery.Workers)
	assert.Equal(t, 3, cfg.Delivery.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Delivery.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Delivery.MaxDelay)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, cfg.Monitor.HealthyThreshold)
	assert.Equal(t, 100, cfg.Monitor.AlertRetention)
	assert.Equal(t, 10, cfg.Monitor.Thresholds.MinRequestsWarning)
	assert.InDelta(t, 0.30, cfg.Monitor.Thresholds.FailureRateWarning, 1e-9)
	assert.InDelta(t, 0.80, cfg.Monitor.Thresholds.FailureRateCritical, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.Monitor.Thresholds.SlowResponse)
	assert.Equal(t, 3, cfg.Monitor.Thresholds.ConsecutiveFailures)
	assert.Equal(t, ProviderICS, cfg.Defaults.Provider)
	assert.Equal(t, []int{1440, 60}, cfg.Defaults.ReminderMinutes)
	assert.Equal(t, []string{ProviderICS}, cfg.EnabledProviders())
}

func TestLoadProvidersFromFile(t *testing.T) {
	path := writeConfig(t, `
delivery:
  workers: 8
  max_delay: 1m
providers:
  google:
    enabled: true
    access_token: token
    calendar_id: primary
    rate_limit: 5
  clinic-outlook:
    type: outlook
    enabled: true
    calendar_id: agenda@clinic.example
defaults:
  provider: google
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Delivery.Workers)
	assert.Equal(t, time.Minute, cfg.Delivery.MaxDelay)
	require.Contains(t, cfg.Providers, "google")
	assert.Equal(t, ProviderGoogle, cfg.Providers["google"].Type, "type defaults to the provider name")
	assert.Equal(t, ProviderOutlook, cfg.Providers["clinic-outlook"].Type)
	assert.InDelta(t, 5.0, cfg.Providers["google"].RateLimit, 1e-9)
	assert.Equal(t, []string{"clinic-outlook", "google", ProviderICS}, cfg.EnabledProviders())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CALRELAY_DELIVERY_WORKERS", "12")
	t.Setenv("CALRELAY_SERVER_API_KEY", "secret-key")

	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Delivery.Workers)
	assert.Equal(t, "secret-key", cfg.Server.APIKey)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Delivery: DeliveryConfig{Workers: 1, MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
			Providers: map[string]ProviderConfig{
				"ics": {Type: ProviderICS, Enabled: true},
			},
			Defaults: DefaultsConfig{Provider: "ics"},
		}
	}

	cfg := valid()
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Delivery.Workers = 0
	assert.EqualError(t, cfg.Validate(), "delivery.workers must be at least 1")

	cfg = valid()
	cfg.Delivery.MaxDelay = time.Millisecond
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Providers["fax"] = ProviderConfig{Type: "fax", Enabled: true}
	assert.EqualError(t, cfg.Validate(), `provider "fax" has unknown type "fax"`)

	cfg = valid()
	cfg.Defaults.Provider = "google"
	assert.EqualError(t, cfg.Validate(), `default provider "google" is not configured or not enabled`)
}

func TestReloadMonitorKeepsEnvOverrides(t *testing.T) {
	t.Setenv("CALRELAY_MONITOR_THRESHOLDS_MIN_REQUESTS_WARNING", "25")
	path := writeConfig(t, "monitor:\n  thresholds:\n    failure_rate_warning: 0.5\n")

	v := newViper(path)
	require.NoError(t, v.ReadInConfig())
	require.NoError(t, os.WriteFile(path, []byte("monitor:\n  thresholds:\n    failure_rate_warning: 0.4\n"), 0o600))
	require.NoError(t, v.ReadInConfig())

	var got *MonitorConfig
	reloadMonitor(v, func(c MonitorConfig) { got = &c }, zerolog.Nop())

	require.NotNil(t, got)
	assert.Equal(t, 25, got.Thresholds.MinRequestsWarning)
	assert.InDelta(t, 0.4, got.Thresholds.FailureRateWarning, 1e-9)
}

func TestReloadMonitorLogsDecodeFailure(t *testing.T) {
	v := newViper(writeConfig(t, "{}\n"))
	require.NoError(t, v.ReadInConfig())
	v.Set("monitor.health_check_interval", "every so often")

	var buf bytes.Buffer
	applied := false
	reloadMonitor(v, func(MonitorConfig) { applied = true }, zerolog.New(&buf))

	assert.False(t, applied)
	assert.Contains(t, buf.String(), "config reload failed")
	assert.Contains(t, buf.String(), `"level":"error"`)
}
