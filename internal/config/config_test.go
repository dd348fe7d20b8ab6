package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", true)
	require.NoError(t, err)

	assert.Equal(t, "mqtt", cfg.Transport.Kind)
	assert.Equal(t, "$me/device/state", cfg.Transport.MQTT.Topic)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 5*time.Second, cfg.Tracker.MinDuration)
	assert.Equal(t, 300*time.Second, cfg.Tracker.MaxDuration)
	assert.InDelta(t, 0.001, cfg.Tracker.DecayLambda, 1e-12)
	assert.Equal(t, 30*time.Second, cfg.Predict.DefaultRed)
	assert.Equal(t, 60*time.Second, cfg.Predict.DefaultGreen)
	assert.Equal(t, []string{"07:00-10:00", "16:00-19:00"}, cfg.Predict.RushWindows)
	assert.Equal(t, "@every 15m", cfg.Retention.Schedule)
	assert.Equal(t, time.Hour, cfg.Retention.Window)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SW_TRANSPORT_KIND", "nats")
	t.Setenv("SW_CACHE_TTL", "90s")
	t.Setenv("SW_RETENTION_WINDOW", "2h")

	cfg, err := Load("", true)
	require.NoError(t, err)

	assert.Equal(t, "nats", cfg.Transport.Kind)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 2*time.Hour, cfg.Retention.Window)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
sqlite:
  path: /tmp/test.db
api:
  addr: ":7000"
  api_keys: ["k1", "k2"]
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.SQLite.Path)
	assert.Equal(t, ":7000", cfg.API.Addr)
	assert.Equal(t, []string{"k1", "k2"}, cfg.API.APIKeys)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.API.Addr)
}

func TestValidate(t *testing.T) {
	base, err := Load("", true)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad transport", func(c *Config) { c.Transport.Kind = "kafka" }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"empty band", func(c *Config) { c.Tracker.MaxDuration = c.Tracker.MinDuration }},
		{"negative lambda", func(c *Config) { c.Tracker.DecayLambda = -1 }},
		{"inverted clamp", func(c *Config) { c.Predict.MaxExpected = time.Second }},
		{"bad epoch", func(c *Config) { c.Retention.PlausibleEpoch = "yesterday" }},
		{"zero queue", func(c *Config) { c.Ingest.QueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestRetentionEpoch(t *testing.T) {
	r := RetentionConfig{PlausibleEpoch: "2020-01-01"}
	got, err := r.Epoch()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), got)

	r.PlausibleEpoch = "2021-06-01T12:00:00Z"
	got, err = r.Epoch()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC), got)
}

func TestPredictLocation(t *testing.T) {
	assert.Equal(t, time.UTC, PredictConfig{Timezone: "UTC"}.Location())
	assert.Equal(t, time.Local, PredictConfig{Timezone: "Local"}.Location())
	assert.Equal(t, time.UTC, PredictConfig{Timezone: "Not/AZone"}.Location())
}
