package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ApollusEHS-OSS/openremote/errors"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platform:
  id: rules-test
  environment: test
nats:
  urls:
    - nats://broker:4222
  ruleset_bucket: test-rulesets
rules:
  engine_queue_size: 64
  tick_interval: 5s
  min_event_expiration: 30s
metrics:
  enabled: false
logging:
  level: debug
  format: json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "rules-test", cfg.Platform.ID)
	assert.Equal(t, []string{"nats://broker:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "test-rulesets", cfg.NATS.RulesetBucket)
	assert.Equal(t, 64, cfg.Rules.EngineQueueSize)
	assert.Equal(t, 5*time.Second, cfg.Rules.TickInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Rules.MinEventExpiration.Std())
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep defaults
	assert.Equal(t, "openremote.attribute.event", cfg.NATS.AttributeEventSubject)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().NATS.RulesetBucket, cfg.NATS.RulesetBucket)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OPENREMOTE_NATS_URL", "nats://override:4222")
	t.Setenv("OPENREMOTE_NATS_USERNAME", "svc")
	t.Setenv("OPENREMOTE_NATS_PASSWORD", "secret")
	t.Setenv("OPENREMOTE_METRICS_PORT", "9999")
	t.Setenv("OPENREMOTE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://override:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "svc", cfg.NATS.Username)
	assert.Equal(t, "secret", cfg.NATS.Password)
	assert.Equal(t, 9999, cfg.Metrics.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing platform id", func(c *Config) { c.Platform.ID = "" }},
		{"no nats urls", func(c *Config) { c.NATS.URLs = nil }},
		{"no ruleset bucket", func(c *Config) { c.NATS.RulesetBucket = "" }},
		{"zero queue size", func(c *Config) { c.Rules.EngineQueueSize = 0 }},
		{"zero tick", func(c *Config) { c.Rules.TickInterval = 0 }},
		{"zero expiration", func(c *Config) { c.Rules.MinEventExpiration = 0 }},
		{"negative rate limit", func(c *Config) { c.Rules.ActionRateLimit = -1 }},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(Default())

	got := sc.Get()
	assert.Equal(t, Default().Platform.ID, got.Platform.ID)

	// Mutating the copy leaves the live config untouched
	got.NATS.URLs[0] = "nats://mutated:4222"
	assert.Equal(t, "nats://localhost:4222", sc.Get().NATS.URLs[0])

	updated := Default()
	updated.Platform.ID = "rules-2"
	require.NoError(t, sc.Update(updated))
	assert.Equal(t, "rules-2", sc.Get().Platform.ID)

	// Invalid updates are rejected and the previous config stays
	bad := Default()
	bad.Rules.EngineQueueSize = -1
	require.Error(t, sc.Update(bad))
	assert.Equal(t, "rules-2", sc.Get().Platform.ID)

	require.Error(t, sc.Update(nil))
}
