// Package config defines the daemon configuration: NATS connectivity, rules
// engine tuning and the observability endpoints. Configuration loads from a
// YAML file with environment variable overrides; SafeConfig guards the live
// configuration for concurrent readers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ApollusEHS-OSS/openremote/errors"
)

// Config represents the complete daemon configuration
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	NATS     NATSConfig     `yaml:"nats"`
	Rules    RulesConfig    `yaml:"rules"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PlatformConfig defines platform identity
type PlatformConfig struct {
	ID          string `yaml:"id"`          // instance identifier, e.g. "rules-1"
	Environment string `yaml:"environment"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string `yaml:"urls"`
	Name          string   `yaml:"name"`
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	Token         string   `yaml:"token"`

	// AttributeEventSubject is the subject attribute events arrive on
	AttributeEventSubject string `yaml:"attribute_event_subject"`
	// NotificationSubject is the subject fired notifications publish to
	NotificationSubject string `yaml:"notification_subject"`
	// RulesetBucket is the JetStream KV bucket holding ruleset definitions
	RulesetBucket string `yaml:"ruleset_bucket"`
}

// RulesConfig tunes the engine hierarchy
type RulesConfig struct {
	// EngineQueueSize bounds each engine's ingestion queue
	EngineQueueSize int `yaml:"engine_queue_size"`
	// TickInterval drives fact expiration and continuous re-evaluation
	TickInterval Duration `yaml:"tick_interval"`
	// MinEventExpiration is the guaranteed minimum event fact window
	MinEventExpiration Duration `yaml:"min_event_expiration"`
	// ActionRateLimit throttles south-bound action dispatch per second;
	// zero disables throttling
	ActionRateLimit float64 `yaml:"action_rate_limit"`
	// ActionBurst is the dispatch burst allowance
	ActionBurst int `yaml:"action_burst"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig defines log output
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the baseline configuration applied before file and
// environment overrides
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			ID:          "rules-1",
			Environment: "dev",
		},
		NATS: NATSConfig{
			URLs:                  []string{"nats://localhost:4222"},
			Name:                  "openremote-rules",
			MaxReconnects:         -1,
			ReconnectWait:         Duration(2 * time.Second),
			AttributeEventSubject: "openremote.attribute.event",
			NotificationSubject:   "openremote.notification",
			RulesetBucket:         "rulesets",
		},
		Rules: RulesConfig{
			EngineQueueSize:    1024,
			TickInterval:       Duration(10 * time.Second),
			MinEventExpiration: Duration(time.Minute),
			ActionRateLimit:    100,
			ActionBurst:        20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file, applies environment overrides and
// validates the result. An empty path skips the file and uses defaults plus
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. Only operational
// knobs are exposed; tuning stays in the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENREMOTE_NATS_URL"); v != "" {
		cfg.NATS.URLs = []string{v}
	}
	if v := os.Getenv("OPENREMOTE_NATS_USERNAME"); v != "" {
		cfg.NATS.Username = v
	}
	if v := os.Getenv("OPENREMOTE_NATS_PASSWORD"); v != "" {
		cfg.NATS.Password = v
	}
	if v := os.Getenv("OPENREMOTE_NATS_TOKEN"); v != "" {
		cfg.NATS.Token = v
	}
	if v := os.Getenv("OPENREMOTE_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
	if v := os.Getenv("OPENREMOTE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OPENREMOTE_ENVIRONMENT"); v != "" {
		cfg.Platform.Environment = v
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	cp := *c
	cp.NATS.URLs = make([]string, len(c.NATS.URLs))
	copy(cp.NATS.URLs, c.NATS.URLs)
	return &cp
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	invalid := func(msg string, args ...any) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: "+msg, append([]any{errors.ErrInvalidConfig}, args...)...),
			"config", "Validate", "validate configuration")
	}

	if c.Platform.ID == "" {
		return invalid("platform id is required")
	}
	if len(c.NATS.URLs) == 0 {
		return invalid("at least one NATS URL is required")
	}
	if c.NATS.RulesetBucket == "" {
		return invalid("ruleset bucket is required")
	}
	if c.Rules.EngineQueueSize <= 0 {
		return invalid("engine queue size must be positive, got %d", c.Rules.EngineQueueSize)
	}
	if c.Rules.TickInterval <= 0 {
		return invalid("tick interval must be positive, got %s", c.Rules.TickInterval)
	}
	if c.Rules.MinEventExpiration <= 0 {
		return invalid("minimum event expiration must be positive, got %s", c.Rules.MinEventExpiration)
	}
	if c.Rules.ActionRateLimit < 0 {
		return invalid("action rate limit must not be negative, got %f", c.Rules.ActionRateLimit)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics port %d out of range", c.Metrics.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return invalid("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nil config", errors.ErrInvalidConfig),
			"SafeConfig", "Update", "validate configuration")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
