// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all bridge configuration. It is loaded once at startup;
// no other component reads the environment directly.
type Config struct {
	Port          string
	AllowedOrigin string
	DBPath        string
	// SharedCacheDBPath points several bridge instances at one cache
	// database. Empty means single-instance: no shared tier.
	SharedCacheDBPath string
	WorkerAddr        string

	Session   SessionConfig
	Trigger   TriggerConfig
	Optimizer OptimizerConfig
	Cache     CacheConfig
	Plan      PlanConfig
}

// SessionConfig controls session lifecycle and reconnection.
type SessionConfig struct {
	HandshakeTimeout  time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectAttempts int
	OutboundQueueSize int
	IdleTTL           time.Duration
	MalformedBurst    int
	MalformedWindow   time.Duration
}

// TriggerConfig controls trigger evaluation.
type TriggerConfig struct {
	ConfidenceThreshold float64
	SignificanceFloor   float64
	DefaultCooldown     time.Duration
	Cooldowns           map[string]time.Duration
}

// OptimizerConfig controls context optimization.
type OptimizerConfig struct {
	QualityFloor float64
	MaxAttempts  int
}

// CacheConfig controls the tiered result cache.
type CacheConfig struct {
	HotSize        int
	BoundedSize    int
	ContextTTL     time.Duration
	ResultTTL      time.Duration
	TierReadBudget time.Duration
}

// PlanConfig controls coordination plan execution.
type PlanConfig struct {
	StepTimeout    time.Duration
	MaxConcurrency int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		AllowedOrigin:     getEnv("ALLOWED_ORIGIN", ""),
		DBPath:            getEnv("DB_PATH", "./data/bridge.db"),
		SharedCacheDBPath: getEnv("SHARED_CACHE_DB_PATH", ""),
		WorkerAddr:        getEnv("WORKER_POOL_ADDR", ""),
		Session: SessionConfig{
			HandshakeTimeout:  getEnvDuration("SESSION_HANDSHAKE_TIMEOUT", 10*time.Second),
			ReconnectBase:     getEnvDuration("RECONNECT_BASE_DELAY", 500*time.Millisecond),
			ReconnectCap:      getEnvDuration("RECONNECT_CAP_DELAY", 30*time.Second),
			ReconnectAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 6),
			OutboundQueueSize: getEnvInt("OUTBOUND_QUEUE_SIZE", 64),
			IdleTTL:           getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
			MalformedBurst:    getEnvInt("MALFORMED_BURST_LIMIT", 5),
			MalformedWindow:   getEnvDuration("MALFORMED_BURST_WINDOW", 10*time.Second),
		},
		Trigger: TriggerConfig{
			ConfidenceThreshold: getEnvFloat("TRIGGER_CONFIDENCE_THRESHOLD", 0.7),
			SignificanceFloor:   getEnvFloat("TRIGGER_SIGNIFICANCE_FLOOR", 0.6),
			DefaultCooldown:     getEnvDuration("TRIGGER_DEFAULT_COOLDOWN", 15*time.Second),
			Cooldowns: map[string]time.Duration{
				"review":       getEnvDuration("COOLDOWN_REVIEW", 30*time.Second),
				"architecture": getEnvDuration("COOLDOWN_ARCHITECTURE", 2*time.Minute),
				"tests":        getEnvDuration("COOLDOWN_TESTS", 20*time.Second),
			},
		},
		Optimizer: OptimizerConfig{
			QualityFloor: getEnvFloat("OPTIMIZER_QUALITY_FLOOR", 0.9),
			MaxAttempts:  getEnvInt("OPTIMIZER_MAX_ATTEMPTS", 3),
		},
		Cache: CacheConfig{
			HotSize:        getEnvInt("CACHE_HOT_SIZE", 256),
			BoundedSize:    getEnvInt("CACHE_BOUNDED_SIZE", 4096),
			ContextTTL:     getEnvDuration("CACHE_CONTEXT_TTL", 5*time.Minute),
			ResultTTL:      getEnvDuration("CACHE_RESULT_TTL", 30*time.Second),
			TierReadBudget: getEnvDuration("CACHE_TIER_READ_BUDGET", 200*time.Millisecond),
		},
		Plan: PlanConfig{
			StepTimeout:    getEnvDuration("PLAN_STEP_TIMEOUT", 30*time.Second),
			MaxConcurrency: getEnvInt("PLAN_MAX_CONCURRENCY", 8),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Trigger.ConfidenceThreshold < 0 || c.Trigger.ConfidenceThreshold > 1 {
		return fmt.Errorf("TRIGGER_CONFIDENCE_THRESHOLD must be in [0,1]")
	}
	if c.Trigger.SignificanceFloor < 0 || c.Trigger.SignificanceFloor > 1 {
		return fmt.Errorf("TRIGGER_SIGNIFICANCE_FLOOR must be in [0,1]")
	}
	if c.Optimizer.QualityFloor <= 0 || c.Optimizer.QualityFloor > 1 {
		return fmt.Errorf("OPTIMIZER_QUALITY_FLOOR must be in (0,1]")
	}
	if c.Optimizer.MaxAttempts < 1 {
		return fmt.Errorf("OPTIMIZER_MAX_ATTEMPTS must be >= 1")
	}
	if c.Session.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 1")
	}
	if c.Session.OutboundQueueSize < 1 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be >= 1")
	}
	if c.Session.ReconnectBase <= 0 || c.Session.ReconnectCap < c.Session.ReconnectBase {
		return fmt.Errorf("reconnect delays must satisfy 0 < base <= cap")
	}
	if c.Plan.MaxConcurrency < 1 {
		return fmt.Errorf("PLAN_MAX_CONCURRENCY must be >= 1")
	}
	return nil
}

// CooldownFor returns the configured cooldown for a worker kind, falling
// back to the default.
func (c *TriggerConfig) CooldownFor(kind string) time.Duration {
	if d, ok := c.Cooldowns[kind]; ok {
		return d
	}
	return c.DefaultCooldown
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AllowedOrigin == "" ||
		strings.Contains(c.AllowedOrigin, "localhost") ||
		strings.Contains(c.AllowedOrigin, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
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
