// Package config loads and validates the Quorum service configuration.
// Configuration comes from three layers merged in order: built-in
// defaults, an optional quorum.yaml file, and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Sentinel errors for configuration loading.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// LLMConfig holds the chat-completions endpoint settings.
type LLMConfig struct {
	// BaseURL is the full chat-completions URL (one endpoint for all models).
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// RequestTimeout bounds a single HTTP attempt, not the whole call
	// (retries each get a fresh attempt). Zero means no client timeout;
	// per-model deadlines still apply.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection settings for the model
// registry backing store and the safety telemetry table.
type DatabaseConfig struct {
	// DSN is the pgx connection string. Empty disables the store; the
	// registry then serves hardcoded fallbacks only.
	DSN string `yaml:"dsn"`
}

// ModelCapabilities are per-model flags resolved by the registry.
type ModelCapabilities struct {
	// ReasoningExclude reports whether the model accepts the
	// reasoning-exclude hint. Nil means unknown (substring fallback applies).
	ReasoningExclude *bool `yaml:"reasoning_exclude"`
}

// Config is the resolved process-wide configuration.
type Config struct {
	Stage1Timeout   time.Duration `yaml:"stage1_timeout"`
	Stage2Timeout   time.Duration `yaml:"stage2_timeout"`
	Stage3Timeout   time.Duration `yaml:"stage3_timeout"`
	PerModelTimeout time.Duration `yaml:"per_model_timeout"`

	MinStage1Responses int `yaml:"min_stage1_responses"`
	MinStage2Rankings  int `yaml:"min_stage2_rankings"`
	MinChairmanChars   int `yaml:"min_chairman_chars"`

	MaxQueryChars int `yaml:"max_query_chars"`
	MaxRetries    int `yaml:"max_retries"`

	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerWindow   time.Duration `yaml:"breaker_window"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`

	MergeQueueCap int           `yaml:"merge_queue_cap"`
	Stage1Stagger time.Duration `yaml:"stage1_stagger"`
	Stage2Stagger time.Duration `yaml:"stage2_stagger"`

	RegistryRefreshInterval time.Duration `yaml:"registry_refresh_interval"`

	LLM      LLMConfig      `yaml:"llm"`
	Database DatabaseConfig `yaml:"database"`

	// Roles are fallback model lists per role, used when the backing
	// store is unreachable or returns no rows for a role.
	Roles map[string][]string `yaml:"roles"`

	// ModelCapabilities overrides the substring-based capability
	// detection per model.
	ModelCapabilities map[string]ModelCapabilities `yaml:"model_capabilities"`

	// DepartmentPresets maps department slug to its LLM preset name.
	// Used when no backing-store preset is available for the department.
	DepartmentPresets map[string]Preset `yaml:"department_presets"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Stage1Timeout:   600 * time.Second,
		Stage2Timeout:   600 * time.Second,
		Stage3Timeout:   180 * time.Second,
		PerModelTimeout: 300 * time.Second,

		MinStage1Responses: 2,
		MinStage2Rankings:  2,
		MinChairmanChars:   50,

		MaxQueryChars: 50000,
		MaxRetries:    3,

		BreakerFailures: 5,
		BreakerWindow:   60 * time.Second,
		BreakerCooldown: 30 * time.Second,

		MergeQueueCap: 1000,
		Stage1Stagger: 0,
		Stage2Stagger: 500 * time.Millisecond,

		RegistryRefreshInterval: 5 * time.Minute,

		LLM: LLMConfig{
			BaseURL:        "https://openrouter.ai/api/v1/chat/completions",
			APIKeyEnv:      "QUORUM_API_KEY",
			RequestTimeout: 0,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped with a warning when missing), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("Config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
			if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"stage1_timeout", cfg.Stage1Timeout,
		"stage2_timeout", cfg.Stage2Timeout,
		"stage3_timeout", cfg.Stage3Timeout,
		"per_model_timeout", cfg.PerModelTimeout,
		"merge_queue_cap", cfg.MergeQueueCap)

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.MaxQueryChars <= 0 {
		return fmt.Errorf("%w: max_query_chars must be positive", ErrInvalidConfig)
	}
	if c.MergeQueueCap <= 0 {
		return fmt.Errorf("%w: merge_queue_cap must be positive", ErrInvalidConfig)
	}
	if c.MinStage1Responses < 0 || c.MinStage2Rankings < 0 {
		return fmt.Errorf("%w: minimum response counts cannot be negative", ErrInvalidConfig)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries cannot be negative", ErrInvalidConfig)
	}
	if c.BreakerFailures <= 0 {
		return fmt.Errorf("%w: breaker_failures must be positive", ErrInvalidConfig)
	}
	for _, d := range []time.Duration{
		c.Stage1Timeout, c.Stage2Timeout, c.Stage3Timeout, c.PerModelTimeout,
		c.BreakerWindow, c.BreakerCooldown,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: timeouts and breaker windows must be positive", ErrInvalidConfig)
		}
	}
	return nil
}

// APIKey resolves the LLM API key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.LLM.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.LLM.APIKeyEnv)
}

// applyEnv overlays environment variables onto the config.
// Duration values accept Go duration syntax ("600s", "1.5m").
func applyEnv(cfg *Config) error {
	var err error
	setDuration := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		raw := os.Getenv(key)
		if raw == "" {
			return
		}
		d, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, raw, parseErr)
			return
		}
		*dst = d
	}
	setInt := func(key string, dst *int) {
		if err != nil {
			return
		}
		raw := os.Getenv(key)
		if raw == "" {
			return
		}
		n, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, raw, parseErr)
			return
		}
		*dst = n
	}

	setDuration("STAGE1_TIMEOUT", &cfg.Stage1Timeout)
	setDuration("STAGE2_TIMEOUT", &cfg.Stage2Timeout)
	setDuration("STAGE3_TIMEOUT", &cfg.Stage3Timeout)
	setDuration("PER_MODEL_TIMEOUT", &cfg.PerModelTimeout)
	setInt("MIN_STAGE1_RESPONSES", &cfg.MinStage1Responses)
	setInt("MIN_STAGE2_RANKINGS", &cfg.MinStage2Rankings)
	setInt("MIN_CHAIRMAN_CHARS", &cfg.MinChairmanChars)
	setInt("MAX_QUERY_CHARS", &cfg.MaxQueryChars)
	setInt("MAX_RETRIES", &cfg.MaxRetries)
	setInt("BREAKER_FAILURES", &cfg.BreakerFailures)
	setDuration("BREAKER_WINDOW", &cfg.BreakerWindow)
	setDuration("BREAKER_COOLDOWN", &cfg.BreakerCooldown)
	setInt("MERGE_QUEUE_CAP", &cfg.MergeQueueCap)
	setDuration("STAGE1_STAGGER", &cfg.Stage1Stagger)
	setDuration("STAGE2_STAGGER", &cfg.Stage2Stagger)
	setDuration("REGISTRY_REFRESH_INTERVAL", &cfg.RegistryRefreshInterval)

	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY_ENV"); v != "" {
		cfg.LLM.APIKeyEnv = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}

	return err
}
