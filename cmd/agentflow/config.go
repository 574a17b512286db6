package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/model"
	"github.com/rendis/agentflow/internal/scheduler"
)

// Config holds all agentflow server configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	ListenAddr   string                    `mapstructure:"listen_addr"`
	DBPath       string                    `mapstructure:"db_path"`
	LogLevel     string                    `mapstructure:"log_level"`
	LogFormat    string                    `mapstructure:"log_format"`
	PoolSize     int                       `mapstructure:"pool_size"`
	Hub          string                    `mapstructure:"hub"`
	NATSURL      string                    `mapstructure:"nats_url"`
	JudgeModel   string                    `mapstructure:"judge_model"`
	ModelTimeout time.Duration             `mapstructure:"model_timeout"`
	Retry        RetryConfig               `mapstructure:"retry"`
	Breaker      BreakerConfig             `mapstructure:"breaker"`
	Scheduler    SchedulerConfig           `mapstructure:"scheduler"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Models       []model.Spec              `mapstructure:"models"`
}

// RetryConfig is the delay policy between step attempts.
type RetryConfig struct {
	Backoff  string        `mapstructure:"backoff"`
	Delay    time.Duration `mapstructure:"delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// BreakerConfig tunes the per-model circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// SchedulerConfig controls the cron scheduler.
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ProviderConfig describes one model backend. The API key is read from the
// environment variable named by APIKeyEnv, never from the file.
type ProviderConfig struct {
	Type      string `mapstructure:"type"` // openai | http
	BaseURL   string `mapstructure:"base_url"`
	APIKeyEnv string `mapstructure:"api_key_env"`
}

const (
	hubMemory = "memory"
	hubNATS   = "nats"

	providerOpenAI = "openai"
	providerHTTP   = "http"
)

func agentflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentflow"
	}
	return filepath.Join(home, ".agentflow")
}

func settingsPath() string {
	return filepath.Join(agentflowDir(), "settings.json")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("db_path", filepath.Join(agentflowDir(), "agentflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("pool_size", engine.DefaultPoolSize)
	v.SetDefault("hub", hubMemory)
	v.SetDefault("nats_url", "")
	v.SetDefault("judge_model", model.ModelKimiK2Instruct)
	v.SetDefault("model_timeout", model.DefaultInvokeTimeout)
	v.SetDefault("retry.backoff", engine.BackoffExponential)
	v.SetDefault("retry.delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("breaker.failure_threshold", model.DefaultBreakerConfig().FailureThreshold)
	v.SetDefault("breaker.cooldown", model.DefaultBreakerConfig().Cooldown)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", scheduler.DefaultInterval)
	v.SetDefault("providers", map[string]any{
		"fireworks": map[string]any{
			"type":        providerOpenAI,
			"base_url":    "https://api.fireworks.ai/inference/v1",
			"api_key_env": "FIREWORKS_API_KEY",
		},
	})
	v.SetDefault("models", []map[string]any{
		{"id": model.ModelKimiK2p5, "provider": "fireworks", "remote_name": "accounts/fireworks/models/kimi-k2p5"},
		{"id": model.ModelKimiK2Instruct, "provider": "fireworks", "remote_name": "accounts/fireworks/models/kimi-k2-instruct-0905"},
	})
}

// loadConfig layers defaults, the settings file and AGENTFLOW_* variables.
// An explicit path must exist; the default settings file is optional.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if explicit || !missing {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.Hub != hubMemory && c.Hub != hubNATS {
		errs = append(errs, fmt.Errorf("hub must be %q or %q, got %q", hubMemory, hubNATS, c.Hub))
	}
	if !engine.ValidBackoff(c.Retry.Backoff) {
		errs = append(errs, fmt.Errorf("unknown retry.backoff %q", c.Retry.Backoff))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	for name, p := range c.Providers {
		if p.Type != providerOpenAI && p.Type != providerHTTP {
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", name, p.Type))
		}
	}
	if !slices.ContainsFunc(c.Models, func(s model.Spec) bool { return s.ID == c.JudgeModel }) {
		errs = append(errs, fmt.Errorf("judge_model %q is not a configured model", c.JudgeModel))
	}
	return errors.Join(errs...)
}

func (c Config) retryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{Backoff: c.Retry.Backoff, Delay: c.Retry.Delay, MaxDelay: c.Retry.MaxDelay}
}

func (c Config) breakerConfig() model.BreakerConfig {
	cfg := model.DefaultBreakerConfig()
	cfg.FailureThreshold = c.Breaker.FailureThreshold
	cfg.Cooldown = c.Breaker.Cooldown
	return cfg
}
