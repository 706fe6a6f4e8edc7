// Package config loads service configuration from YAML files and LOOM_*
// environment variables, with sane built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	loomerrors "loom/internal/errors"
	"loom/internal/observability"
)

// Config holds the full service configuration.
type Config struct {
	Server       ServerConfig                `mapstructure:"server"`
	Gateway      GatewayConfig               `mapstructure:"gateway"`
	Budget       BudgetConfig                `mapstructure:"budget"`
	Bus          BusConfig                   `mapstructure:"bus"`
	Orchestrator OrchestratorConfig          `mapstructure:"orchestrator"`
	Metrics      observability.MetricsConfig `mapstructure:"metrics"`
	Tracing      observability.TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GatewayConfig holds LLM endpoint and resilience settings.
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	DefaultModel   string        `mapstructure:"default_model"`
	FallbackModels []string      `mapstructure:"fallback_models"`
	KnownModels    []string      `mapstructure:"known_models"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
}

// BudgetConfig holds token accounting settings.
type BudgetConfig struct {
	CacheSize    int     `mapstructure:"cache_size"`
	SafetyMargin float64 `mapstructure:"safety_margin"`
}

// BusConfig holds progress event bus settings.
type BusConfig struct {
	BufferCapacity int `mapstructure:"buffer_capacity"`
	StreamBuffer   int `mapstructure:"stream_buffer"`
}

// OrchestratorConfig holds task execution settings.
type OrchestratorConfig struct {
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxIterations    int           `mapstructure:"max_iterations"`
	AgentTimeout     time.Duration `mapstructure:"agent_timeout"`
	QualityGateModel string        `mapstructure:"quality_gate_model"`
}

// Load reads configuration with the following precedence, highest first:
// LOOM_* environment variables, the file at path (when non-empty), then
// config.yaml in the working directory or ~/.config/loom, then defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/loom")
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("gateway.api_key", "LOOM_API_KEY"); err != nil {
		return nil, fmt.Errorf("binding api key env: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Gateway.APIKey = os.ExpandEnv(cfg.Gateway.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return loomerrors.NewValidationError("server.port", fmt.Sprintf("invalid port %d", c.Server.Port))
	}
	if c.Gateway.DefaultModel == "" {
		return loomerrors.NewValidationError("gateway.default_model", "must be set")
	}
	if c.Gateway.MaxRetries < 0 {
		return loomerrors.NewValidationError("gateway.max_retries", "must not be negative")
	}
	if c.Budget.SafetyMargin < 0 || c.Budget.SafetyMargin >= 1 {
		return loomerrors.NewValidationError("budget.safety_margin", "must be in [0, 1)")
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		return loomerrors.NewValidationError("orchestrator.max_concurrent", "must be positive")
	}
	return nil
}

// Default returns the built-in defaults without touching files or the
// environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("default config does not unmarshal: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("gateway.base_url", "https://api.openai.com/v1")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.default_model", "gpt-4")
	v.SetDefault("gateway.fallback_models", []string{"gpt-3.5-turbo"})
	v.SetDefault("gateway.known_models", []string{})
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.base_delay", "1s")
	v.SetDefault("gateway.max_delay", "30s")
	v.SetDefault("gateway.min_interval", "100ms")
	v.SetDefault("gateway.call_timeout", "120s")

	v.SetDefault("budget.cache_size", 4096)
	v.SetDefault("budget.safety_margin", 0.1)

	v.SetDefault("bus.buffer_capacity", 1024)
	v.SetDefault("bus.stream_buffer", 64)

	v.SetDefault("orchestrator.max_concurrent", 8)
	v.SetDefault("orchestrator.max_iterations", 10)
	v.SetDefault("orchestrator.agent_timeout", "5m")
	v.SetDefault("orchestrator.quality_gate_model", "gpt-4")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "loom")
	v.SetDefault("tracing.service_version", "")
}
