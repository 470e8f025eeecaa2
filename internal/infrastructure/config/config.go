package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// Config is the full proxy configuration.
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Invoker  InvokerConfig  `mapstructure:"invoker"`
	Health   HealthConfig   `mapstructure:"health"`
	Servers  ServersConfig  `mapstructure:"servers"`
	Log      LogConfig      `mapstructure:"log"`
}

// GatewayConfig controls the HTTP listener.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// UpstreamConfig points at the OpenAI-compatible model provider the proxy
// forwards to.
type UpstreamConfig struct {
	Provider string        `mapstructure:"provider"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PipelineConfig tunes the reasoning pipeline.
type PipelineConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Backend          string        `mapstructure:"backend"` // llm, rules
	Model            string        `mapstructure:"model"`   // agent model; empty = upstream.model
	PhaseTimeout     time.Duration `mapstructure:"phase_timeout"`
	MaxParallelTools int           `mapstructure:"max_parallel_tools"`
}

// CatalogConfig tunes capability discovery.
type CatalogConfig struct {
	DiscoveryTTL      time.Duration `mapstructure:"discovery_ttl"`
	AutoDiscovery     bool          `mapstructure:"auto_discovery"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
}

// InvokerConfig tunes tool invocation.
type InvokerConfig struct {
	Strategy     string        `mapstructure:"strategy"`
	CacheEnabled bool          `mapstructure:"cache_enabled"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	AllowTools   []string      `mapstructure:"allow_tools"`
	DenyTools    []string      `mapstructure:"deny_tools"`
}

// HealthConfig tunes the background health monitor.
type HealthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// ServersConfig locates the tool-server fleet file.
type ServersConfig struct {
	File      string `mapstructure:"file"` // empty = ~/.loopgate/servers.yaml
	HotReload bool   `mapstructure:"hot_reload"`
}

// LogConfig controls zap construction and file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json, console
	File       string `mapstructure:"file"`   // empty = stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration in layers, lowest priority first: defaults,
// global ~/.loopgate/config.yaml, project-local config.yaml, then
// LOOPGATE_* environment variables. The upstream env vars LLM_PROVIDER,
// LLM_MODEL and OPENAI_API_KEY are honored last and win over files.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Layer 1: global config.
	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	// Layer 2: project-local overrides, first match wins.
	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	// Layer 3: environment.
	v.SetEnvPrefix("LOOPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyUpstreamEnv(&cfg)

	if cfg.Servers.File == "" {
		cfg.Servers.File = DefaultServersPath()
	}
	return &cfg, nil
}

// applyUpstreamEnv folds the provider-standard environment variables into
// the upstream section.
func applyUpstreamEnv(cfg *Config) {
	if p := os.Getenv("LLM_PROVIDER"); p != "" {
		cfg.Upstream.Provider = p
	}
	if m := os.Getenv("LLM_MODEL"); m != "" {
		cfg.Upstream.Model = m
	}
	if k := os.Getenv("OPENAI_API_KEY"); k != "" {
		cfg.Upstream.APIKey = k
	}
}

// Validate rejects configurations the proxy cannot start with.
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return apperrors.NewConfigInvalidError(fmt.Sprintf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Upstream.BaseURL == "" {
		return apperrors.NewConfigInvalidError("upstream.base_url is required")
	}
	if c.Upstream.APIKey == "" {
		return apperrors.NewConfigInvalidError("upstream.api_key is required (set OPENAI_API_KEY)")
	}
	if c.Upstream.Model == "" {
		return apperrors.NewConfigInvalidError("upstream.model is required (set LLM_MODEL)")
	}
	switch c.Pipeline.Backend {
	case "llm", "rules":
	default:
		return apperrors.NewConfigInvalidError(fmt.Sprintf("pipeline.backend %q must be llm or rules", c.Pipeline.Backend))
	}
	return nil
}

// PipelineModel is the model the reasoning agents use; it falls back to the
// upstream model.
func (c *Config) PipelineModel() string {
	if c.Pipeline.Model != "" {
		return c.Pipeline.Model
	}
	return c.Upstream.Model
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 18789)
	v.SetDefault("gateway.mode", "release")

	v.SetDefault("upstream.provider", "openai")
	v.SetDefault("upstream.base_url", "https://api.openai.com/v1")
	v.SetDefault("upstream.model", "gpt-4o-mini")
	v.SetDefault("upstream.timeout", "120s")

	v.SetDefault("pipeline.enabled", true)
	v.SetDefault("pipeline.backend", "llm")
	v.SetDefault("pipeline.phase_timeout", "30s")
	v.SetDefault("pipeline.max_parallel_tools", 3)

	v.SetDefault("catalog.discovery_ttl", "5m")
	v.SetDefault("catalog.auto_discovery", true)
	v.SetDefault("catalog.discovery_interval", "5m")

	v.SetDefault("invoker.strategy", "first_available")
	v.SetDefault("invoker.cache_enabled", true)
	v.SetDefault("invoker.cache_ttl", "5m")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.interval", "30s")

	v.SetDefault("servers.hot_reload", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)
}
