package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Research   ResearchConfig   `yaml:"research" mapstructure:"research"`
	Credits    CreditsConfig    `yaml:"credits" mapstructure:"credits"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge" mapstructure:"knowledge"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// Pool sizing, postgres only.
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	CookieSecret   string   `yaml:"cookie_secret" mapstructure:"cookie_secret"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	SecureCookies  bool     `yaml:"secure_cookies" mapstructure:"secure_cookies"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EngineConfig configures the response engine.
type EngineConfig struct {
	MinQueryTokens          int `yaml:"min_query_tokens" mapstructure:"min_query_tokens"`
	ClassificationCacheSize int `yaml:"classification_cache_size" mapstructure:"classification_cache_size"`
}

// ResearchConfig configures the deep-research step pipeline.
type ResearchConfig struct {
	StepTimeoutSecs int `yaml:"step_timeout_secs" mapstructure:"step_timeout_secs"`
	StepMaxAttempts int `yaml:"step_max_attempts" mapstructure:"step_max_attempts"`
	StepBackoffMs   int `yaml:"step_backoff_ms" mapstructure:"step_backoff_ms"`
}

// CreditsConfig configures the credit ledger and approval thresholds.
type CreditsConfig struct {
	DefaultBalance       int `yaml:"default_balance" mapstructure:"default_balance"`
	AutoApproveThreshold int `yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
	TeamLeadThreshold    int `yaml:"team_lead_threshold" mapstructure:"team_lead_threshold"`
}

// KnowledgeConfig points at the knowledge-base snapshot.
type KnowledgeConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// NotifyConfig configures the notification webhook sink.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	BufferSize int    `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ABI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.secure_cookies", true)
	v.SetDefault("engine.min_query_tokens", 3)
	v.SetDefault("engine.classification_cache_size", 1024)
	v.SetDefault("research.step_timeout_secs", 30)
	v.SetDefault("research.step_max_attempts", 3)
	v.SetDefault("research.step_backoff_ms", 250)
	v.SetDefault("credits.default_balance", 5000)
	v.SetDefault("credits.auto_approve_threshold", 500)
	v.SetDefault("credits.team_lead_threshold", 2000)
	v.SetDefault("knowledge.path", "knowledge.yaml")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.requests_per_second", 2.0)
	v.SetDefault("notify.buffer_size", 64)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode
// (serve, migrate, research, classify).
func (c *Config) Validate(mode string) error {
	var errs []string

	needsStore := false
	switch mode {
	case "serve":
		needsStore = true
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if len(c.Server.CookieSecret) < 16 {
			errs = append(errs, "server.cookie_secret must be at least 16 bytes")
		}
	case "migrate":
		needsStore = true
	case "research", "classify":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needsStore {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	if c.Engine.MinQueryTokens < 1 {
		errs = append(errs, "engine.min_query_tokens must be >= 1")
	}
	if c.Research.StepTimeoutSecs < 1 {
		errs = append(errs, "research.step_timeout_secs must be >= 1")
	}
	if c.Research.StepMaxAttempts < 1 || c.Research.StepMaxAttempts > 10 {
		errs = append(errs, "research.step_max_attempts must be between 1 and 10")
	}
	if c.Credits.AutoApproveThreshold < 0 {
		errs = append(errs, "credits.auto_approve_threshold must be >= 0")
	}
	if c.Credits.TeamLeadThreshold < c.Credits.AutoApproveThreshold {
		errs = append(errs, "credits.team_lead_threshold must be >= auto_approve_threshold")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
