package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Env         string            `yaml:"env" mapstructure:"env"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Auth        AuthConfig        `yaml:"auth" mapstructure:"auth"`
	ODP         ODPConfig         `yaml:"odp" mapstructure:"odp"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Enhancement EnhancementConfig `yaml:"enhancement" mapstructure:"enhancement"`
	Pipeline    PipelineConfig    `yaml:"pipeline" mapstructure:"pipeline"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Audit       AuditConfig       `yaml:"audit" mapstructure:"audit"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Pages       PagesConfig       `yaml:"pages" mapstructure:"pages"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the structured audit store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// AuthConfig holds gateway JWT settings. The secret is only required when a
// token is first signed or verified.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `yaml:"issuer" mapstructure:"issuer"`
	Audience  string `yaml:"audience" mapstructure:"audience"`
	TokenTTL  int    `yaml:"token_ttl_mins" mapstructure:"token_ttl_mins"`
}

// ODPConfig holds OPAL/ODP source-data API settings.
type ODPConfig struct {
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	APIKey           string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Retries          int    `yaml:"retries" mapstructure:"retries"`
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int    `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings for the enhancement step.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EnhancementConfig bounds the enhancement applier.
type EnhancementConfig struct {
	MaxAttempts   int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffMs     int     `yaml:"backoff_ms" mapstructure:"backoff_ms"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
}

// PipelineConfig controls the fallback cascade.
type PipelineConfig struct {
	// EnhancementEnabled gates the fresh_enriched step of the cascade.
	EnhancementEnabled   bool    `yaml:"enhancement_enabled" mapstructure:"enhancement_enabled"`
	ConsistencyTolerance float64 `yaml:"consistency_tolerance" mapstructure:"consistency_tolerance"`
	// StrictConsistency compares related pages' metrics within
	// ConsistencyTolerance instead of accepting every comparison.
	StrictConsistency bool `yaml:"strict_consistency" mapstructure:"strict_consistency"`
}

// CacheConfig selects the content cache backend.
type CacheConfig struct {
	Driver           string `yaml:"driver" mapstructure:"driver"`
	RedisAddress     string `yaml:"redis_address" mapstructure:"redis_address"`
	RedisPassword    string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB          int    `yaml:"redis_db" mapstructure:"redis_db"`
	KeyPrefix        string `yaml:"key_prefix" mapstructure:"key_prefix"`
	WarmIntervalSecs int    `yaml:"warm_interval_secs" mapstructure:"warm_interval_secs"`
	WarmConcurrency  int    `yaml:"warm_concurrency" mapstructure:"warm_concurrency"`
}

// AuditConfig configures the audit file sink.
type AuditConfig struct {
	Dir      string `yaml:"dir" mapstructure:"dir"`
	MaxFiles int    `yaml:"max_files" mapstructure:"max_files"`
}

// MonitoringConfig configures alerts and the health checker.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// PagesConfig points at the page registry file.
type PagesConfig struct {
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Development reports whether the process runs in development mode.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Timeout converts a seconds setting to a duration, using fallback for
// non-positive values.
func Timeout(secs int, fallback time.Duration) time.Duration {
	if secs <= 0 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("OSA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "production")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "osa.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.timeout_secs", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "osa-gateway")
	v.SetDefault("auth.audience", "osa-api")
	v.SetDefault("auth.token_ttl_mins", 60)
	v.SetDefault("odp.base_url", "https://api.zaius.com/v3")
	v.SetDefault("odp.api_key", "")
	v.SetDefault("odp.timeout_secs", 10)
	v.SetDefault("odp.retries", 2)
	v.SetDefault("odp.failure_threshold", 5)
	v.SetDefault("odp.reset_timeout_secs", 30)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("enhancement.max_attempts", 2)
	v.SetDefault("enhancement.backoff_ms", 1000)
	v.SetDefault("enhancement.timeout_secs", 30)
	v.SetDefault("enhancement.rate_per_second", 5.0)
	v.SetDefault("enhancement.burst", 5)
	v.SetDefault("pipeline.enhancement_enabled", false)
	v.SetDefault("pipeline.consistency_tolerance", 0.05)
	v.SetDefault("pipeline.strict_consistency", false)
	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.redis_address", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.key_prefix", "osa:content:")
	v.SetDefault("cache.warm_interval_secs", 240)
	v.SetDefault("cache.warm_concurrency", 4)
	v.SetDefault("audit.dir", "logs/validation")
	v.SetDefault("audit.max_files", 30)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("pages.config_path", "pages.yaml")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command needs. Secrets (JWT, ODP and
// Anthropic keys) are never required here; their consumers fail at first use.
func (c *Config) Validate(mode string) error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required for postgres (OSA_STORE_DATABASE_URL)")
	}
	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.RedisAddress == "" {
			return eris.New("config: cache.redis_address is required for redis (OSA_CACHE_REDIS_ADDRESS)")
		}
	default:
		return eris.Errorf("config: unsupported cache driver %q", c.Cache.Driver)
	}
	if mode == "serve" && c.Server.Port <= 0 {
		return eris.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Pages.ConfigPath == "" {
		return eris.New("config: pages.config_path is required")
	}
	if c.Enhancement.MaxAttempts < 1 {
		return eris.Errorf("config: enhancement.max_attempts must be >= 1, got %d", c.Enhancement.MaxAttempts)
	}
	if c.Pipeline.ConsistencyTolerance < 0 || c.Pipeline.ConsistencyTolerance > 1 {
		return eris.Errorf("config: pipeline.consistency_tolerance must be in [0, 1], got %v", c.Pipeline.ConsistencyTolerance)
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
