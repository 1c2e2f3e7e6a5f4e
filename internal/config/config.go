package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Resolver  ResolverConfig  `yaml:"resolver" mapstructure:"resolver"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for the resolver.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ResolverConfig configures the source type resolver.
type ResolverConfig struct {
	// LiveLookup enables the homepage fetch + classification fallback.
	// Without it, unknown hostnames get the generic WEBSITE type.
	LiveLookup      bool    `yaml:"live_lookup" mapstructure:"live_lookup"`
	FetchRatePerSec float64 `yaml:"fetch_rate_per_sec" mapstructure:"fetch_rate_per_sec"`
	FetchBurst      int     `yaml:"fetch_burst" mapstructure:"fetch_burst"`
}

// ExtractConfig configures citation extraction.
type ExtractConfig struct {
	// ShapesPath points to an optional YAML file overriding the payload
	// field names the extractor recognizes.
	ShapesPath string `yaml:"shapes_path" mapstructure:"shapes_path"`
}

// BatchConfig configures the source metrics batch processor.
type BatchConfig struct {
	BatchSize           int     `yaml:"batch_size" mapstructure:"batch_size"`
	DailyPauseMs        int     `yaml:"daily_pause_ms" mapstructure:"daily_pause_ms"`
	BackfillPauseMs     int     `yaml:"backfill_pause_ms" mapstructure:"backfill_pause_ms"`
	HighPriorityCount   int     `yaml:"high_priority_count" mapstructure:"high_priority_count"`
	MediumPriorityCount int     `yaml:"medium_priority_count" mapstructure:"medium_priority_count"`
	WindowHours         int     `yaml:"window_hours" mapstructure:"window_hours"`
	ScheduleHours       int     `yaml:"schedule_hours" mapstructure:"schedule_hours"`
	RetryMaxAttempts    int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryBackoffMs      int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs   int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	RetryMultiplier     float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	RetryJitter         float64 `yaml:"retry_jitter" mapstructure:"retry_jitter"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VISIBILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("resolver.live_lookup", true)
	v.SetDefault("resolver.fetch_rate_per_sec", 5)
	v.SetDefault("resolver.fetch_burst", 5)
	v.SetDefault("batch.batch_size", 10)
	v.SetDefault("batch.daily_pause_ms", 1000)
	v.SetDefault("batch.backfill_pause_ms", 500)
	v.SetDefault("batch.high_priority_count", 5)
	v.SetDefault("batch.medium_priority_count", 15)
	v.SetDefault("batch.window_hours", 24)
	v.SetDefault("batch.schedule_hours", 24)
	v.SetDefault("batch.retry_max_attempts", 4)
	v.SetDefault("batch.retry_backoff_ms", 5000)
	v.SetDefault("batch.retry_max_backoff_ms", 20000)
	v.SetDefault("batch.retry_multiplier", 2.0)
	v.SetDefault("batch.retry_jitter", 0.0)

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
