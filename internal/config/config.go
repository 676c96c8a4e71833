package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/quality"
	"github.com/sells-group/trainset/internal/resilience"
	"github.com/sells-group/trainset/internal/source"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig        `yaml:"store" mapstructure:"store"`
	Assemble AssembleConfig     `yaml:"assemble" mapstructure:"assemble"`
	Sources  SourcesConfig      `yaml:"sources" mapstructure:"sources"`
	Retry    RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Quality  quality.Thresholds `yaml:"quality" mapstructure:"quality"`
	Metrics  MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
	Server   ServerConfig       `yaml:"server" mapstructure:"server"`
	Log      LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the snapshot registry backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url" validate:"required_if=Driver postgres"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// AssembleConfig configures training-set assembly.
type AssembleConfig struct {
	FieldsFile      string   `yaml:"fields_file" mapstructure:"fields_file" validate:"required"`
	RegimesFile     string   `yaml:"regimes_file" mapstructure:"regimes_file" validate:"required"`
	PriceField      string   `yaml:"price_field" mapstructure:"price_field" validate:"required"`
	Horizons        []string `yaml:"horizons" mapstructure:"horizons"`
	Surfaces        []string `yaml:"surfaces" mapstructure:"surfaces" validate:"dive,oneof=prod full"`
	ToleranceDays   int      `yaml:"tolerance_days" mapstructure:"tolerance_days" validate:"gte=0"`
	OutputDir       string   `yaml:"output_dir" mapstructure:"output_dir" validate:"required"`
	Version         string   `yaml:"version" mapstructure:"version"`
	LookbackDays    int      `yaml:"lookback_days" mapstructure:"lookback_days" validate:"gte=1"`
	LockTimeoutSecs int      `yaml:"lock_timeout_secs" mapstructure:"lock_timeout_secs" validate:"gte=0"`
}

// LockTimeout returns the materialization lock timeout.
func (a AssembleConfig) LockTimeout() time.Duration {
	return time.Duration(a.LockTimeoutSecs) * time.Second
}

// ParsedHorizons parses the configured horizon labels.
func (a AssembleConfig) ParsedHorizons() ([]model.Horizon, error) {
	out := make([]model.Horizon, 0, len(a.Horizons))
	for _, s := range a.Horizons {
		h, err := model.ParseHorizon(s)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// SourcesConfig configures source adapters and the collector.
type SourcesConfig struct {
	List        []source.Spec `yaml:"list" mapstructure:"list" validate:"dive"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=0"`
	TimeoutSecs int           `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gte=0"`
	RatePerSec  float64       `yaml:"rate_per_sec" mapstructure:"rate_per_sec" validate:"gte=0"`
}

// Collector returns the collector configuration for these sources.
func (s SourcesConfig) Collector(retry RetryConfig) source.CollectorConfig {
	timeout := time.Duration(s.TimeoutSecs) * time.Second
	timeouts := make(map[string]time.Duration)
	for _, spec := range s.List {
		if spec.TimeoutSecs > 0 {
			timeouts[spec.ID] = spec.Timeout(timeout)
		}
	}
	return source.CollectorConfig{
		Concurrency: s.Concurrency,
		Timeout:     timeout,
		Timeouts:    timeouts,
		RatePerSec:  s.RatePerSec,
		Retry:       retry.Resilience(),
	}
}

// RetryConfig configures retry behavior for source fetches.
type RetryConfig struct {
	MaxAttempts        int `yaml:"max_attempts" mapstructure:"max_attempts"`
	AttemptTimeoutSecs int `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	InitialBackoffMs   int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs       int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Resilience converts to a resilience.RetryConfig.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	return resilience.FromRetryConfig(r.MaxAttempts, r.AttemptTimeoutSecs, r.InitialBackoffMs, r.MaxBackoffMs)
}

// MetricsConfig configures run metrics export.
type MetricsConfig struct {
	// TextfilePath is where assemble writes metrics for the node-exporter
	// textfile collector. Empty disables the export.
	TextfilePath string `yaml:"textfile_path" mapstructure:"textfile_path"`
}

// ServerConfig configures the registry API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

var validate = validator.New()

// Validate checks the struct-level constraints. Semantic checks on the
// referenced files happen when they are loaded.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &model.ConfigError{Reason: "invalid configuration", Err: err}
	}
	if _, err := c.Assemble.ParsedHorizons(); err != nil {
		return err
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TRAINSET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "trainset.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("assemble.fields_file", "fields.yaml")
	v.SetDefault("assemble.regimes_file", "regimes.yaml")
	v.SetDefault("assemble.price_field", "price")
	v.SetDefault("assemble.horizons", []string{"1w", "1m", "3m", "6m", "12m"})
	v.SetDefault("assemble.surfaces", []string{"prod", "full"})
	v.SetDefault("assemble.tolerance_days", 3)
	v.SetDefault("assemble.output_dir", "snapshots")
	v.SetDefault("assemble.lookback_days", 365)
	v.SetDefault("assemble.lock_timeout_secs", 30)
	v.SetDefault("sources.concurrency", 4)
	v.SetDefault("sources.timeout_secs", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.attempt_timeout_secs", 30)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("quality.min_rows", 1)
	v.SetDefault("quality.max_null_rate", 0.2)
	v.SetDefault("quality.min_price_coverage", 0.5)
	v.SetDefault("quality.exclude_flagged_from_prod", false)

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
