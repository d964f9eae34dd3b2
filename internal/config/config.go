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
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Snapshot     SnapshotConfig     `yaml:"snapshot" mapstructure:"snapshot"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Admission    AdmissionConfig    `yaml:"admission" mapstructure:"admission"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres | memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SnapshotConfig configures the tabular snapshot source.
type SnapshotConfig struct {
	Dir         string `yaml:"dir" mapstructure:"dir"`
	Format      string `yaml:"format" mapstructure:"format"` // csv | xlsx
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

// OrchestratorConfig configures run execution.
type OrchestratorConfig struct {
	Concurrency          int `yaml:"concurrency" mapstructure:"concurrency"`
	ScopeParallelism     int `yaml:"scope_parallelism" mapstructure:"scope_parallelism"`
	MaxScopes            int `yaml:"max_scopes" mapstructure:"max_scopes"`
	AnalyzerTimeoutSecs  int `yaml:"analyzer_timeout_secs" mapstructure:"analyzer_timeout_secs"`
	EnrichTimeoutSecs    int `yaml:"enrich_timeout_secs" mapstructure:"enrich_timeout_secs"`
	ShutdownGraceSecs    int `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`
	TopDriversPerBrief   int `yaml:"top_drivers_per_brief" mapstructure:"top_drivers_per_brief"`
	HotspotsPerPortfolio int `yaml:"hotspots_per_portfolio" mapstructure:"hotspots_per_portfolio"`
}

// AnalyzerTimeout returns the per-analyzer deadline.
func (c OrchestratorConfig) AnalyzerTimeout() time.Duration {
	return time.Duration(c.AnalyzerTimeoutSecs) * time.Second
}

// EnrichTimeout returns the deadline for the optional narrative step.
func (c OrchestratorConfig) EnrichTimeout() time.Duration {
	return time.Duration(c.EnrichTimeoutSecs) * time.Second
}

// AdmissionConfig configures run admission.
type AdmissionConfig struct {
	QueueCeiling      int `yaml:"queue_ceiling" mapstructure:"queue_ceiling"`
	RateLimitRequests int `yaml:"rate_limit_requests" mapstructure:"rate_limit_requests"`
	RateLimitWindow   int `yaml:"rate_limit_window_secs" mapstructure:"rate_limit_window_secs"`
}

// RateWindow returns the per-caller rate limit window.
func (c AdmissionConfig) RateWindow() time.Duration {
	return time.Duration(c.RateLimitWindow) * time.Second
}

// AnthropicConfig holds settings for the optional narrative enrichment step.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	APIKey         string   `yaml:"api_key" mapstructure:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("RCA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "rca.db")
	v.SetDefault("snapshot.dir", "data")
	v.SetDefault("snapshot.format", "csv")
	v.SetDefault("orchestrator.concurrency", 4)
	v.SetDefault("orchestrator.scope_parallelism", 2)
	v.SetDefault("orchestrator.max_scopes", 200)
	v.SetDefault("orchestrator.analyzer_timeout_secs", 20)
	v.SetDefault("orchestrator.enrich_timeout_secs", 30)
	v.SetDefault("orchestrator.shutdown_grace_secs", 10)
	v.SetDefault("orchestrator.top_drivers_per_brief", 3)
	v.SetDefault("orchestrator.hotspots_per_portfolio", 5)
	v.SetDefault("admission.queue_ceiling", 32)
	v.SetDefault("admission.rate_limit_requests", 30)
	v.SetDefault("admission.rate_limit_window_secs", 60)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
