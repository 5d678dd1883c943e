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
	Firecrawl FirecrawlConfig `yaml:"firecrawl" mapstructure:"firecrawl"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`
}

// PipelineConfig tunes the discovery stages.
type PipelineConfig struct {
	ScoreThreshold     int    `yaml:"score_threshold" mapstructure:"score_threshold"`
	ScoreBatchSize     int    `yaml:"score_batch_size" mapstructure:"score_batch_size"`
	SearchLimit        int    `yaml:"search_limit" mapstructure:"search_limit"`
	CacheTTLHours      int    `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	SampleLimit        int    `yaml:"sample_limit" mapstructure:"sample_limit"`
	TrustListPath      string `yaml:"trust_list_path" mapstructure:"trust_list_path"`
	DiscoverDelaySecs  int    `yaml:"discover_delay_secs" mapstructure:"discover_delay_secs"`
	ScoreDelaySecs     int    `yaml:"score_delay_secs" mapstructure:"score_delay_secs"`
	EnrichDelaySecs    int    `yaml:"enrich_delay_secs" mapstructure:"enrich_delay_secs"`
	CacheSweepInterval int    `yaml:"cache_sweep_interval_mins" mapstructure:"cache_sweep_interval_mins"`
}

// WorkerConfig configures the task worker pool.
type WorkerConfig struct {
	Count            int `yaml:"count" mapstructure:"count"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	LeaseMins        int `yaml:"lease_mins" mapstructure:"lease_mins"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
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

// Validate checks the settings required to run the pipeline. Read-only
// commands (status, migrate) skip it.
func (c *Config) Validate() error {
	if c.Anthropic.Key == "" {
		return eris.New("config: anthropic key is required (DATAFINDER_ANTHROPIC_KEY)")
	}
	if c.Firecrawl.Key == "" {
		return eris.New("config: firecrawl key is required (DATAFINDER_FIRECRAWL_KEY)")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return eris.New("config: database URL is required (DATAFINDER_STORE_DATABASE_URL)")
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
	v.SetEnvPrefix("DATAFINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")
	v.SetDefault("firecrawl.rate_limit_rps", 2.0)
	v.SetDefault("firecrawl.rate_limit_burst", 5)
	v.SetDefault("pipeline.score_threshold", 70)
	v.SetDefault("pipeline.score_batch_size", 5)
	v.SetDefault("pipeline.search_limit", 10)
	v.SetDefault("pipeline.cache_ttl_hours", 24)
	v.SetDefault("pipeline.sample_limit", 5000)
	v.SetDefault("pipeline.discover_delay_secs", 5)
	v.SetDefault("pipeline.score_delay_secs", 10)
	v.SetDefault("pipeline.enrich_delay_secs", 15)
	v.SetDefault("pipeline.cache_sweep_interval_mins", 60)
	v.SetDefault("worker.count", 5)
	v.SetDefault("worker.poll_interval_secs", 1)
	v.SetDefault("worker.lease_mins", 5)
	v.SetDefault("worker.max_attempts", 3)

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
