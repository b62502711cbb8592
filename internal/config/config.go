package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Analysis   AnalysisConfig   `yaml:"analysis" mapstructure:"analysis"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Sources    []SourceConfig   `yaml:"sources" mapstructure:"sources"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig holds settings for the OpenAI-compatible fallback provider.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// LLMConfig configures the gateway shared by every analysis stage.
type LLMConfig struct {
	Primary          string  `yaml:"primary" mapstructure:"primary"`
	Fallback         string  `yaml:"fallback" mapstructure:"fallback"`
	Temperature      float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens        int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries       int     `yaml:"max_retries" mapstructure:"max_retries"`
	BaseBackoffMs    int     `yaml:"base_backoff_ms" mapstructure:"base_backoff_ms"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// PricingConfig holds per-provider pricing rates keyed by model.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    map[string]ModelPricing `yaml:"openai" mapstructure:"openai"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ScrapeConfig holds defaults applied to every source adapter.
type ScrapeConfig struct {
	UserAgent      string `yaml:"user_agent" mapstructure:"user_agent"`
	RequestDelayMs int    `yaml:"request_delay_ms" mapstructure:"request_delay_ms"`
	MaxAttempts    int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoffMs  int    `yaml:"base_backoff_ms" mapstructure:"base_backoff_ms"`
	MaxPages       int    `yaml:"max_pages" mapstructure:"max_pages"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	PdfToTextPath  string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// SchedulerConfig configures the cron dispatcher.
type SchedulerConfig struct {
	Workers         int    `yaml:"workers" mapstructure:"workers"`
	TickSecs        int    `yaml:"tick_secs" mapstructure:"tick_secs"`
	DefaultSchedule string `yaml:"default_schedule" mapstructure:"default_schedule"`
	RunTimeoutMins  int    `yaml:"run_timeout_mins" mapstructure:"run_timeout_mins"`
	AnalyzeAfterRun bool   `yaml:"analyze_after_run" mapstructure:"analyze_after_run"`
}

// AnalysisConfig configures the analysis pipeline.
type AnalysisConfig struct {
	ClassificationThreshold float64 `yaml:"classification_threshold" mapstructure:"classification_threshold"`
	RepairAttempts          int     `yaml:"repair_attempts" mapstructure:"repair_attempts"`
	PromptVersion           string  `yaml:"prompt_version" mapstructure:"prompt_version"`
	BatchSize               int     `yaml:"batch_size" mapstructure:"batch_size"`
	Workers                 int     `yaml:"workers" mapstructure:"workers"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	Enabled           bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleAfterHours   int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	CostThresholdUSD  float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL        string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SourceConfig describes one external site. Zero values fall back to the
// scrape defaults.
type SourceConfig struct {
	Code           string            `yaml:"code" mapstructure:"code"`
	Name           string            `yaml:"name" mapstructure:"name"`
	Country        string            `yaml:"country" mapstructure:"country"`
	Region         string            `yaml:"region" mapstructure:"region"`
	BaseURL        string            `yaml:"base_url" mapstructure:"base_url"`
	Scraper        string            `yaml:"scraper" mapstructure:"scraper"`
	Schedule       string            `yaml:"schedule" mapstructure:"schedule"`
	Inactive       bool              `yaml:"inactive" mapstructure:"inactive"`
	MaxPages       int               `yaml:"max_pages" mapstructure:"max_pages"`
	RequestDelayMs int               `yaml:"request_delay_ms" mapstructure:"request_delay_ms"`
	Keywords       []string          `yaml:"keywords" mapstructure:"keywords"`
	Categories     []string          `yaml:"categories" mapstructure:"categories"`
	Selectors      map[string]string `yaml:"selectors" mapstructure:"selectors"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SAFETY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "safety-monitor.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("llm.primary", "claude")
	v.SetDefault("llm.fallback", "openai")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout_secs", 120)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.base_backoff_ms", 1000)
	v.SetDefault("llm.breaker_threshold", 5)
	v.SetDefault("llm.breaker_reset_secs", 60)
	v.SetDefault("scrape.user_agent", "PatientSafetyMonitor/1.0 (+research; contact via site)")
	v.SetDefault("scrape.request_delay_ms", 2000)
	v.SetDefault("scrape.max_attempts", 3)
	v.SetDefault("scrape.base_backoff_ms", 1000)
	v.SetDefault("scrape.max_pages", 10)
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("scrape.max_body_bytes", 20<<20)
	v.SetDefault("scrape.pdftotext_path", "pdftotext")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.tick_secs", 30)
	v.SetDefault("scheduler.default_schedule", "0 6 * * *")
	v.SetDefault("scheduler.run_timeout_mins", 60)
	v.SetDefault("analysis.classification_threshold", 0.7)
	v.SetDefault("analysis.repair_attempts", 3)
	v.SetDefault("analysis.prompt_version", "1.0.0")
	v.SetDefault("analysis.batch_size", 20)
	v.SetDefault("analysis.workers", 2)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_after_hours", 48)

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

// sourceFile is the layout of a standalone source seed file.
type sourceFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSourceFile reads a YAML seed file of source definitions.
func LoadSourceFile(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read source file %s", path)
	}

	var f sourceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "config: parse source file %s", path)
	}

	seen := make(map[string]bool, len(f.Sources))
	for i, s := range f.Sources {
		if s.Code == "" {
			return nil, eris.Errorf("config: source %d has no code", i)
		}
		if seen[s.Code] {
			return nil, eris.Errorf("config: duplicate source code %q", s.Code)
		}
		seen[s.Code] = true
	}

	return f.Sources, nil
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
