package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/fundsync/internal/ratelimit"
	"github.com/sells-group/fundsync/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Portal       PortalConfig       `yaml:"portal" mapstructure:"portal"`
	Limiter      ratelimit.Config   `yaml:"limiter" mapstructure:"limiter"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Circuit      CircuitConfig      `yaml:"circuit" mapstructure:"circuit"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Taxonomy     TaxonomyConfig     `yaml:"taxonomy" mapstructure:"taxonomy"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Schedule     ScheduleConfig     `yaml:"schedule" mapstructure:"schedule"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// PortalConfig configures the disclosure portal client.
type PortalConfig struct {
	SearchURL           string `yaml:"search_url" mapstructure:"search_url"`
	DownloadURLTemplate string `yaml:"download_url_template" mapstructure:"download_url_template"`
	UserAgent           string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs         int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PageSize            int    `yaml:"page_size" mapstructure:"page_size"`
	MaxPages            int    `yaml:"max_pages" mapstructure:"max_pages"`
	PageDelayMs         int    `yaml:"page_delay_ms" mapstructure:"page_delay_ms"`
	DownloadDir         string `yaml:"download_dir" mapstructure:"download_dir"`
	// AdaptiveRate enables the per-host limiter that backs off on 429.
	AdaptiveRate float64 `yaml:"adaptive_rate" mapstructure:"adaptive_rate"`
}

// RetryConfig configures the backoff policy for portal requests.
type RetryConfig struct {
	Strategy         string  `yaml:"strategy" mapstructure:"strategy"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-destination circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// OrchestratorConfig configures batch execution.
type OrchestratorConfig struct {
	Concurrency        int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxConcurrency     int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	ChainTimeoutSecs   int `yaml:"chain_timeout_secs" mapstructure:"chain_timeout_secs"`
	RetentionMinutes   int `yaml:"retention_minutes" mapstructure:"retention_minutes"`
	DLQMaxRetries      int `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
	WaitTimeoutMinutes int `yaml:"wait_timeout_minutes" mapstructure:"wait_timeout_minutes"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// TaxonomyConfig points at the local label linkbase directory.
type TaxonomyConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// AnthropicConfig holds Anthropic API settings for the basic-info fallback.
type AnthropicConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	Model         string `yaml:"model" mapstructure:"model"`
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	MaxInputRunes int    `yaml:"max_input_runes" mapstructure:"max_input_runes"`
}

// ServerConfig configures the batch API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// ScheduleConfig configures recurring harvests.
type ScheduleConfig struct {
	Cron       string `yaml:"cron" mapstructure:"cron"`
	ReportType string `yaml:"report_type" mapstructure:"report_type"`
	FundType   string `yaml:"fund_type" mapstructure:"fund_type"`
	// YearOffset is subtracted from the current year at each run.
	YearOffset int `yaml:"year_offset" mapstructure:"year_offset"`
}

// MonitoringConfig configures batch and queue alerts. Alerts are only sent
// when WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() resilience.RetryConfig {
	r := c.Retry
	return resilience.FromRetryConfig(r.Strategy, r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction)
}

// CircuitPolicy converts the circuit section.
func (c *Config) CircuitPolicy() resilience.CircuitBreakerConfig {
	return resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs)
}

// ChainTimeout returns the per-chain deadline.
func (c *Config) ChainTimeout() time.Duration {
	return time.Duration(c.Orchestrator.ChainTimeoutSecs) * time.Second
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FUNDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("portal.search_url", "http://eid.csrc.gov.cn/fund/disclose/advanced_search_report.do")
	v.SetDefault("portal.download_url_template", "http://eid.csrc.gov.cn/fund/disclose/instance_show_xbrl.do?instanceid={id}")
	v.SetDefault("portal.user_agent", "fundsync/1.0")
	v.SetDefault("portal.timeout_secs", 30)
	v.SetDefault("portal.page_size", 20)
	v.SetDefault("portal.max_pages", 50)
	v.SetDefault("portal.page_delay_ms", 500)
	v.SetDefault("portal.download_dir", "./downloads")
	v.SetDefault("limiter.strategy", string(ratelimit.StrategyTokenBucket))
	v.SetDefault("limiter.rate", 2.0)
	v.SetDefault("limiter.capacity", 3)
	v.SetDefault("limiter.max_queue", 16)
	v.SetDefault("limiter.limit", 60)
	v.SetDefault("limiter.window", time.Minute)
	v.SetDefault("limiter.strict", false)
	v.SetDefault("retry.strategy", string(resilience.BackoffExponentialJitter))
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("orchestrator.concurrency", 3)
	v.SetDefault("orchestrator.max_concurrency", 16)
	v.SetDefault("orchestrator.chain_timeout_secs", 300)
	v.SetDefault("orchestrator.retention_minutes", 60)
	v.SetDefault("orchestrator.dlq_max_retries", 3)
	v.SetDefault("orchestrator.wait_timeout_minutes", 120)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "fundsync.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("taxonomy.dir", "./taxonomy")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_input_runes", 12000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("schedule.cron", "0 6 * * *")
	v.SetDefault("schedule.report_type", "annual")
	v.SetDefault("schedule.year_offset", 1)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.dlq_depth_threshold", 100)
	v.SetDefault("monitoring.check_interval_secs", 300)
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

// Validate checks the settings a command mode depends on. Modes: "harvest",
// "serve", "schedule", "parse". Every problem is reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string
	need := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	if _, err := ratelimit.New(c.Limiter); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := resilience.ParseBackoffStrategy(c.Retry.Strategy); err != nil {
		errs = append(errs, err.Error())
	}
	need(c.Orchestrator.Concurrency >= 0 && c.Orchestrator.Concurrency <= 16, "orchestrator.concurrency must be between 0 and 16")

	if mode != "parse" {
		need(strings.Contains(c.Portal.DownloadURLTemplate, "{id}"), "portal.download_url_template must contain {id}")
		switch c.Store.Driver {
		case "postgres":
			need(c.Store.DatabaseURL != "", "store.database_url is required for the postgres driver")
		case "sqlite":
			need(c.Store.SQLitePath != "", "store.sqlite_path is required for the sqlite driver")
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}
	if c.Anthropic.Enabled {
		need(c.Anthropic.Key != "", "anthropic.key is required when anthropic.enabled is set")
	}

	switch mode {
	case "serve":
		need(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	case "schedule":
		need(c.Schedule.Cron != "", "schedule.cron is required")
	}

	if len(errs) > 0 {
		return eris.Wrap(errors.New(strings.Join(errs, "; ")), "config: invalid")
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
