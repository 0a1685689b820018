// Package config handles application configuration loading and
// validation: viper defaults, an optional config file, a DIGEST_ env
// prefix, bare-name environment overrides for secrets, and
// go-playground/validator struct tags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var configFile string

// SetConfigFile sets an explicit config file path, bypassing the
// default search paths.
func SetConfigFile(path string) {
	configFile = path
}

// Config holds the complete process configuration, read once at
// startup.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Email     EmailConfig     `mapstructure:"email" validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Sweep     SweepConfig     `mapstructure:"sweep" validate:"required"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	LogLevel  string          `mapstructure:"log_level"`
}

// DatabaseConfig configures the Postgres repository.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required"`
	MaxConnections  int           `mapstructure:"max_connections" validate:"min=1,max=100"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig configures the cache / rate-limit backend.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// EmailConfig configures the outbound SMTP sender and dispatcher.
type EmailConfig struct {
	SenderEmail        string        `mapstructure:"sender_email" validate:"required,email"`
	SenderName         string        `mapstructure:"sender_name"`
	SMTP               SMTPConfig    `mapstructure:"smtp" validate:"required"`
	ProviderAPIKey     string        `mapstructure:"provider_api_key"`
	ProviderBaseURL    string        `mapstructure:"provider_base_url"`
	TemplateID         string        `mapstructure:"template_id"`
	UnsubscribeBaseURL string        `mapstructure:"unsubscribe_base_url"`
	AppBaseURL         string        `mapstructure:"app_base_url"`
	SecretKey          string        `mapstructure:"secret_key"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second"`
}

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host     string `mapstructure:"host" validate:"required_if=Enabled true"`
	Port     int    `mapstructure:"port" validate:"required_if=Enabled true,min=1,max=65535"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLS      bool   `mapstructure:"tls"`
	Enabled  bool   `mapstructure:"enabled"`
}

// LLMConfig configures the Summary Enricher's LLM capability.
type LLMConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WebhookConfig configures inbound delivery-event ingestion.
type WebhookConfig struct {
	Secret          string `mapstructure:"secret"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
}

// SweepConfig configures the orchestrator's batching and pacing.
type SweepConfig struct {
	Schedule       string        `mapstructure:"schedule"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0"`
	DryRun         bool          `mapstructure:"dry_run"`
	CronSecret     string        `mapstructure:"cron_secret"`
	InterBatchWait time.Duration `mapstructure:"inter_batch_wait"`
	PerUserWait    time.Duration `mapstructure:"per_user_wait"`
	WeekStartDay   int           `mapstructure:"week_start_day" validate:"min=0,max=6"`
}

// TelemetryConfig configures metrics and tracing export.
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// MetricsConfig configures the Prometheus registry and scrape port.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// TracingConfig configures the otel trace provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Load loads configuration from file, environment variables, and
// defaults, in that precedence order (env wins), then validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/app/")
		v.AddConfigPath("/etc/digestd/")
		v.AddConfigPath("$HOME/.digestd/")
	}

	v.SetEnvPrefix("DIGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: config file issue: %v\n", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg = overrideFromEnv(cfg)

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle_time", "30m")

	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("email.sender_name", "Quest Weekly Digest")
	v.SetDefault("email.smtp.enabled", true)
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.tls", true)
	v.SetDefault("email.send_timeout", "30s")
	v.SetDefault("email.retry_attempts", 3)
	v.SetDefault("email.retry_delay", "5s")
	v.SetDefault("email.rate_limit_per_second", 10.0)

	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.model", "claude-3-5-haiku-latest")
	v.SetDefault("llm.timeout", "30s")

	v.SetDefault("webhook.rate_limit_per_min", 120)

	v.SetDefault("sweep.schedule", "0 */15 * * * *")
	v.SetDefault("sweep.batch_size", 50)
	v.SetDefault("sweep.max_retries", 3)
	v.SetDefault("sweep.dry_run", false)
	v.SetDefault("sweep.inter_batch_wait", "1s")
	v.SetDefault("sweep.per_user_wait", "500ms")
	v.SetDefault("sweep.week_start_day", 0) // Monday

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.port", 9090)
	v.SetDefault("telemetry.tracing.enabled", false)
	v.SetDefault("telemetry.tracing.service_name", "digestd")
	v.SetDefault("telemetry.tracing.sample_rate", 0.1)

	v.SetDefault("log_level", "info")
}

// overrideFromEnv applies sensitive values from well-known bare
// environment variable names before validation, so platform-injected
// secrets work without a DIGEST_ prefix.
func overrideFromEnv(cfg Config) Config {
	if url := os.Getenv("DIGEST_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	} else if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	if url := os.Getenv("DIGEST_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	} else if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}

	if v := os.Getenv("SENDER_EMAIL"); v != "" {
		cfg.Email.SenderEmail = v
	}
	if v := os.Getenv("SENDER_NAME"); v != "" {
		cfg.Email.SenderName = v
	}
	if v := os.Getenv("UNSUBSCRIBE_BASE_URL"); v != "" {
		cfg.Email.UnsubscribeBaseURL = v
	}
	if v := os.Getenv("APP_BASE_URL"); v != "" {
		cfg.Email.AppBaseURL = v
	}
	if v := os.Getenv("EMAIL_PROVIDER_API_KEY"); v != "" {
		cfg.Email.ProviderAPIKey = v
	}
	if v := os.Getenv("EMAIL_TEMPLATE_ID"); v != "" {
		cfg.Email.TemplateID = v
	}
	if v := os.Getenv("DIGEST_SMTP_PASSWORD"); v != "" {
		cfg.Email.SMTP.Password = v
	}

	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}

	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		cfg.Sweep.CronSecret = v
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Sweep.MaxRetries = n
		}
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := parseInt(v); err == nil {
			cfg.Sweep.BatchSize = n
		}
	}
	if v := os.Getenv("SWEEP_DRY_RUN"); v != "" {
		cfg.Sweep.DryRun = v == "true" || v == "1"
	}

	return cfg
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
