package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the whole service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Business   BusinessConfig   `mapstructure:"business"`
	Generation GenerationConfig `mapstructure:"generation"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Stripe     StripeConfig     `mapstructure:"stripe"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	Mode   string `mapstructure:"mode"`
	NodeID int64  `mapstructure:"node_id"`

	// AdminToken guards /api/v1/admin; the routes are not mounted when empty.
	AdminToken string `mapstructure:"admin_token"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite | mysql | postgres
	DSN          string `mapstructure:"dsn"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	CreditEvents     string `mapstructure:"credit_events"`
	GenerationEvents string `mapstructure:"generation_events"`
}

type BusinessConfig struct {
	GenerationCost         int64 `mapstructure:"generation_cost"`
	FreeTrialCredits       int64 `mapstructure:"free_trial_credits"`
	StuckJobTimeoutMinutes int   `mapstructure:"stuck_job_timeout_minutes"`
	SweepIntervalSeconds   int   `mapstructure:"sweep_interval_seconds"`
	QueuePollSeconds       int   `mapstructure:"queue_poll_seconds"`
	DedupWindowMinutes     int   `mapstructure:"dedup_window_minutes"`
	MaxRetryCount          int   `mapstructure:"max_retry_count"`
	OldJobRetentionDays    int   `mapstructure:"old_job_retention_days"`
}

func (b BusinessConfig) StuckJobTimeout() time.Duration {
	return time.Duration(b.StuckJobTimeoutMinutes) * time.Minute
}

type GenerationConfig struct {
	MaxFileSize            int64    `mapstructure:"max_file_size"`
	MaxStandingPhotos      int      `mapstructure:"max_standing_photos"`
	AllowedTypes           []string `mapstructure:"allowed_types"`
	ProviderTimeoutSeconds int      `mapstructure:"provider_timeout_seconds"`
}

func (g GenerationConfig) ProviderTimeout() time.Duration {
	return time.Duration(g.ProviderTimeoutSeconds) * time.Second
}

type ProviderConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Endpoint   string `mapstructure:"endpoint"`
	APIVersion string `mapstructure:"api_version"`
	Prompt     string `mapstructure:"prompt"`
}

type StorageConfig struct {
	Dir     string `mapstructure:"dir"`
	BaseURL string `mapstructure:"base_url"`
}

type StripeConfig struct {
	SecretKey        string                `mapstructure:"secret_key"`
	WebhookSecret    string                `mapstructure:"webhook_secret"`
	ToleranceSeconds int                   `mapstructure:"tolerance_seconds"`
	SuccessURL       string                `mapstructure:"success_url"`
	CancelURL        string                `mapstructure:"cancel_url"`
	Currency         string                `mapstructure:"currency"`
	Plans            map[string]PlanConfig `mapstructure:"plans"`
}

type PlanConfig struct {
	Name       string `mapstructure:"name"`
	Credits    int64  `mapstructure:"credits"`
	PriceCents int64  `mapstructure:"price_cents"`
}

type RateLimitConfig struct {
	Backend    string      `mapstructure:"backend"` // sql | redis
	Generation LimitConfig `mapstructure:"generation"`
	IP         LimitConfig `mapstructure:"ip"`
	Checkout   LimitConfig `mapstructure:"checkout"`
}

type LimitConfig struct {
	Limit         int64 `mapstructure:"limit"`
	WindowSeconds int64 `mapstructure:"window_seconds"`
}

func (l LimitConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.node_id", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "picfit.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.topic.credit_events", "picfit.credit_events")
	v.SetDefault("kafka.topic.generation_events", "picfit.generation_events")

	v.SetDefault("business.generation_cost", 1)
	v.SetDefault("business.free_trial_credits", 1)
	v.SetDefault("business.stuck_job_timeout_minutes", 10)
	v.SetDefault("business.sweep_interval_seconds", 60)
	v.SetDefault("business.queue_poll_seconds", 5)
	v.SetDefault("business.dedup_window_minutes", 5)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.old_job_retention_days", 7)

	v.SetDefault("generation.max_file_size", 10*1024*1024)
	v.SetDefault("generation.max_standing_photos", 5)
	v.SetDefault("generation.allowed_types", []string{"image/jpeg", "image/jpg", "image/png", "image/webp"})
	v.SetDefault("generation.provider_timeout_seconds", 120)

	v.SetDefault("provider.model", "gemini-2.5-flash-image-preview")
	v.SetDefault("provider.endpoint", "https://generativelanguage.googleapis.com/")
	v.SetDefault("provider.api_version", "v1beta")

	v.SetDefault("storage.dir", "data/generated")
	v.SetDefault("storage.base_url", "/generated")

	v.SetDefault("stripe.tolerance_seconds", 300)
	v.SetDefault("stripe.currency", "usd")
	v.SetDefault("stripe.plans", map[string]interface{}{
		"starter": map[string]interface{}{"name": "Starter", "credits": 10, "price_cents": 900},
		"popular": map[string]interface{}{"name": "Popular", "credits": 50, "price_cents": 2900},
		"pro":     map[string]interface{}{"name": "Pro", "credits": 250, "price_cents": 9900},
	})

	v.SetDefault("ratelimit.backend", "sql")
	v.SetDefault("ratelimit.generation.limit", 5)
	v.SetDefault("ratelimit.generation.window_seconds", 300)
	v.SetDefault("ratelimit.ip.limit", 100)
	v.SetDefault("ratelimit.ip.window_seconds", 3600)
	v.SetDefault("ratelimit.checkout.limit", 10)
	v.SetDefault("ratelimit.checkout.window_seconds", 3600)
}

// LoadConfig reads an optional .env file, then the YAML file at configPath
// (skipped when empty or missing), then PICFIT_* environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PICFIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("read config %s: %w", configPath, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.RateLimit.Backend {
	case "sql":
	case "redis":
		if !c.Redis.Enabled {
			return errors.New("ratelimit.backend=redis requires redis.enabled")
		}
	default:
		return fmt.Errorf("unsupported ratelimit backend %q", c.RateLimit.Backend)
	}
	if c.Business.GenerationCost <= 0 {
		return errors.New("business.generation_cost must be positive")
	}
	if c.Business.StuckJobTimeoutMinutes <= 0 {
		return errors.New("business.stuck_job_timeout_minutes must be positive")
	}
	if c.Generation.ProviderTimeoutSeconds <= 0 {
		return errors.New("generation.provider_timeout_seconds must be positive")
	}
	if c.Generation.MaxStandingPhotos <= 0 {
		return errors.New("generation.max_standing_photos must be positive")
	}
	return nil
}
