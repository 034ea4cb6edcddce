package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Dhoini/license-service/internal/domain"
	"github.com/Dhoini/license-service/internal/ratelimit"
	"github.com/Dhoini/license-service/internal/service"
	"github.com/Dhoini/license-service/internal/tier"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LICENSE"

// PriceTier соответствие цены Stripe тарифу. Списком, а не map:
// viper приводит ключи map к нижнему регистру, а id цен регистрозависимы.
type PriceTier struct {
	PriceID string `mapstructure:"price_id" validate:"required"`
	Tier    string `mapstructure:"tier" validate:"required"`
	Mode    string `mapstructure:"mode" validate:"omitempty,oneof=one_time recurring"`
}

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port            string        `mapstructure:"port" validate:"required"`
		Env             string        `mapstructure:"env"`
		LogLevel        string        `mapstructure:"log_level"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		CORSOrigins     []string      `mapstructure:"cors_origins"`
	} `mapstructure:"app"`
	GRPC struct {
		Port       string `mapstructure:"port"`
		Reflection bool   `mapstructure:"reflection"`
	} `mapstructure:"grpc"`
	Store struct {
		Backend string        `mapstructure:"backend" validate:"oneof=postgres memory"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"store"`
	Database struct {
		DSN             string        `mapstructure:"dsn"`
		MaxConns        int32         `mapstructure:"max_conns"`
		MinConns        int32         `mapstructure:"min_conns"`
		MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
		MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
		AutoMigrate     bool          `mapstructure:"auto_migrate"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers          []string `mapstructure:"brokers"`
		ClientID         string   `mapstructure:"client_id"`
		RevocationTopic  string   `mapstructure:"revocation_topic"`
		EntitlementTopic string   `mapstructure:"entitlement_topic"`
	} `mapstructure:"kafka"`
	Stripe struct {
		APIKey        string        `mapstructure:"api_key"`
		WebhookSecret string        `mapstructure:"webhook_secret"`
		Prices        []PriceTier   `mapstructure:"prices" validate:"dive"`
		SuccessURL    string        `mapstructure:"success_url" validate:"omitempty,url"`
		CancelURL     string        `mapstructure:"cancel_url" validate:"omitempty,url"`
		Timeout       time.Duration `mapstructure:"timeout"`
		MaxRetries    int           `mapstructure:"max_retries"`
	} `mapstructure:"stripe"`
	Auth struct {
		IdentitySecret string        `mapstructure:"identity_secret"`
		JWKSURL        string        `mapstructure:"jwks_url" validate:"omitempty,url"`
		Issuer         string        `mapstructure:"issuer"`
		Audience       string        `mapstructure:"audience"`
		Leeway         time.Duration `mapstructure:"leeway"`
		AdminScope     string        `mapstructure:"admin_scope"`
	} `mapstructure:"auth"`
	License struct {
		SigningKey     string                  `mapstructure:"signing_key" validate:"min=32"`
		TokenTTL       time.Duration           `mapstructure:"token_ttl"`
		Issuer         string                  `mapstructure:"issuer"`
		TrialPeriod    time.Duration           `mapstructure:"trial_period"`
		FingerprintKey string                  `mapstructure:"fingerprint_key" validate:"min=16,max=64"`
		URLs           service.RemediationURLs `mapstructure:"urls"`
	} `mapstructure:"license"`
	RateLimits map[string]ratelimit.Rule `mapstructure:"rate_limits"`
	Tiers      map[string]tier.Config    `mapstructure:"tiers"`
	Scheduler  struct {
		Enabled        bool          `mapstructure:"enabled"`
		TrialSweepSpec string        `mapstructure:"trial_sweep_spec"`
		CleanupSpec    string        `mapstructure:"cleanup_spec"`
		MetricsSpec    string        `mapstructure:"metrics_spec"`
		LockTTL        time.Duration `mapstructure:"lock_ttl"`
		JobTimeout     time.Duration `mapstructure:"job_timeout"`
	} `mapstructure:"scheduler"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.read_timeout", 15*time.Second)
	v.SetDefault("app.write_timeout", 15*time.Second)
	v.SetDefault("app.shutdown_timeout", 30*time.Second)
	v.SetDefault("app.cors_origins", []string{})

	v.SetDefault("grpc.port", "50051")
	v.SetDefault("grpc.reflection", false)

	v.SetDefault("store.backend", "postgres")
	v.SetDefault("store.timeout", 3*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "license-service")
	v.SetDefault("kafka.revocation_topic", "license.sessions.revoke")
	v.SetDefault("kafka.entitlement_topic", "license.entitlements")

	v.SetDefault("stripe.api_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.timeout", 10*time.Second)
	v.SetDefault("stripe.max_retries", 3)
	v.SetDefault("stripe.success_url", "")
	v.SetDefault("stripe.cancel_url", "")

	v.SetDefault("auth.identity_secret", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.leeway", 30*time.Second)
	v.SetDefault("auth.admin_scope", "license:admin")

	v.SetDefault("license.signing_key", "")
	v.SetDefault("license.token_ttl", 24*time.Hour)
	v.SetDefault("license.issuer", "license-service")
	v.SetDefault("license.trial_period", 14*24*time.Hour)
	v.SetDefault("license.fingerprint_key", "")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.trial_sweep_spec", "0 * * * * *")
	v.SetDefault("scheduler.cleanup_spec", "30 */5 * * * *")
	v.SetDefault("scheduler.metrics_spec", "*/15 * * * * *")
	v.SetDefault("scheduler.lock_ttl", 50*time.Second)
	v.SetDefault("scheduler.job_timeout", 45*time.Second)
}

// LoadConfig загружает конфигурацию из файла и переменных окружения.
// Переменные имеют префикс LICENSE_, точка в ключе заменяется на "_".
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // Чтение переменных окружения

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// действия без правила в файле получают значения по умолчанию
	if cfg.RateLimits == nil {
		cfg.RateLimits = make(map[string]ratelimit.Rule)
	}
	for action, rule := range ratelimit.DefaultRules() {
		if _, ok := cfg.RateLimits[action]; !ok {
			cfg.RateLimits[action] = rule
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения и связи между секциями
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Backend == "postgres" && c.Database.DSN == "" {
		return errors.New("invalid config: database.dsn is required for the postgres store")
	}
	if c.Auth.IdentitySecret == "" && c.Auth.JWKSURL == "" {
		return errors.New("invalid config: auth.identity_secret or auth.jwks_url is required")
	}
	for _, p := range c.Stripe.Prices {
		if _, err := domain.ParseTier(p.Tier); err != nil {
			return fmt.Errorf("invalid config: stripe price %s: %w", p.PriceID, err)
		}
	}
	for action, rule := range c.RateLimits {
		if rule.MaxRequests <= 0 || rule.Window <= 0 {
			return fmt.Errorf("invalid config: rate limit %s must have positive max_requests and window", action)
		}
	}
	return nil
}

// IsProduction сообщает, что сервис запущен в production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
