package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	// AllowedOrigins feeds the CORS middleware; "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type PGConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	Secret       string        `mapstructure:"secret"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
	SecureCookie bool          `mapstructure:"secure_cookie"`
	// BootstrapEmail/BootstrapPassword seed an in-memory admin when no
	// database is configured.
	BootstrapEmail    string `mapstructure:"bootstrap_email"`
	BootstrapPassword string `mapstructure:"bootstrap_password"`
}

type StripeConfig struct {
	SecretKey     string        `mapstructure:"secret_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Currency      string        `mapstructure:"currency"`
	Timeout       time.Duration `mapstructure:"timeout"`
	APIURL        string        `mapstructure:"api_url"`
}

type StorageConfig struct {
	URL        string        `mapstructure:"url"`
	ServiceKey string        `mapstructure:"service_key"`
	Bucket     string        `mapstructure:"bucket"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// LocalDir is used when URL is empty.
	LocalDir string `mapstructure:"local_dir"`
}

type DownloadConfig struct {
	URLTTL time.Duration `mapstructure:"url_ttl"`
}

type PublicConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type RateConfig struct {
	PerSec float64 `mapstructure:"per_sec"`
	Burst  int     `mapstructure:"burst"`
}

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	PG       PGConfig       `mapstructure:"pg"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Download DownloadConfig `mapstructure:"download"`
	Public   PublicConfig   `mapstructure:"public"`
	Rate     RateConfig     `mapstructure:"rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("pg.dsn", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.session_ttl", 7*24*time.Hour)
	v.SetDefault("auth.secure_cookie", true)
	v.SetDefault("auth.bootstrap_email", "")
	v.SetDefault("auth.bootstrap_password", "")
	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.currency", "usd")
	v.SetDefault("stripe.timeout", 10*time.Second)
	v.SetDefault("stripe.api_url", "")
	v.SetDefault("storage.url", "")
	v.SetDefault("storage.service_key", "")
	v.SetDefault("storage.bucket", "posters")
	v.SetDefault("storage.timeout", 10*time.Second)
	v.SetDefault("storage.local_dir", "./data/files")
	v.SetDefault("download.url_ttl", time.Hour)
	v.SetDefault("public.base_url", "http://localhost:8080")
	v.SetDefault("rate.per_sec", 10.0)
	v.SetDefault("rate.burst", 20)
}

// Load reads an optional YAML file and applies POSTERSTORE_* environment
// overrides, e.g. POSTERSTORE_PG_DSN or POSTERSTORE_STRIPE_SECRET_KEY.
// An empty path looks for ./config.yaml and tolerates its absence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("POSTERSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("stripe.secret_key is required"))
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("stripe.webhook_secret is required"))
	}
	if c.Storage.URL != "" && (c.Storage.ServiceKey == "" || c.Storage.Bucket == "") {
		errs = append(errs, errors.New("storage.service_key and storage.bucket are required with storage.url"))
	}
	if c.Storage.URL == "" && c.Storage.LocalDir == "" {
		errs = append(errs, errors.New("storage.url or storage.local_dir is required"))
	}
	if c.Download.URLTTL <= 0 {
		errs = append(errs, errors.New("download.url_ttl must be positive"))
	}
	if c.Rate.PerSec <= 0 || c.Rate.Burst <= 0 {
		errs = append(errs, errors.New("rate.per_sec and rate.burst must be positive"))
	}
	return errors.Join(errs...)
}

// UsesSupabase reports whether files live in the hosted bucket rather than
// on local disk.
func (c *Config) UsesSupabase() bool { return c.Storage.URL != "" }
