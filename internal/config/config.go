// Package config loads and validates enricher configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Sternrassler/contact-enricher/pkg/ratelimit"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ENRICHER_HTTP_TIMEOUT=10s.
const EnvPrefix = "ENRICHER"

// ErrNoCredentials is returned when no API credential is configured.
var ErrNoCredentials = errors.New("no API credentials configured (set GITHUB_API_KEYS)")

// Config captures every setting of an enrichment run.
type Config struct {
	InputPath          string        `mapstructure:"input_path"`
	OutputPath         string        `mapstructure:"output_path"`
	Resumable          bool          `mapstructure:"resumable"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`

	APIBaseURL string `mapstructure:"api_base_url"`
	RawBaseURL string `mapstructure:"raw_base_url"`

	// Credentials is the raw comma separated token list.
	Credentials string `mapstructure:"credentials"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	Quota   QuotaConfig   `mapstructure:"quota"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// HTTPConfig configures the transport.
type HTTPConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffFactor     time.Duration `mapstructure:"backoff_factor"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// QuotaConfig configures credential rotation.
type QuotaConfig struct {
	LowThreshold      int           `mapstructure:"low_threshold"`
	CooldownThreshold int           `mapstructure:"cooldown_threshold"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
}

// RedisConfig enables the shared cache and rotator state when URL is set.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// CacheConfig configures conditional-request caching.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// MetricsConfig enables the /metrics and /health listener when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load builds a Config from an optional .env file, the environment and an
// optional config file at path.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := v.BindEnv("credentials", EnvPrefix+"_CREDENTIALS", "GITHUB_API_KEYS", "MY_GITHUB_API_KEYS"); err != nil {
		return Config{}, fmt.Errorf("bind credentials: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input_path", "input.csv")
	v.SetDefault("output_path", "output.csv")
	v.SetDefault("resumable", true)
	v.SetDefault("checkpoint_interval", 30*time.Minute)
	v.SetDefault("api_base_url", "https://api.github.com")
	v.SetDefault("raw_base_url", "https://raw.githubusercontent.com")
	v.SetDefault("credentials", "")

	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_factor", 300*time.Millisecond)
	v.SetDefault("http.max_backoff", 30*time.Second)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.user_agent", "contact-enricher/1.0")

	v.SetDefault("quota.low_threshold", ratelimit.DefaultLowQuotaThreshold)
	v.SetDefault("quota.cooldown_threshold", ratelimit.DefaultCooldownThreshold)
	v.SetDefault("quota.cooldown", ratelimit.DefaultCooldown)

	v.SetDefault("redis.url", "")
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if len(c.CredentialList()) == 0 {
		return ErrNoCredentials
	}
	if c.InputPath == "" {
		return fmt.Errorf("input_path must be set")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output_path must be set")
	}
	if c.InputPath == c.OutputPath {
		return fmt.Errorf("input_path and output_path must differ")
	}
	if c.Resumable && c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint_interval must be > 0")
	}
	if c.APIBaseURL == "" || c.RawBaseURL == "" {
		return fmt.Errorf("api_base_url and raw_base_url must be set")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffFactor < 0 {
		return fmt.Errorf("http.backoff_factor must be >= 0")
	}
	if c.Quota.LowThreshold <= 0 {
		return fmt.Errorf("quota.low_threshold must be > 0")
	}
	if c.Quota.CooldownThreshold <= 0 {
		return fmt.Errorf("quota.cooldown_threshold must be > 0")
	}
	if c.Quota.Cooldown < 0 {
		return fmt.Errorf("quota.cooldown must be >= 0")
	}
	return nil
}

// CredentialList returns the parsed credential pool.
func (c Config) CredentialList() []ratelimit.Credential {
	return ratelimit.ParseCredentials(c.Credentials)
}
