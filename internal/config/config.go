package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode              string        `mapstructure:"mode"`
	Port              int           `mapstructure:"port"`
	Secret            string        `mapstructure:"secret"`
	LogLevel          string        `mapstructure:"log_level"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	LoadTimeout       time.Duration `mapstructure:"load_timeout"`

	Store     StoreConfig     `mapstructure:"store"`
	Persist   PersistConfig   `mapstructure:"persist"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

type PersistConfig struct {
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type RateLimitConfig struct {
	Messages int           `mapstructure:"messages"`
	Interval time.Duration `mapstructure:"interval"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "whiteboard-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 10<<20)
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 256)
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("grace_period", "5s")
	v.SetDefault("load_timeout", "5s")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/whiteboard.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.key_prefix", "whiteboard")

	v.SetDefault("persist.write_timeout", "5s")
	v.SetDefault("persist.max_retries", 2)
	v.SetDefault("persist.retry_backoff", "500ms")

	v.SetDefault("rate_limit.messages", 200)
	v.SetDefault("rate_limit.interval", "1s")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "whiteboard")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. WB_ prefixed
// environment variables win over both, e.g. WB_STORE_DRIVER=redis.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Str("module", "config").Msg("no .env file found, using environment variables")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix("WB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative, got %s", c.GracePeriod)
	}
	return nil
}
