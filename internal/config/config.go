package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/validator.v2"
)

// Config holds all configuration for the application.
type Config struct {
	Bitget      Bitget      `mapstructure:"bitget"`
	Reconcile   Reconcile   `mapstructure:"reconcile"`
	Credentials Credentials `mapstructure:"credentials"`
	Logger      Logger      `mapstructure:"logger"`
	Server      Server      `mapstructure:"server"`
	Database    Database    `mapstructure:"database"`
	Redis       Redis       `mapstructure:"redis"`
}

// Bitget holds the configuration for the Bitget futures API.
type Bitget struct {
	BaseURL        string        `mapstructure:"base_url" validate:"nonzero"`
	ProductType    string        `mapstructure:"product_type" validate:"nonzero"`
	MarginCoin     string        `mapstructure:"margin_coin"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" validate:"min=1"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0,max=5"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"min=1"`
	HistoryTimeout time.Duration `mapstructure:"history_timeout" validate:"min=1"`
	CloseTimeout   time.Duration `mapstructure:"close_timeout" validate:"min=1"`
}

// Reconcile holds the scheduling and matching parameters of the sync loop.
type Reconcile struct {
	Interval        time.Duration `mapstructure:"interval" validate:"min=1"`
	Workers         int           `mapstructure:"workers" validate:"min=1"`
	PassTimeout     time.Duration `mapstructure:"pass_timeout" validate:"min=1"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	HistoryLookback time.Duration `mapstructure:"history_lookback" validate:"min=1"`
	HistoryLimit    int           `mapstructure:"history_limit" validate:"min=1,max=100"`
}

// Credentials holds the key material used to decrypt stored API keys.
// MasterKey is base64 encoded and must decode to 32 bytes.
type Credentials struct {
	MasterKey        string            `mapstructure:"master_key"`
	MasterKeyVersion int               `mapstructure:"master_key_version" validate:"min=1"`
	PreviousKeys     map[string]string `mapstructure:"previous_keys"`
}

// Server holds the configuration for the internal HTTP API.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the ledger database.
type Database struct {
	Driver string `mapstructure:"driver" validate:"regexp=^(sqlite|postgres)$"`
	DSN    string `mapstructure:"dsn" validate:"nonzero"`
}

// Redis is optional; when enabled it backs the cross-instance sync guard.
type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("bitget.base_url", "https://api.bitget.com")
	v.SetDefault("bitget.product_type", "USDT-FUTURES")
	v.SetDefault("bitget.margin_coin", "USDT")
	v.SetDefault("bitget.rate_limit", 10) // requests per second
	v.SetDefault("bitget.rate_limit_burst", 5)
	v.SetDefault("bitget.max_retries", 2)
	v.SetDefault("bitget.read_timeout", 10*time.Second)
	v.SetDefault("bitget.history_timeout", 15*time.Second)
	v.SetDefault("bitget.close_timeout", 30*time.Second)

	v.SetDefault("reconcile.interval", 60*time.Second)
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.pass_timeout", 2*time.Minute)
	v.SetDefault("reconcile.duplicate_window", 2*time.Minute)
	v.SetDefault("reconcile.history_lookback", 7*24*time.Hour)
	v.SetDefault("reconcile.history_limit", 50)

	v.SetDefault("credentials.master_key_version", 1)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 28)

	v.SetDefault("server.port", 8081)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "reconciler.db")

	v.SetDefault("redis.address", "127.0.0.1:6379")
}

// LoadConfig reads configuration from file or environment variables.
// A .env file next to the config directory is loaded first when present.
func LoadConfig(path string) (config Config, err error) {
	if err := godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.SetEnvPrefix("RECONCILER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	SetDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to decode config: %w", err)
	}

	if err = config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks struct tags and the cross-field rules viper cannot express.
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.New("invalid config: redis.address is required when redis is enabled")
	}
	if c.Reconcile.DuplicateWindow < 0 {
		return errors.New("invalid config: reconcile.duplicate_window must not be negative")
	}
	return nil
}
