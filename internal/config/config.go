package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type InstrumentationConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RetentionDays   int     `mapstructure:"retention_days"`
	SamplingRate    float64 `mapstructure:"sampling_rate"`
	BufferSize      int     `mapstructure:"buffer_size"`
	FlushIntervalMs int     `mapstructure:"flush_interval_ms"`
}

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Schema          SchemaConfig          `mapstructure:"schema"`
	Authorization   AuthorizationConfig   `mapstructure:"authorization"`
	Remote          RemoteConfig          `mapstructure:"remote"`
	Instrumentation InstrumentationConfig `mapstructure:"instrumentation"`
	Cache           CacheConfig           `mapstructure:"cache"`
	Log             LogConfig             `mapstructure:"log"`
	Seed            SeedConfig            `mapstructure:"seed"`
	JWTSecret       string                `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres, sqlite or memory
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
	Path     string `mapstructure:"path"` // directory for SQLite database files
}

// SchemaConfig points at the app definition. An empty path serves the
// built-in HR application.
type SchemaConfig struct {
	Path string `mapstructure:"path"`
}

// AuthorizationConfig names the table holding caller records and the column
// login emails are matched against.
type AuthorizationConfig struct {
	UserTable  string `mapstructure:"user_table"`
	EmailField string `mapstructure:"email_field"`
}

// RemoteConfig configures the REST backend. Tables opt in with
// backend: remote.
type RemoteConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	Token     string `mapstructure:"token"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

type CacheConfig struct {
	ValidatorSize int `mapstructure:"validator_size"`
}

// SeedConfig describes the administrator created on first start.
type SeedConfig struct {
	AdminName     string `mapstructure:"admin_name"`
	AdminEmail    string `mapstructure:"admin_email"`
	AdminPassword string `mapstructure:"admin_password"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DSN returns the driver-specific data source name.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path + "/" + d.Name + ".db"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// IsSQLite returns true if the driver is sqlite.
func (d DatabaseConfig) IsSQLite() bool {
	return d.Driver == "sqlite"
}

// IsMemory returns true when records live in process memory only.
func (d DatabaseConfig) IsMemory() bool {
	return d.Driver == "memory"
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "denim")
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("database.path", "./data")
	viper.SetDefault("authorization.user_table", "Employee")
	viper.SetDefault("authorization.email_field", "Email")
	viper.SetDefault("remote.timeout_ms", 10000)
	viper.SetDefault("cache.validator_size", 256)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("seed.admin_name", "Administrator")
	viper.SetDefault("seed.admin_email", "admin@localhost")
	viper.SetDefault("seed.admin_password", "changeme")
	viper.SetDefault("instrumentation.enabled", true)
	viper.SetDefault("instrumentation.retention_days", 7)
	viper.SetDefault("instrumentation.sampling_rate", 1.0)
	viper.SetDefault("instrumentation.buffer_size", 500)
	viper.SetDefault("instrumentation.flush_interval_ms", 100)

	viper.SetEnvPrefix("denim")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
