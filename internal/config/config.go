// Package config loads the process configuration of the herald binary from
// a YAML file, HERALD_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. HERALD_SERVER_ADDR.
const EnvPrefix = "HERALD"

// Storage and object store drivers.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverS3     = "s3"
)

// Config is the complete process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Storage StorageConfig `mapstructure:"storage"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Objects ObjectsConfig `mapstructure:"objects"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	Issuer            string        `mapstructure:"issuer"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds every request handler, including its store,
	// signing and object storage calls.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// ToolTimeout bounds one MCP request. It must be shorter than
	// RequestTimeout so a timed-out tool still gets its JSON-RPC reply.
	ToolTimeout       time.Duration `mapstructure:"tool_timeout"`
	TrustProxy        bool          `mapstructure:"trust_proxy"`
	TrustedProxyCount int           `mapstructure:"trusted_proxy_count"`
	RateLimit         float64       `mapstructure:"rate_limit"`
	RateBurst         int           `mapstructure:"rate_burst"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects the persistent store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	Path        string `mapstructure:"path"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig enables the Redis session store when URL is set.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ObjectsConfig selects the object store used by the tools.
type ObjectsConfig struct {
	Driver       string `mapstructure:"driver"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// AuthConfig tunes the authorization server.
type AuthConfig struct {
	JWTSecret           string        `mapstructure:"jwt_secret"`
	EncryptionKey       string        `mapstructure:"encryption_key"`
	AccessTokenTTL      time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL     time.Duration `mapstructure:"refresh_token_ttl"`
	CodeTTL             time.Duration `mapstructure:"code_ttl"`
	SessionTTL          time.Duration `mapstructure:"session_ttl"`
	AutoRegisterDomains []string      `mapstructure:"auto_register_domains"`
	DisableAutoRegister bool          `mapstructure:"disable_auto_register"`
	NoScopeFallback     bool          `mapstructure:"no_scope_fallback"`
	Audit               bool          `mapstructure:"audit"`
}

// MetricsConfig enables OpenTelemetry metrics exported to Prometheus.
type MetricsConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	LogClientIPs bool `mapstructure:"log_client_ips"`
}

// New returns a viper instance carrying every default and reading
// HERALD_* environment variables. Nested keys map to underscores, so
// server.addr is HERALD_SERVER_ADDR.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.issuer", "")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.read_timeout", time.Minute)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", time.Minute)
	v.SetDefault("server.tool_timeout", 30*time.Second)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.trusted_proxy_count", 1)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", "herald.db")
	v.SetDefault("storage.auto_migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "herald:")

	v.SetDefault("objects.driver", DriverS3)
	v.SetDefault("objects.region", "us-east-1")
	v.SetDefault("objects.endpoint", "")
	v.SetDefault("objects.use_path_style", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.encryption_key", "")
	v.SetDefault("auth.access_token_ttl", time.Hour)
	v.SetDefault("auth.refresh_token_ttl", 30*24*time.Hour)
	v.SetDefault("auth.code_ttl", 10*time.Minute)
	v.SetDefault("auth.session_ttl", 24*time.Hour)
	v.SetDefault("auth.auto_register_domains", []string{})
	v.SetDefault("auth.disable_auto_register", false)
	v.SetDefault("auth.no_scope_fallback", false)
	v.SetDefault("auth.audit", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.log_client_ips", false)
	return v
}

// Load reads the optional config file into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the sqlite driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	switch c.Objects.Driver {
	case DriverS3, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown objects.driver %q", c.Objects.Driver))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.Issuer != "" && !strings.HasPrefix(c.Server.Issuer, "https://") && !strings.HasPrefix(c.Server.Issuer, "http://") {
		errs = append(errs, fmt.Errorf("server.issuer %q must be an http(s) URL", c.Server.Issuer))
	}
	if c.Server.RequestTimeout <= 0 || c.Server.ToolTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout and server.tool_timeout must be positive"))
	} else if c.Server.ToolTimeout >= c.Server.RequestTimeout {
		errs = append(errs, fmt.Errorf("server.tool_timeout %s must be shorter than server.request_timeout %s", c.Server.ToolTimeout, c.Server.RequestTimeout))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a level name onto slog.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log.level %q", level)
	}
	return l, nil
}
