// Package config handles configuration loading from environment and files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config holds all configuration for the broker.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Vault      VaultConfig      `mapstructure:"vault"`
	BreakGlass BreakGlassConfig `mapstructure:"breakglass"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	SIEM       SIEMConfig       `mapstructure:"siem"`
	Rotation   RotationConfig   `mapstructure:"rotation"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// VaultConfig holds HashiCorp Vault configuration.
type VaultConfig struct {
	Address     string        `mapstructure:"address"`
	Token       string        `mapstructure:"token"`
	Namespace   string        `mapstructure:"namespace"`
	Timeout     time.Duration `mapstructure:"timeout"`
	TLSEnabled  bool          `mapstructure:"tls_enabled"`
	TLSCAFile   string        `mapstructure:"tls_ca_file"`
	TLSCertFile string        `mapstructure:"tls_cert_file"`
	TLSKeyFile  string        `mapstructure:"tls_key_file"`
	TLSInsecure bool          `mapstructure:"tls_insecure"`

	// AuditDevice is the mount path of the file audit device and AuditLog
	// the file it writes to; both are needed to rebuild access trails.
	AuditDevice string `mapstructure:"audit_device"`
	AuditLog    string `mapstructure:"audit_log"`
}

// BreakGlassConfig holds incident settings.
type BreakGlassConfig struct {
	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
	MaxTTL           time.Duration `mapstructure:"max_ttl"`
	Threshold        int           `mapstructure:"threshold"`
	MinShareLength   int           `mapstructure:"min_share_length"`
	PolicyPrefix     string        `mapstructure:"policy_prefix"`
	AllowedOperators []string      `mapstructure:"allowed_operators"`
	PolicyFile       string        `mapstructure:"policy_file"`

	// CollectionTimeout bounds share collection and root generation. An
	// initiated incident past it is treated as abandoned.
	CollectionTimeout time.Duration `mapstructure:"collection_timeout"`
}

// RetryConfig bounds retries of transient secret store failures and of
// revocation cleanup.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup_timeout"`
}

// StoreConfig selects where incidents and audit events are kept.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Directory string `mapstructure:"directory"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// NotifyConfig holds notification settings.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Channel    string        `mapstructure:"channel"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
}

// SIEMConfig holds audit forwarding settings.
type SIEMConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// RotationConfig locates the optional rotation service.
type RotationConfig struct {
	ServiceURL string        `mapstructure:"service_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
}

// ServerConfig holds HTTP server configuration for the watch daemon.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	APIToken        string        `mapstructure:"api_token"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
}

// TelemetryConfig holds tracing configuration.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// Load loads configuration from environment variables and config file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BREAKGLASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("breakglass")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/breakglass")
		v.AddConfigPath("$HOME/.breakglass")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.namespace", "")
	v.SetDefault("vault.timeout", 30*time.Second)
	v.SetDefault("vault.tls_enabled", false)
	v.SetDefault("vault.tls_insecure", false)
	v.SetDefault("vault.audit_device", "file")
	v.SetDefault("vault.audit_log", "/var/log/vault/audit.log")

	v.SetDefault("breakglass.default_ttl", time.Hour)
	v.SetDefault("breakglass.max_ttl", 4*time.Hour)
	v.SetDefault("breakglass.threshold", 0)
	v.SetDefault("breakglass.min_share_length", 16)
	v.SetDefault("breakglass.policy_prefix", "breakglass-")
	v.SetDefault("breakglass.allowed_operators", []string{})
	v.SetDefault("breakglass.policy_file", "")
	v.SetDefault("breakglass.collection_timeout", 30*time.Minute)

	v.SetDefault("retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("retry.max_interval", 10*time.Second)
	v.SetDefault("retry.max_elapsed", time.Minute)
	v.SetDefault("retry.cleanup_interval", 5*time.Second)
	v.SetDefault("retry.cleanup_timeout", 5*time.Minute)

	v.SetDefault("store.driver", StoreFile)
	v.SetDefault("store.directory", "/var/lib/breakglass")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "breakglass")
	v.SetDefault("database.username", "breakglass")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.channel", "#security-incidents")
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.retries", 3)

	v.SetDefault("siem.enabled", false)
	v.SetDefault("siem.endpoint", "")
	v.SetDefault("siem.api_key", "")
	v.SetDefault("siem.timeout", 10*time.Second)
	v.SetDefault("siem.retry_count", 3)

	v.SetDefault("rotation.service_url", "")
	v.SetDefault("rotation.token", "")
	v.SetDefault("rotation.timeout", 2*time.Minute)
	v.SetDefault("rotation.retries", 3)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8470)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.insecure", true)
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Vault.Address == "" {
		errs = append(errs, errors.New("vault.address is required"))
	}
	if c.BreakGlass.CollectionTimeout <= 0 {
		errs = append(errs, errors.New("breakglass.collection_timeout must be positive"))
	}
	if c.BreakGlass.DefaultTTL <= 0 {
		errs = append(errs, errors.New("breakglass.default_ttl must be positive"))
	}
	if c.BreakGlass.MaxTTL > 0 && c.BreakGlass.MaxTTL < c.BreakGlass.DefaultTTL {
		errs = append(errs, fmt.Errorf("breakglass.max_ttl (%s) is shorter than breakglass.default_ttl (%s)", c.BreakGlass.MaxTTL, c.BreakGlass.DefaultTTL))
	}
	if c.BreakGlass.Threshold < 0 {
		errs = append(errs, errors.New("breakglass.threshold must not be negative"))
	}
	switch c.Store.Driver {
	case StoreFile:
		if c.Store.Directory == "" {
			errs = append(errs, errors.New("store.directory is required for the file store"))
		}
	case StorePostgres:
		if c.Database.Host == "" || c.Database.Database == "" {
			errs = append(errs, errors.New("database.host and database.database are required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.SIEM.Enabled && c.SIEM.Endpoint == "" {
		errs = append(errs, errors.New("siem.endpoint is required when siem is enabled"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server.tls_cert_file and server.tls_key_file must be set together"))
	}
	return errors.Join(errs...)
}

// Addr returns the server address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode,
	)
}
