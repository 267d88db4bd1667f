// Package config loads and validates migrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/accurate-migrator/internal/accurate"
)

// Mapping store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Blob storage providers.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig    `mapstructure:"server"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Accurate    AccurateConfig  `mapstructure:"accurate"`
	Source      ConnConfig      `mapstructure:"source"`
	Destination ConnConfig      `mapstructure:"destination"`
	Mapping     MappingConfig   `mapstructure:"mapping"`
	Migration   MigrationConfig `mapstructure:"migration"`
	Storage     StorageConfig   `mapstructure:"storage"`
	PubSub      PubSubConfig    `mapstructure:"pubsub"`
	Logging     LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// AccurateConfig configures the upstream API client.
type AccurateConfig struct {
	APIURL                 string  `mapstructure:"api_url"`
	TimeoutSeconds         int     `mapstructure:"timeout_seconds"`
	ConnectTimeoutSeconds  int     `mapstructure:"connect_timeout_seconds"`
	RequestsPerSecond      float64 `mapstructure:"requests_per_second"`
	Burst                  int     `mapstructure:"burst"`
	AuthRetryAttempts      int     `mapstructure:"auth_retry_attempts"`
	AuthRetryDelayMs       int     `mapstructure:"auth_retry_delay_ms"`
	DatabaseListTTLSeconds int     `mapstructure:"database_list_ttl_seconds"`
}

// ConnConfig is the connection context of one database.
type ConnConfig struct {
	AccessToken string `mapstructure:"access_token"`
	Host        string `mapstructure:"host"`
	SessionID   string `mapstructure:"session_id"`
	DatabaseID  int64  `mapstructure:"database_id"`
}

// MappingConfig selects the number-mapping store.
type MappingConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// MigrationConfig bounds listings and runs.
type MigrationConfig struct {
	PageSize          int `mapstructure:"page_size"`
	MaxPages          int `mapstructure:"max_pages"`
	BudgetSeconds     int `mapstructure:"budget_seconds"`
	GLAccountPageSize int `mapstructure:"gl_account_page_size"`
}

// StorageConfig sets where run artifacts are archived.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// Report publishers.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MIGRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 660)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("accurate.api_url", "https://account.accurate.id")
	v.SetDefault("accurate.timeout_seconds", 600)
	v.SetDefault("accurate.connect_timeout_seconds", 60)
	v.SetDefault("accurate.requests_per_second", 8)
	v.SetDefault("accurate.burst", 8)
	v.SetDefault("accurate.auth_retry_attempts", 3)
	v.SetDefault("accurate.auth_retry_delay_ms", 1000)
	v.SetDefault("accurate.database_list_ttl_seconds", 1800)
	// empty defaults register the keys so MIGRATOR_* env vars are picked up
	for _, side := range []string{"source", "destination"} {
		v.SetDefault(side+".access_token", "")
		v.SetDefault(side+".host", "")
		v.SetDefault(side+".session_id", "")
		v.SetDefault(side+".database_id", 0)
	}
	v.SetDefault("mapping.driver", DriverMemory)
	v.SetDefault("mapping.dsn", "")
	v.SetDefault("mapping.table", "transaction_number_mappings")
	v.SetDefault("mapping.max_conns", 4)
	v.SetDefault("migration.page_size", 100)
	v.SetDefault("migration.max_pages", 100)
	v.SetDefault("migration.budget_seconds", 600)
	v.SetDefault("migration.gl_account_page_size", 10000)
	v.SetDefault("storage.provider", StorageNone)
	v.SetDefault("storage.base_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "migrations")
	v.SetDefault("pubsub.provider", PublisherNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Accurate.TimeoutSeconds <= 0 {
		return fmt.Errorf("accurate.timeout_seconds must be > 0")
	}
	if c.Accurate.RequestsPerSecond <= 0 {
		return fmt.Errorf("accurate.requests_per_second must be > 0")
	}
	if c.Accurate.AuthRetryAttempts <= 0 {
		return fmt.Errorf("accurate.auth_retry_attempts must be > 0")
	}
	if c.Migration.PageSize <= 0 {
		return fmt.Errorf("migration.page_size must be > 0")
	}
	if c.Migration.MaxPages <= 0 {
		return fmt.Errorf("migration.max_pages must be > 0")
	}
	if c.Migration.BudgetSeconds <= 0 {
		return fmt.Errorf("migration.budget_seconds must be > 0")
	}
	switch c.Mapping.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.Mapping.DSN) == "" {
			return fmt.Errorf("mapping.dsn must be set for the %s driver", c.Mapping.Driver)
		}
	default:
		return fmt.Errorf("mapping.driver must be one of postgres, sqlite, memory")
	}
	switch c.Storage.Provider {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return fmt.Errorf("storage.base_dir must be set for the local provider")
		}
	case StorageGCS:
		if strings.TrimSpace(c.Storage.GCSBucket) == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider must be one of none, memory, local, gcs")
	}
	switch c.PubSub.Provider {
	case "", PublisherNone:
	case PublisherMemory:
		if c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.topic_name must be set for the memory publisher")
		}
	case PublisherPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set for the pubsub publisher")
		}
	default:
		return fmt.Errorf("pubsub.provider must be one of none, memory, pubsub")
	}
	return nil
}

// Conn converts the section into an API connection context.
func (c ConnConfig) Conn() accurate.Conn {
	return accurate.Conn{
		AccessToken: c.AccessToken,
		Host:        c.Host,
		SessionID:   c.SessionID,
		DatabaseID:  c.DatabaseID,
	}
}

// MigrationBudget is the deadline applied to one run.
func (c Config) MigrationBudget() time.Duration {
	return time.Duration(c.Migration.BudgetSeconds) * time.Second
}

// RequestTimeout bounds one operator API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// AccurateTimeout is the per-request timeout of the upstream client.
func (c Config) AccurateTimeout() time.Duration {
	return time.Duration(c.Accurate.TimeoutSeconds) * time.Second
}

// AccurateConnectTimeout bounds dialing the upstream API.
func (c Config) AccurateConnectTimeout() time.Duration {
	return time.Duration(c.Accurate.ConnectTimeoutSeconds) * time.Second
}

// AuthRetryDelay is the fixed delay between authorization retries.
func (c Config) AuthRetryDelay() time.Duration {
	return time.Duration(c.Accurate.AuthRetryDelayMs) * time.Millisecond
}

// DatabaseListTTL is how long database listings are cached per token.
func (c Config) DatabaseListTTL() time.Duration {
	return time.Duration(c.Accurate.DatabaseListTTLSeconds) * time.Second
}
