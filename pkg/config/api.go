package config

import (
	"fmt"

	"github.com/ethpandaops/squad/pkg/fsutil"
)

const (
	// DefaultAPIListen is the default listen address of the API server.
	DefaultAPIListen = ":8080"

	// DefaultWorkerConcurrency is the number of tasks executed in parallel
	// by a single worker process.
	DefaultWorkerConcurrency = 4

	// DefaultTaskPollInterval is how often workers look for due tasks.
	DefaultTaskPollInterval = "1s"

	// DefaultClaimTimeout is how long a claimed task stays invisible to
	// other workers before it is considered abandoned.
	DefaultClaimTimeout = "10m"

	// DefaultMaxTaskAttempts bounds retries of failing tasks.
	DefaultMaxTaskAttempts = 5

	// DefaultPollSchedule is the cron spec of the backend poll scheduler.
	DefaultPollSchedule = "@every 1m"

	// DefaultReconcileInterval is how often the listener manager compares
	// running listeners with the configured backends.
	DefaultReconcileInterval = "60s"

	// DefaultStoreWaitTimeout bounds how long the listener manager waits
	// for the database on startup.
	DefaultStoreWaitTimeout = "2m"
)

// APIConfig contains all API server configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server" mapstructure:"server"`
	Auth   APIAuthConfig   `yaml:"auth" mapstructure:"auth"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	Submit  RateLimitTier `yaml:"submit,omitempty" mapstructure:"submit"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig contains the users and tokens seeded on startup.
type APIAuthConfig struct {
	Users  []UserConfig  `yaml:"users,omitempty" mapstructure:"users"`
	Tokens []TokenConfig `yaml:"tokens,omitempty" mapstructure:"tokens"`
}

// UserConfig defines a user from config. Groups maps a group slug to the
// user's access level in it (member, submitter, privileged, admin).
type UserConfig struct {
	Username string            `yaml:"username" mapstructure:"username"`
	Password string            `yaml:"password,omitempty" mapstructure:"password"`
	IsStaff  bool              `yaml:"is_staff" mapstructure:"is_staff"`
	Groups   map[string]string `yaml:"groups,omitempty" mapstructure:"groups"`
}

// TokenConfig binds an API token to a configured user.
type TokenConfig struct {
	Token       string `yaml:"token" mapstructure:"token"`
	Username    string `yaml:"username" mapstructure:"username"`
	Description string `yaml:"description,omitempty" mapstructure:"description"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// StorageConfig selects the object store for large payloads. Only one
// backend (S3 or local) may be enabled at a time.
type StorageConfig struct {
	S3    *S3Config           `yaml:"s3,omitempty" mapstructure:"s3"`
	Local *LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// LocalStorageConfig stores objects below a directory on disk.
type LocalStorageConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Directory string `yaml:"directory" mapstructure:"directory"`
	// Owner is an optional "UID:GID" given to stored files.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// S3Config contains S3 connection settings.
type S3Config struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// Validate checks the database settings.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required")
		}

		if c.Postgres.Database == "" {
			return fmt.Errorf("postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}

	return nil
}

// Validate checks that exactly one storage backend is usable.
func (c *StorageConfig) Validate() error {
	s3Enabled := c.S3 != nil && c.S3.Enabled
	localEnabled := c.Local != nil && c.Local.Enabled

	if s3Enabled && localEnabled {
		return fmt.Errorf("only one of s3 or local may be enabled")
	}

	if !s3Enabled && !localEnabled {
		return fmt.Errorf("one of s3 or local must be enabled")
	}

	if s3Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}

	if localEnabled && c.Local.Directory == "" {
		return fmt.Errorf("local.directory is required")
	}

	if localEnabled {
		if _, err := fsutil.ParseOwner(c.Local.Owner); err != nil {
			return fmt.Errorf("local.owner: %w", err)
		}
	}

	return nil
}

// Validate checks the API settings.
func (c *APIConfig) Validate() error {
	users := make(map[string]struct{}, len(c.Auth.Users))

	for i, u := range c.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("auth.users[%d]: username is required", i)
		}

		if _, exists := users[u.Username]; exists {
			return fmt.Errorf("auth.users[%d]: duplicate username %q", i, u.Username)
		}

		users[u.Username] = struct{}{}
	}

	for i, t := range c.Auth.Tokens {
		if t.Token == "" {
			return fmt.Errorf("auth.tokens[%d]: token is required", i)
		}

		if _, exists := users[t.Username]; !exists {
			return fmt.Errorf("auth.tokens[%d]: unknown user %q", i, t.Username)
		}
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.Submit.RequestsPerMinute <= 0 {
		return fmt.Errorf("server.rate_limit.submit.requests_per_minute must be positive")
	}

	return nil
}
