package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultSiteName is used as the sender name of outgoing emails.
	DefaultSiteName = "SQUAD"

	// DefaultBaseURL is the public URL used in notification links.
	DefaultBaseURL = "http://localhost:8080"

	// DefaultSQLitePath is the database file used when no driver is configured.
	DefaultSQLitePath = "squad.db"

	// DefaultLocalStorageDir is the object store directory used when no
	// storage backend is configured.
	DefaultLocalStorageDir = "./storage"

	// envPrefix is the prefix of environment variable overrides, e.g.
	// SQUAD_GLOBAL_LOG_LEVEL.
	envPrefix = "squad"
)

// Config is the root configuration for squad.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Worker   WorkerConfig   `yaml:"worker" mapstructure:"worker"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Listener ListenerConfig `yaml:"listener" mapstructure:"listener"`
	Email    EmailConfig    `yaml:"email" mapstructure:"email"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	SiteName string `yaml:"site_name" mapstructure:"site_name"`
}

// WorkerConfig configures the task workers and the poll scheduler.
type WorkerConfig struct {
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
	TaskPollInterval string `yaml:"task_poll_interval" mapstructure:"task_poll_interval"`
	ClaimTimeout     string `yaml:"claim_timeout" mapstructure:"claim_timeout"`
	MaxTaskAttempts  int    `yaml:"max_task_attempts" mapstructure:"max_task_attempts"`
	PollSchedule     string `yaml:"poll_schedule" mapstructure:"poll_schedule"`
}

// ListenerConfig configures the listener manager.
type ListenerConfig struct {
	ReconcileInterval string `yaml:"reconcile_interval" mapstructure:"reconcile_interval"`
	StoreWaitTimeout  string `yaml:"store_wait_timeout" mapstructure:"store_wait_timeout"`
}

// EmailConfig configures the SMTP sender used by notifications.
type EmailConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username,omitempty" mapstructure:"username"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
}

// Load reads a configuration file and applies SQUAD_* environment
// overrides on top of it. An empty path loads defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every overridable key so AutomaticEnv picks up
// variables for keys absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.base_url", DefaultBaseURL)
	v.SetDefault("global.site_name", DefaultSiteName)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", DefaultSQLitePath)
	v.SetDefault("database.postgres.host", "")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("worker.concurrency", DefaultWorkerConcurrency)
	v.SetDefault("worker.task_poll_interval", DefaultTaskPollInterval)
	v.SetDefault("worker.claim_timeout", DefaultClaimTimeout)
	v.SetDefault("worker.max_task_attempts", DefaultMaxTaskAttempts)
	v.SetDefault("worker.poll_schedule", DefaultPollSchedule)
	v.SetDefault("api.server.listen", DefaultAPIListen)
	v.SetDefault("listener.reconcile_interval", DefaultReconcileInterval)
	v.SetDefault("listener.store_wait_timeout", DefaultStoreWaitTimeout)
	v.SetDefault("email.enabled", false)
	v.SetDefault("email.host", "localhost")
	v.SetDefault("email.port", 25)
	v.SetDefault("email.from", "noreply@localhost")
}

// applyDefaults sets default values for options left empty in the file.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.SiteName == "" {
		c.Global.SiteName = DefaultSiteName
	}

	c.Global.BaseURL = strings.TrimRight(c.Global.BaseURL, "/")

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Storage.S3 == nil && c.Storage.Local == nil {
		c.Storage.Local = &LocalStorageConfig{
			Enabled:   true,
			Directory: DefaultLocalStorageDir,
		}
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = DefaultWorkerConcurrency
	}

	if c.Worker.MaxTaskAttempts <= 0 {
		c.Worker.MaxTaskAttempts = DefaultMaxTaskAttempts
	}

	if c.Worker.PollSchedule == "" {
		c.Worker.PollSchedule = DefaultPollSchedule
	}

	if c.API.Server.Listen == "" {
		c.API.Server.Listen = DefaultAPIListen
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	durations := map[string]string{
		"worker.task_poll_interval":   c.Worker.TaskPollInterval,
		"worker.claim_timeout":        c.Worker.ClaimTimeout,
		"listener.reconcile_interval": c.Listener.ReconcileInterval,
		"listener.store_wait_timeout": c.Listener.StoreWaitTimeout,
	}

	for key, value := range durations {
		if value == "" {
			continue
		}

		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
		}
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if c.Email.Enabled && c.Email.Host == "" {
		return fmt.Errorf("email: host is required when enabled")
	}

	return nil
}

// DurationOr parses value as a duration, returning fallback when it is
// empty or malformed.
func DurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}
