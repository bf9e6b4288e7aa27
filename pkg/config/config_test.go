package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
  base_url: https://squad.example.com/
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
worker:
  concurrency: 2
  poll_schedule: "@every 5m"
api:
  server:
    listen: ":9090"
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "https://squad.example.com", cfg.Global.BaseURL)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 2, cfg.Worker.Concurrency)
				assert.Equal(t, ":9090", cfg.API.Server.Listen)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"SQUAD_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested override - sqlite path",
			envVars: map[string]string{
				"SQUAD_DATABASE_SQLITE_PATH": "/tmp/override.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/override.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "integer override - concurrency",
			envVars: map[string]string{
				"SQUAD_WORKER_CONCURRENCY": "16",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 16, cfg.Worker.Concurrency)
			},
		},
		{
			name: "override of a key absent from the file",
			envVars: map[string]string{
				"SQUAD_LISTENER_RECONCILE_INTERVAL": "5s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "5s", cfg.Listener.ReconcileInterval)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "global:\n  site_name: Test\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, "Test", cfg.Global.SiteName)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, DefaultWorkerConcurrency, cfg.Worker.Concurrency)
	assert.Equal(t, DefaultMaxTaskAttempts, cfg.Worker.MaxTaskAttempts)
	assert.Equal(t, DefaultPollSchedule, cfg.Worker.PollSchedule)
	require.NotNil(t, cfg.Storage.Local)
	assert.True(t, cfg.Storage.Local.Enabled)
	assert.Equal(t, DefaultLocalStorageDir, cfg.Storage.Local.Directory)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name: "unsupported driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "mysql"
			},
			wantErr: "unsupported driver",
		},
		{
			name: "postgres requires host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
			},
			wantErr: "postgres.host is required",
		},
		{
			name: "both storage backends enabled",
			mutate: func(cfg *Config) {
				cfg.Storage.S3 = &S3Config{Enabled: true, Bucket: "b"}
			},
			wantErr: "only one of s3 or local",
		},
		{
			name: "s3 requires bucket",
			mutate: func(cfg *Config) {
				cfg.Storage.Local = nil
				cfg.Storage.S3 = &S3Config{Enabled: true}
			},
			wantErr: "s3.bucket is required",
		},
		{
			name: "bad local owner",
			mutate: func(cfg *Config) {
				cfg.Storage.Local.Owner = "root"
			},
			wantErr: "local.owner",
		},
		{
			name: "bad duration",
			mutate: func(cfg *Config) {
				cfg.Worker.ClaimTimeout = "soon"
			},
			wantErr: "worker.claim_timeout",
		},
		{
			name: "token for unknown user",
			mutate: func(cfg *Config) {
				cfg.API.Auth.Tokens = []TokenConfig{{Token: "t", Username: "ghost"}}
			},
			wantErr: "unknown user",
		},
		{
			name: "duplicate user",
			mutate: func(cfg *Config) {
				cfg.API.Auth.Users = []UserConfig{{Username: "a"}, {Username: "a"}}
			},
			wantErr: "duplicate username",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDurationOr(t *testing.T) {
	assert.Equal(t, time.Minute, DurationOr("", time.Minute))
	assert.Equal(t, time.Minute, DurationOr("bogus", time.Minute))
	assert.Equal(t, 5*time.Second, DurationOr("5s", time.Minute))
}
