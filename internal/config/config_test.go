package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", "app:\n  name: test\n")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "test", cfg.App.Name)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 1000, cfg.Ingest.BatchSize)
	require.Equal(t, 1000, cfg.AWS.MaxPageSize)
	require.Equal(t, "-1 day", cfg.Ingest.Start)
	require.InDelta(t, 0.8, cfg.Steals.BelowAverageRatio, 1e-9)
	require.Equal(t, 5, cfg.Steals.TopN)
	require.Equal(t, time.Hour, cfg.Scheduler.Interval)
	require.True(t, cfg.Ingest.Enabled && cfg.Snapshot.Enabled && cfg.Steals.Enabled)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", `
database:
  driver: sqlite
  path: /tmp/spot.db
aws:
  regions: [us-east-1, eu-west-1]
  request_timeout: 5s
steals:
  enabled: false
`)
	t.Setenv("SPOTWATCH_INGEST_BATCH_SIZE", "250")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, []string{"us-east-1", "eu-west-1"}, cfg.AWS.Regions)
	require.Equal(t, 5*time.Second, cfg.AWS.RequestTimeout)
	require.Equal(t, 250, cfg.Ingest.BatchSize)
	require.False(t, cfg.Steals.Enabled)
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "app:\n  name: test\n")
	envFile := writeFile(t, ".env", "SPOTWATCH_AWS_PROFILE=spot-reader\n")
	t.Cleanup(func() { _ = os.Unsetenv("SPOTWATCH_AWS_PROFILE") })

	cfg, err := Load(path, envFile)
	require.NoError(t, err)
	require.Equal(t, "spot-reader", cfg.AWS.Profile)

	_, err = Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database:  DatabaseConfig{Driver: "postgres"},
			AWS:       AWSConfig{MaxPageSize: 1000},
			Ingest:    IngestConfig{BatchSize: 1000},
			Steals:    StealsConfig{BelowAverageRatio: 0.8, TopN: 5},
			Scheduler: SchedulerConfig{Interval: time.Hour},
			Export:    ExportConfig{MaxDataPoints: 10},
		}
	}

	cases := map[string]func(*Config){
		"unknown driver":   func(c *Config) { c.Database.Driver = "mysql" },
		"sqlite path":      func(c *Config) { c.Database.Driver = "sqlite"; c.Database.Path = "" },
		"page size":        func(c *Config) { c.AWS.MaxPageSize = 2000 },
		"batch size":       func(c *Config) { c.Ingest.BatchSize = 0 },
		"ratio":            func(c *Config) { c.Steals.BelowAverageRatio = 1.5 },
		"top n":            func(c *Config) { c.Steals.TopN = 0 },
		"bad cron":         func(c *Config) { c.Scheduler.Cron = "every tuesday" },
		"no interval":      func(c *Config) { c.Scheduler.Interval = 0 },
		"telegram token":   func(c *Config) { c.Alerting.Telegram = TelegramConfig{Enabled: true, ChatID: "1"} },
		"telegram chat id": func(c *Config) { c.Alerting.Telegram = TelegramConfig{Enabled: true, BotToken: "x"} },
		"half credentials": func(c *Config) { c.AWS.AccessKeyID = "AKID" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())
	cfg.Scheduler = SchedulerConfig{Cron: "*/15 * * * *"}
	require.NoError(t, cfg.Validate())
}
