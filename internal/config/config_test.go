package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONDUCTOR_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8100, cfg.OpsPort)
	assert.False(t, cfg.MockBrokers)
	assert.False(t, cfg.LiveTrading)
	assert.Equal(t, 60*time.Second, cfg.AccountPollInterval)
	assert.Equal(t, 0.9, cfg.MarginUtilLimit)
	assert.Equal(t, 24*time.Hour, cfg.DedupTTL)
	assert.Equal(t, 30*time.Second, cfg.Bus.VisibilityTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Ingestion.PollInterval)
	assert.Equal(t, 5, cfg.Ingestion.MaxReconnectAttempts)
	assert.False(t, cfg.Backup.Enabled)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_DATA_DIR", t.TempDir())
	t.Setenv("CONDUCTOR_ENV", EnvProduction)
	t.Setenv("CONDUCTOR_LOG_LEVEL", "debug")
	t.Setenv("CONDUCTOR_OPS_PORT", "9200")
	t.Setenv("CONDUCTOR_MOCK_BROKERS", "true")
	t.Setenv("CONDUCTOR_BUS_VISIBILITY_SECONDS", "5")
	t.Setenv("CONDUCTOR_CDC_POLL_MS", "50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvProduction, cfg.Environment)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9200, cfg.OpsPort)
	assert.True(t, cfg.MockBrokers)
	assert.Equal(t, 5*time.Second, cfg.Bus.VisibilityTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Ingestion.PollInterval)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("CONDUCTOR_DATA_DIR", t.TempDir())
	t.Setenv("CONDUCTOR_OPS_PORT", "not-a-number")
	t.Setenv("CONDUCTOR_MOCK_BROKERS", "not-a-bool")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8100, cfg.OpsPort)
	assert.False(t, cfg.MockBrokers)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment:     EnvStaging,
			OpsPort:         8100,
			MarginUtilLimit: 0.9,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid staging",
			mutate: func(c *Config) {},
		},
		{
			name:   "valid production",
			mutate: func(c *Config) { c.Environment = EnvProduction },
		},
		{
			name:    "unknown environment",
			mutate:  func(c *Config) { c.Environment = "dev" },
			wantErr: "invalid environment",
		},
		{
			name: "live trading with mock brokers",
			mutate: func(c *Config) {
				c.LiveTrading = true
				c.MockBrokers = true
			},
			wantErr: "mutually exclusive",
		},
		{
			name:    "ops port out of range",
			mutate:  func(c *Config) { c.OpsPort = 0 },
			wantErr: "invalid ops port",
		},
		{
			name:    "margin utilization limit above one",
			mutate:  func(c *Config) { c.MarginUtilLimit = 1.5 },
			wantErr: "margin utilization limit",
		},
		{
			name: "backup without bucket",
			mutate: func(c *Config) {
				c.Backup.Enabled = true
				c.Backup.AccessKey = "k"
				c.Backup.SecretKey = "s"
			},
			wantErr: "CONDUCTOR_S3_BUCKET",
		},
		{
			name: "backup without credentials",
			mutate: func(c *Config) {
				c.Backup.Enabled = true
				c.Backup.Bucket = "backups"
			},
			wantErr: "credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/conductor"}
	assert.Equal(t, "/var/lib/conductor/trading.db", cfg.DatabasePath("trading"))
}
