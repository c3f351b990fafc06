package di

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/conductor/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment:         config.EnvStaging,
		DataDir:             t.TempDir(),
		OpsPort:             8100,
		MockBrokers:         true,
		MarginPreviewURL:    "http://localhost:9000",
		MarginUtilLimit:     0.9,
		AccountPollInterval: time.Minute,
		DedupTTL:            24 * time.Hour,
		PrecisionCacheTTL:   24 * time.Hour,
		Bus: config.BusConfig{
			VisibilityTimeout: 30 * time.Second,
			PollInterval:      200 * time.Millisecond,
		},
		Ingestion: config.IngestionConfig{
			PollInterval:         100 * time.Millisecond,
			BackoffBase:          time.Second,
			MaxReconnectAttempts: 3,
		},
	}
}

func TestBuildIngestor(t *testing.T) {
	c, err := BuildIngestor(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Bus)
	require.NotNil(t, c.Signals)
	require.NotNil(t, c.Tailer)
	require.NotNil(t, c.Server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, db := range c.Databases() {
		require.NoError(t, db.HealthCheck(ctx))
	}
}

func TestBuildCerebro(t *testing.T) {
	c, err := BuildCerebro(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Engine)
	require.NotNil(t, c.Server)
	require.Len(t, c.Databases(), 5)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, db := range c.Databases() {
		require.NoError(t, db.HealthCheck(ctx))
	}
}

func TestBuildExecutor(t *testing.T) {
	c, err := BuildExecutor(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Dispatcher)
	require.NotNil(t, c.Poller)
	require.NotNil(t, c.Scheduler)
	require.NotNil(t, c.Server)
	// Backups stay unwired unless configured, and mock runs have no
	// gateway websocket to stream from.
	require.Nil(t, c.Backups)
	require.Nil(t, c.Stream)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, db := range c.Databases() {
		require.NoError(t, db.HealthCheck(ctx))
	}
}

func TestBuildExecutorSharesDatabasesWithCerebro(t *testing.T) {
	cfg := testConfig(t)

	cer, err := BuildCerebro(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer cer.Close()

	exe, err := BuildExecutor(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer exe.Close()

	// Both processes open the same trading ledger file.
	require.Equal(t, cer.TradingDB.Path(), exe.TradingDB.Path())
}
