// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environments. Every signal row carries one; each process serves exactly
// one, set at start time.
const (
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// Config holds application configuration shared by the three pipeline
// processes. Broker credentials are NOT here; they live in each trading
// account's authentication blob.
type Config struct {
	Environment string // staging | production
	DataDir     string // Base directory for all databases (always absolute)
	LogLevel    string
	LogFile     string // Lifecycle log file (empty = stdout only)
	LogPretty   bool
	OpsPort     int // Per-process ops HTTP server port

	MockBrokers bool // Route every account through the mock adapter
	LiveTrading bool // Allow real order submission

	MarginPreviewURL    string
	MarginUtilLimit     float64 // Fraction of account equity usable as margin
	AccountPollInterval time.Duration
	DedupTTL            time.Duration // Processed signal_id retention
	PrecisionCacheTTL   time.Duration

	Bus       BusConfig
	Ingestion IngestionConfig
	Brokers   BrokerConfig
	Backup    BackupConfig
}

// BusConfig tunes the durable topic bus.
type BusConfig struct {
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// IngestionConfig tunes the CDC tail.
type IngestionConfig struct {
	PollInterval         time.Duration
	BackoffBase          time.Duration
	MaxReconnectAttempts int
}

// BrokerConfig holds per-broker endpoint configuration.
type BrokerConfig struct {
	IBKRGatewayURL string
	BinanceBaseURL string
	ZerodhaBaseURL string
	VantageBaseURL string
}

// BackupConfig holds S3-compatible backup settings.
type BackupConfig struct {
	Enabled   bool
	Bucket    string
	Endpoint  string // Custom endpoint for R2-compatible storage (empty = AWS)
	AccessKey string
	SecretKey string
	Region    string
	Retain    int // Number of backups to keep
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("CONDUCTOR_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		Environment: getEnv("CONDUCTOR_ENV", EnvStaging),
		DataDir:     absDataDir,
		LogLevel:    getEnv("CONDUCTOR_LOG_LEVEL", "info"),
		LogFile:     getEnv("CONDUCTOR_LOG_FILE", ""),
		LogPretty:   getEnvAsBool("CONDUCTOR_LOG_PRETTY", false),
		OpsPort:     getEnvAsInt("CONDUCTOR_OPS_PORT", 8100),

		MockBrokers: getEnvAsBool("CONDUCTOR_MOCK_BROKERS", false),
		LiveTrading: getEnvAsBool("CONDUCTOR_LIVE_TRADING", false),

		MarginPreviewURL:    getEnv("CONDUCTOR_MARGIN_PREVIEW_URL", "http://localhost:9000"),
		MarginUtilLimit:     getEnvAsFloat("CONDUCTOR_MARGIN_UTIL_LIMIT", 0.9),
		AccountPollInterval: time.Duration(getEnvAsInt("CONDUCTOR_ACCOUNT_POLL_SECONDS", 60)) * time.Second,
		DedupTTL:            time.Duration(getEnvAsInt("CONDUCTOR_DEDUP_TTL_HOURS", 24)) * time.Hour,
		PrecisionCacheTTL:   time.Duration(getEnvAsInt("CONDUCTOR_PRECISION_CACHE_TTL_HOURS", 24)) * time.Hour,

		Bus: BusConfig{
			VisibilityTimeout: time.Duration(getEnvAsInt("CONDUCTOR_BUS_VISIBILITY_SECONDS", 30)) * time.Second,
			PollInterval:      time.Duration(getEnvAsInt("CONDUCTOR_BUS_POLL_MS", 200)) * time.Millisecond,
		},
		Ingestion: IngestionConfig{
			PollInterval:         time.Duration(getEnvAsInt("CONDUCTOR_CDC_POLL_MS", 500)) * time.Millisecond,
			BackoffBase:          time.Duration(getEnvAsInt("CONDUCTOR_CDC_BACKOFF_BASE_SECONDS", 2)) * time.Second,
			MaxReconnectAttempts: getEnvAsInt("CONDUCTOR_CDC_MAX_RECONNECT_ATTEMPTS", 5),
		},
		Brokers: BrokerConfig{
			IBKRGatewayURL: getEnv("CONDUCTOR_IBKR_GATEWAY_URL", "https://localhost:5000/v1/api"),
			BinanceBaseURL: getEnv("CONDUCTOR_BINANCE_BASE_URL", "https://api.binance.com"),
			ZerodhaBaseURL: getEnv("CONDUCTOR_ZERODHA_BASE_URL", "https://api.kite.trade"),
			VantageBaseURL: getEnv("CONDUCTOR_VANTAGE_BASE_URL", "https://api.vantagemarkets.com"),
		},
		Backup: BackupConfig{
			Enabled:   getEnvAsBool("CONDUCTOR_BACKUP_ENABLED", false),
			Bucket:    getEnv("CONDUCTOR_S3_BUCKET", ""),
			Endpoint:  getEnv("CONDUCTOR_S3_ENDPOINT", ""),
			AccessKey: getEnv("CONDUCTOR_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("CONDUCTOR_S3_SECRET_KEY", ""),
			Region:    getEnv("CONDUCTOR_S3_REGION", "auto"),
			Retain:    getEnvAsInt("CONDUCTOR_BACKUP_RETAIN", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Environment != EnvStaging && c.Environment != EnvProduction {
		return fmt.Errorf("invalid environment %q: must be %q or %q", c.Environment, EnvStaging, EnvProduction)
	}

	if c.LiveTrading && c.MockBrokers {
		return fmt.Errorf("CONDUCTOR_LIVE_TRADING and CONDUCTOR_MOCK_BROKERS are mutually exclusive")
	}

	if c.OpsPort < 1 || c.OpsPort > 65535 {
		return fmt.Errorf("invalid ops port %d", c.OpsPort)
	}

	if c.MarginUtilLimit <= 0 || c.MarginUtilLimit > 1 {
		return fmt.Errorf("invalid margin utilization limit %.2f: must be in (0, 1]", c.MarginUtilLimit)
	}

	if c.Backup.Enabled {
		if c.Backup.Bucket == "" {
			return fmt.Errorf("backup enabled but CONDUCTOR_S3_BUCKET is not set")
		}
		if c.Backup.AccessKey == "" || c.Backup.SecretKey == "" {
			return fmt.Errorf("backup enabled but S3 credentials are not set")
		}
	}

	return nil
}

// DatabasePath returns the path of a named database under the data
// directory.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
