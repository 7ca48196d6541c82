// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/ksood/tradegate/internal/settings"
)

// Config holds application configuration
type Config struct {
	DataDir           string // Base directory for databases and the credential file (always absolute)
	CredentialFile    string // Path to the persisted broker session record
	KiteAPIKey        string
	KiteAPISecret     string
	MarketDataBaseURL string
	LogLevel          string
	Port              int
	DevMode           bool
	Backup            *BackupConfig
}

// BackupConfig holds S3-compatible backup storage configuration.
// Backups are disabled when Bucket is empty.
type BackupConfig struct {
	Bucket          string
	Prefix          string
	Endpoint        string // Non-AWS endpoint (e.g. Cloudflare R2), empty for AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Retention       int // Number of most recent backups to keep, 0 keeps all
}

// Enabled reports whether backup uploads are configured.
func (b *BackupConfig) Enabled() bool {
	return b != nil && b.Bucket != ""
}

// CredentialSource identifies where an API credential was resolved from.
type CredentialSource string

const (
	// SourceSettings - value came from the settings database
	SourceSettings CredentialSource = "settings"
	// SourceEnv - value came from an environment variable
	SourceEnv CredentialSource = "env"
	// SourceNone - no value found in any source
	SourceNone CredentialSource = "none"
)

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRADEGATE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	credFile := getEnv("KITE_CREDENTIAL_FILE", "")
	if credFile == "" {
		credFile = filepath.Join(absDataDir, "kite_session.json")
	}

	cfg := &Config{
		DataDir:           absDataDir,
		CredentialFile:    credFile,
		Port:              getEnvAsInt("GO_PORT", 8001),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		KiteAPIKey:        getEnv("KITE_API_KEY", ""),
		KiteAPISecret:     getEnv("KITE_API_SECRET", ""),
		MarketDataBaseURL: getEnv("MARKET_DATA_URL", "https://marketdata.tradegate.local"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Backup:            loadBackupConfig(),
	}

	return cfg, nil
}

// ResolveCredentials resolves the broker API key and secret from the ordered
// source chain: settings database first, environment variables second.
// It returns which source supplied the key so the decision can be audited,
// instead of silently falling through between sources.
func (c *Config) ResolveCredentials(settingsRepo *settings.Repository) (CredentialSource, error) {
	apiKey, err := settingsRepo.Get("kite_api_key")
	if err != nil {
		return SourceNone, fmt.Errorf("failed to get kite_api_key from settings: %w", err)
	}
	apiSecret, err := settingsRepo.Get("kite_api_secret")
	if err != nil {
		return SourceNone, fmt.Errorf("failed to get kite_api_secret from settings: %w", err)
	}

	if apiKey != nil && *apiKey != "" {
		c.KiteAPIKey = *apiKey
		if apiSecret != nil && *apiSecret != "" {
			c.KiteAPISecret = *apiSecret
		}
		return SourceSettings, nil
	}

	if c.KiteAPIKey != "" {
		return SourceEnv, nil
	}

	return SourceNone, nil
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

// loadBackupConfig loads S3 backup configuration from the environment
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
		Prefix:          getEnv("BACKUP_S3_PREFIX", "tradegate"),
		Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
		Region:          getEnv("BACKUP_S3_REGION", "auto"),
		AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
		Retention:       getEnvAsInt("BACKUP_RETENTION", 14),
	}
}
