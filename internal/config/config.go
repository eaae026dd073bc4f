// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Default backbone ("local", "s3" or "memory") used when the backbones
	// table is empty on first run.
	StorageBackend   string
	LocalStoragePath string

	// S3 backbone defaults
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Upload session ceilings
	MaxSessionSize int64
	MaxPartSize    int64
	MaxParts       int
	SessionTTL     time.Duration
	UploadRoot     string

	// EncryptionAlgorithm enables encryption at rest when non-empty
	// ("AES-256-CTR" or "AES-256-GCM").
	EncryptionAlgorithm string

	// Content reclamation windows
	DeleteGracePeriod time.Duration
	DraftStaleAfter   time.Duration
	DeleteRetryAfter  time.Duration
	SweepInterval     time.Duration
	SweepPageSize     int

	// Cleared-session retention before hard delete
	ClearedRetention time.Duration

	// Background cleanup worker pool
	CleanupWorkers int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		S3Endpoint:       envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:         envOr("S3_BUCKET", "contentgate"),
		S3AccessKey:      envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:         envOr("S3_REGION", "us-east-1"),
		S3UseSSL:         envBool("S3_USE_SSL", false),

		MaxSessionSize: envInt64("MAX_SESSION_SIZE", 4*1024*1024*1024), // 4 GiB
		MaxPartSize:    envInt64("MAX_PART_SIZE", 100*1024*1024),       // 100 MiB
		MaxParts:       envInt("MAX_PARTS", 1000),
		SessionTTL:     envDuration("SESSION_TTL", 24*time.Hour),
		UploadRoot:     envOr("UPLOAD_ROOT", "/data/uploads"),

		EncryptionAlgorithm: envOr("ENCRYPTION_ALGORITHM", ""),

		DeleteGracePeriod: envDuration("DELETE_GRACE_PERIOD", time.Hour),
		DraftStaleAfter:   envDuration("DRAFT_STALE_AFTER", 24*time.Hour),
		DeleteRetryAfter:  envDuration("DELETE_RETRY_AFTER", time.Hour),
		SweepInterval:     envDuration("SWEEP_INTERVAL", 15*time.Minute),
		SweepPageSize:     envInt("SWEEP_PAGE_SIZE", 100),

		ClearedRetention: envDuration("CLEARED_RETENTION", 7*24*time.Hour),

		CleanupWorkers: envInt("CLEANUP_WORKERS", 2),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
