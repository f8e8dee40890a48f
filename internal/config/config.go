// Package config loads printer-agent configuration from environment
// variables, grounded on the teacher's envOr/envBool/envInt helpers
// (fruitsalade/internal/config/config.go) generalized from a server's
// listen/DB/OIDC surface to the SDK's server_url/token/identity/storage
// surface (spec §6 "Environment inputs").
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every environment input a printer-agent embedding needs.
type Config struct {
	// Connect endpoint and identity
	ServerURL      string
	Token          string // empty triggers the Register/GetToken flow
	SerialNumber   string
	Fingerprint    string
	PrinterType    string
	PrinterVersion string
	SDKVersion     string

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsAddr string

	// Storage backend ("local" or "s3", default "local")
	StorageBackend string
	LocalRoot      string

	// S3 storage (used when StorageBackend == "s3")
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// Tuning
	EventQueueCapacity int
}

// Load reads Config from the environment, applying the same
// SERVER_URL/PRINTER_TYPE required-field checks the teacher applies to
// DATABASE_URL/JWT_SECRET.
func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:      envOr("SERVER_URL", ""),
		Token:          envOr("PRINTER_TOKEN", ""),
		SerialNumber:   envOr("SERIAL_NUMBER", ""),
		Fingerprint:    envOr("FINGERPRINT", ""),
		PrinterType:    envOr("PRINTER_TYPE", ""),
		PrinterVersion: envOr("PRINTER_VERSION", ""),
		SDKVersion:     envOr("SDK_VERSION", "dev"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),

		MetricsAddr: envOr("METRICS_ADDR", ":9090"),

		StorageBackend: envOr("STORAGE_BACKEND", "local"),
		LocalRoot:      envOr("LOCAL_STORAGE_ROOT", "/data/storage"),

		S3Bucket:    envOr("S3_BUCKET", ""),
		S3Prefix:    envOr("S3_PREFIX", ""),
		S3Region:    envOr("S3_REGION", "us-east-1"),
		S3Endpoint:  envOr("S3_ENDPOINT", ""),
		S3AccessKey: envOr("S3_ACCESS_KEY", ""),
		S3SecretKey: envOr("S3_SECRET_KEY", ""),

		EventQueueCapacity: envInt("EVENT_QUEUE_CAPACITY", 100),
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("SERVER_URL is required")
	}
	if cfg.PrinterType == "" {
		return nil, fmt.Errorf("PRINTER_TYPE is required")
	}
	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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
