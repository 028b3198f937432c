// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port             int
	DevMode          bool
	LogLevel         string
	LogPretty        bool
	DataPath         string // Market data workbook or YAML/JSON dataset
	EngineConfigPath string // Optional YAML overrides for Engine defaults
	Workers          int    // Multi-start worker goroutines per solve
	Storage          StorageConfig
	RequestTimeout   time.Duration
	WebhookTimeout   time.Duration
	JobRetention     time.Duration
	Engine           Engine
}

// StorageConfig holds the S3-compatible object storage settings used for exports
type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string // Custom endpoint for S3-compatible stores (R2, MinIO)
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether exports can be uploaded
func (s StorageConfig) Enabled() bool {
	return s.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnvAsInt("PORT", 8000),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        getEnvAsBool("LOG_PRETTY", false),
		DataPath:         getEnv("SAA_DATA_PATH", "data/saa_input.xlsx"),
		EngineConfigPath: getEnv("ENGINE_CONFIG_PATH", ""),
		Workers:          getEnvAsInt("OPTIMIZER_WORKERS", 4),
		Storage: StorageConfig{
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "auto"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		},
		RequestTimeout: time.Duration(getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 300)) * time.Second,
		WebhookTimeout: time.Duration(getEnvAsInt("WEBHOOK_TIMEOUT_SECONDS", 30)) * time.Second,
		JobRetention:   time.Duration(getEnvAsInt("JOB_RETENTION_MINUTES", 60)) * time.Minute,
	}

	engine := DefaultEngine()
	if cfg.EngineConfigPath != "" {
		loaded, err := LoadEngineFile(cfg.EngineConfigPath, engine)
		if err != nil {
			return nil, fmt.Errorf("failed to load engine config: %w", err)
		}
		engine = loaded
	}
	engine.RandomSeed = getEnvAsInt64("OPTIMIZER_SEED", engine.RandomSeed)
	cfg.Engine = engine

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("OPTIMIZER_WORKERS must be positive, got %d", c.Workers)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT_SECONDS must be positive")
	}
	if c.Storage.Enabled() && (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}
	return c.Engine.Validate()
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as int or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as bool or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
