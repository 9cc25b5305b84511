package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Swush server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Pipeline PipelineConfig
	Trigger  TriggerConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// StorageConfig configures the S3-compatible object store (AWS S3 or
// Cloudflare R2 via a custom endpoint).
type StorageConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// PipelineConfig tunes the derived-artifact job pipeline.
type PipelineConfig struct {
	MaxAttempts     int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	ClaimLease      time.Duration
	ReconcileEvery  time.Duration
	FFmpegPath      string
	FFprobePath     string
	FFmpegTimeout   time.Duration
}

// TriggerConfig configures the operator job-trigger surface.
type TriggerConfig struct {
	Token          string
	RequestsPerMin int
	MaxBatchLimit  int
	MaxBackfill    int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("SWUSH_PORT", 8080),
			Env:  envString("SWUSH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Storage: StorageConfig{
			Bucket:    os.Getenv("STORAGE_BUCKET"),
			Region:    envString("STORAGE_REGION", "auto"),
			Endpoint:  os.Getenv("STORAGE_ENDPOINT"),
			AccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey: os.Getenv("STORAGE_SECRET_KEY"),
		},
		Pipeline: PipelineConfig{
			MaxAttempts:     envInt("PIPELINE_MAX_ATTEMPTS", 3),
			RetryBackoff:    envDuration("PIPELINE_RETRY_BACKOFF", 30*time.Second),
			RetryBackoffMax: envDuration("PIPELINE_RETRY_BACKOFF_MAX", 10*time.Minute),
			ClaimLease:      envDuration("PIPELINE_CLAIM_LEASE", 10*time.Minute),
			ReconcileEvery:  envDuration("PIPELINE_RECONCILE_EVERY", 5*time.Minute),
			FFmpegPath:      envString("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:     envString("FFPROBE_PATH", "ffprobe"),
			FFmpegTimeout:   envDuration("FFMPEG_TIMEOUT", 5*time.Minute),
		},
		Trigger: TriggerConfig{
			Token:          os.Getenv("TRIGGER_TOKEN"),
			RequestsPerMin: envInt("TRIGGER_REQUESTS_PER_MIN", 60),
			MaxBatchLimit:  envInt("TRIGGER_MAX_BATCH_LIMIT", 10),
			MaxBackfill:    envInt("TRIGGER_MAX_BACKFILL", 50),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("STORAGE_BUCKET is required")
	}
	if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
		return fmt.Errorf("STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required")
	}

	if c.Trigger.Token == "" {
		return fmt.Errorf("TRIGGER_TOKEN is required")
	}
	if len(c.Trigger.Token) < 16 {
		return fmt.Errorf("TRIGGER_TOKEN must be at least 16 characters")
	}

	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("PIPELINE_MAX_ATTEMPTS must be at least 1, got %d", c.Pipeline.MaxAttempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
