package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
// Storage Configuration:
// - STORAGE_DIR: base storage directory (default: /data)
// - DB_PATH: sqlite database path (default: <STORAGE_DIR>/pipeline.db)
//
// Engine Configuration:
// - ENGINE_RUNTIME: sandbox runtime binary (default: docker)
// - ENGINE_IMAGE: engine container image (default: lexivid/transcription-engine:latest)
// - ENGINE_OUTPUT_DIR: engine output directory (default: <STORAGE_DIR>/transcripts)
// - ENGINE_TIMEOUT_MINUTES: subprocess wall-clock bound (default: 10)
//
// Queue Configuration:
// - QUEUE_CONCURRENCY: max concurrent jobs (default: 2)
// - QUEUE_MAX_ATTEMPTS: attempts per job before terminal failure (default: 3)
// - QUEUE_BACKOFF_SECONDS: base retry backoff, doubled per attempt (default: 5)
// - QUEUE_RETENTION: max retained terminal job records (default: 500)
// - QUEUE_RETENTION_HOURS: age beyond which terminal jobs are pruned (default: 72)
// - QUEUE_MAINTENANCE_SPEC: cron spec for retention/stall scan (default: @every 30s)
// - QUEUE_STALL_SECONDS: heartbeat staleness treated as a stall (default: 60)
//
// System Configuration:
// - HTTP_ADDR: admin/status listen address (default: :8080)
// - LOG_LEVEL: DEBUG|INFO|WARN|ERROR (default: INFO)

type Config struct {
	Storage StorageConfig `json:"storage"`
	Engine  EngineConfig  `json:"engine"`
	Queue   QueueConfig   `json:"queue"`
	System  SystemConfig  `json:"system"`
}

// StorageConfig holds the storage directory layout.
// Uploads land in UploadsDir and are moved into AudiosDir before processing.
type StorageConfig struct {
	BaseDir string `json:"base_dir"`
	DBPath  string `json:"db_path"`
}

func (c StorageConfig) UploadsDir() string {
	return filepath.Join(c.BaseDir, "uploads")
}

func (c StorageConfig) AudiosDir() string {
	return filepath.Join(c.BaseDir, "audios")
}

// EngineConfig holds the transcription engine subprocess configuration.
type EngineConfig struct {
	Runtime   string        `json:"runtime"`
	Image     string        `json:"image"`
	OutputDir string        `json:"output_dir"`
	Timeout   time.Duration `json:"timeout"`
}

// QueueConfig holds the job queue tuning knobs.
type QueueConfig struct {
	Concurrency     int           `json:"concurrency"`
	MaxAttempts     int           `json:"max_attempts"`
	BackoffBase     time.Duration `json:"backoff_base"`
	Retention       int           `json:"retention"`
	RetentionAge    time.Duration `json:"retention_age"`
	MaintenanceSpec string        `json:"maintenance_spec"`
	StallAfter      time.Duration `json:"stall_after"`
}

// SystemConfig holds process-level configuration.
type SystemConfig struct {
	HTTPAddr string `json:"http_addr"`
	LogLevel string `json:"log_level"`
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	storageDir := getEnvString("STORAGE_DIR", "/data")

	config := &Config{
		Storage: StorageConfig{
			BaseDir: storageDir,
			DBPath:  getEnvString("DB_PATH", filepath.Join(storageDir, "pipeline.db")),
		},
		Engine: EngineConfig{
			Runtime:   getEnvString("ENGINE_RUNTIME", "docker"),
			Image:     getEnvString("ENGINE_IMAGE", "lexivid/transcription-engine:latest"),
			OutputDir: getEnvString("ENGINE_OUTPUT_DIR", filepath.Join(storageDir, "transcripts")),
			Timeout:   time.Duration(getEnvInt("ENGINE_TIMEOUT_MINUTES", 10)) * time.Minute,
		},
		Queue: QueueConfig{
			Concurrency:     getEnvInt("QUEUE_CONCURRENCY", 2),
			MaxAttempts:     getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:     time.Duration(getEnvInt("QUEUE_BACKOFF_SECONDS", 5)) * time.Second,
			Retention:       getEnvInt("QUEUE_RETENTION", 500),
			RetentionAge:    time.Duration(getEnvInt("QUEUE_RETENTION_HOURS", 72)) * time.Hour,
			MaintenanceSpec: getEnvString("QUEUE_MAINTENANCE_SPEC", "@every 30s"),
			StallAfter:      time.Duration(getEnvInt("QUEUE_STALL_SECONDS", 60)) * time.Second,
		},
		System: SystemConfig{
			HTTPAddr: getEnvString("HTTP_ADDR", ":8080"),
			LogLevel: getEnvString("LOG_LEVEL", "INFO"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("STORAGE_DIR is required")
	}
	if c.Engine.Runtime == "" {
		return fmt.Errorf("ENGINE_RUNTIME is required")
	}
	if c.Engine.Image == "" {
		return fmt.Errorf("ENGINE_IMAGE is required")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
