// Package config loads the immutable process configuration from environment
// variables. The resulting Config is constructed once at boot, validated,
// and passed by value to every component; no package reads the environment
// after startup.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable the server consumes.
type Config struct {
	Host string
	Port int

	// APIKey, when non-empty, enables static bearer auth on /v1 routes.
	APIKey string

	StoragePath  string
	DatabasePath string

	// Default engine tuning; the memory optimizer may override per model.
	ModelName            string
	GPUMemoryUtilization float64
	MaxModelLen          int
	MaxNumSeqs           int

	MaxRequestsPerJob      int
	MaxQueueDepth          int
	MaxTotalQueuedRequests int

	ChunkSize     int
	RetryAttempts int

	HeartbeatInterval       time.Duration
	HeartbeatDeadMultiplier int
	CompletionWindow        time.Duration

	CleanupAfterDays       int
	RetentionSweepSchedule string
	ExpirySweepInterval    time.Duration

	ModelProfilesPath string
	PrescanUploads    bool
}

// Load builds a Config from the environment, applying defaults for anything
// unset.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8000)
	v.SetDefault("API_KEY", "")
	v.SetDefault("STORAGE_PATH", "./data/files")
	v.SetDefault("DATABASE_PATH", "./data/batchlocallm.db")
	v.SetDefault("MODEL_NAME", "")
	v.SetDefault("GPU_MEMORY_UTILIZATION", 0.90)
	v.SetDefault("MAX_MODEL_LEN", 8192)
	v.SetDefault("MAX_NUM_SEQS", 256)
	v.SetDefault("MAX_REQUESTS_PER_JOB", 50000)
	v.SetDefault("MAX_QUEUE_DEPTH", 5)
	v.SetDefault("MAX_TOTAL_QUEUED_REQUESTS", 100000)
	v.SetDefault("CHUNK_SIZE", 100)
	v.SetDefault("RETRY_ATTEMPTS", 3)
	v.SetDefault("HEARTBEAT_INTERVAL_SECONDS", 15)
	v.SetDefault("HEARTBEAT_DEAD_MULTIPLIER", 3)
	v.SetDefault("COMPLETION_WINDOW_SECONDS", 86400)
	v.SetDefault("CLEANUP_AFTER_DAYS", 30)
	v.SetDefault("RETENTION_SWEEP_SCHEDULE", "@daily")
	v.SetDefault("EXPIRY_SWEEP_SECONDS", 30)
	v.SetDefault("MODEL_PROFILES_PATH", "")
	v.SetDefault("PRESCAN_UPLOADS", false)

	cfg := Config{
		Host:                    v.GetString("HOST"),
		Port:                    v.GetInt("PORT"),
		APIKey:                  v.GetString("API_KEY"),
		StoragePath:             v.GetString("STORAGE_PATH"),
		DatabasePath:            v.GetString("DATABASE_PATH"),
		ModelName:               v.GetString("MODEL_NAME"),
		GPUMemoryUtilization:    v.GetFloat64("GPU_MEMORY_UTILIZATION"),
		MaxModelLen:             v.GetInt("MAX_MODEL_LEN"),
		MaxNumSeqs:              v.GetInt("MAX_NUM_SEQS"),
		MaxRequestsPerJob:       v.GetInt("MAX_REQUESTS_PER_JOB"),
		MaxQueueDepth:           v.GetInt("MAX_QUEUE_DEPTH"),
		MaxTotalQueuedRequests:  v.GetInt("MAX_TOTAL_QUEUED_REQUESTS"),
		ChunkSize:               v.GetInt("CHUNK_SIZE"),
		RetryAttempts:           v.GetInt("RETRY_ATTEMPTS"),
		HeartbeatInterval:       time.Duration(v.GetInt("HEARTBEAT_INTERVAL_SECONDS")) * time.Second,
		HeartbeatDeadMultiplier: v.GetInt("HEARTBEAT_DEAD_MULTIPLIER"),
		CompletionWindow:        time.Duration(v.GetInt("COMPLETION_WINDOW_SECONDS")) * time.Second,
		CleanupAfterDays:        v.GetInt("CLEANUP_AFTER_DAYS"),
		RetentionSweepSchedule:  v.GetString("RETENTION_SWEEP_SCHEDULE"),
		ExpirySweepInterval:     time.Duration(v.GetInt("EXPIRY_SWEEP_SECONDS")) * time.Second,
		ModelProfilesPath:       v.GetString("MODEL_PROFILES_PATH"),
		PrescanUploads:          v.GetBool("PRESCAN_UPLOADS"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run under.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.StoragePath == "" {
		return fmt.Errorf("STORAGE_PATH must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	if c.GPUMemoryUtilization <= 0 || c.GPUMemoryUtilization > 1 {
		return fmt.Errorf("GPU_MEMORY_UTILIZATION must be in (0, 1]: %g", c.GPUMemoryUtilization)
	}
	if c.MaxModelLen < 1 {
		return fmt.Errorf("MAX_MODEL_LEN must be positive: %d", c.MaxModelLen)
	}
	if c.MaxQueueDepth < 1 {
		return fmt.Errorf("MAX_QUEUE_DEPTH must be positive: %d", c.MaxQueueDepth)
	}
	if c.MaxRequestsPerJob < 1 {
		return fmt.Errorf("MAX_REQUESTS_PER_JOB must be positive: %d", c.MaxRequestsPerJob)
	}
	if c.MaxTotalQueuedRequests < c.MaxRequestsPerJob {
		return fmt.Errorf("MAX_TOTAL_QUEUED_REQUESTS (%d) must be >= MAX_REQUESTS_PER_JOB (%d)",
			c.MaxTotalQueuedRequests, c.MaxRequestsPerJob)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("CHUNK_SIZE must be positive: %d", c.ChunkSize)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be positive: %d", c.RetryAttempts)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	if c.HeartbeatDeadMultiplier < 1 {
		return fmt.Errorf("HEARTBEAT_DEAD_MULTIPLIER must be positive: %d", c.HeartbeatDeadMultiplier)
	}
	if c.CompletionWindow <= 0 {
		return fmt.Errorf("COMPLETION_WINDOW_SECONDS must be positive")
	}
	if c.CleanupAfterDays < 1 {
		return fmt.Errorf("CLEANUP_AFTER_DAYS must be positive: %d", c.CleanupAfterDays)
	}
	if c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_SECONDS must be positive")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DeadAfter is how stale a heartbeat may be before the worker is considered
// dead.
func (c Config) DeadAfter() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatDeadMultiplier)
}
