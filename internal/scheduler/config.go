package scheduler

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	FinalizeBatchSize int
	RetryBatchSize    int
	ExhaustBatchSize  int
	JobTimeout        time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		FinalizeBatchSize: 50,
		RetryBatchSize:    25,
		ExhaustBatchSize:  25,
		JobTimeout:        30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.FinalizeBatchSize <= 0 {
		c.FinalizeBatchSize = defaults.FinalizeBatchSize
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = defaults.RetryBatchSize
	}
	if c.ExhaustBatchSize <= 0 {
		c.ExhaustBatchSize = defaults.ExhaustBatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

// ProvideConfig builds the scheduler config from environment variables,
// falling back to defaults for anything unset.
func ProvideConfig() Config {
	cfg := DefaultConfig()
	if v := envDuration("SCHEDULER_RUN_INTERVAL"); v > 0 {
		cfg.RunInterval = v
	}
	if v := envInt("SCHEDULER_FINALIZE_BATCH_SIZE"); v > 0 {
		cfg.FinalizeBatchSize = v
	}
	if v := envInt("SCHEDULER_RETRY_BATCH_SIZE"); v > 0 {
		cfg.RetryBatchSize = v
	}
	if v := envInt("SCHEDULER_EXHAUST_BATCH_SIZE"); v > 0 {
		cfg.ExhaustBatchSize = v
	}
	if v := envDuration("SCHEDULER_JOB_TIMEOUT"); v > 0 {
		cfg.JobTimeout = v
	}
	if raw := strings.TrimSpace(os.Getenv("SCHEDULER_ENABLED_JOBS")); raw != "" {
		for _, job := range strings.Split(raw, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	return cfg
}

func envInt(key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return parsed
}

func envDuration(key string) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return parsed
}
