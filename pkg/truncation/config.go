package truncation

import (
	"time"

	"github.com/dd0wney/cluso-replog/pkg/validation"
)

// MB is the unit of the size settings.
const MB = 1 << 20

// Config holds the size and time thresholds of the policy.
type Config struct {
	// CheckpointThresholdMB is the log growth since the last completed
	// checkpoint that triggers a new one
	CheckpointThresholdMB uint64 `yaml:"checkpoint_threshold_mb"`
	// MinLogSizeMB is the amount of log kept behind the tail after truncation
	MinLogSizeMB uint64 `yaml:"min_log_size_mb"`
	// TruncationThresholdFactor times the larger of the two sizes above is
	// the log usage that triggers head truncation
	TruncationThresholdFactor float64 `yaml:"truncation_threshold_factor"`
	// ThrottlingThresholdFactor times the same base is the usage at which
	// the primary rejects new writes
	ThrottlingThresholdFactor float64 `yaml:"throttling_threshold_factor"`
	// IndexIntervalBytes is the distance between indexing records
	IndexIntervalBytes uint64 `yaml:"index_interval_bytes"`
	// TransactionAbortFactor selects the oldest 1/factor of the log as the
	// region whose pending transactions get aborted
	TransactionAbortFactor float64 `yaml:"transaction_abort_factor"`
	// PeriodicInterval forces a checkpoint and truncation at least this
	// often; zero disables it
	PeriodicInterval time.Duration `yaml:"periodic_interval"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointThresholdMB:     50,
		MinLogSizeMB:              1,
		TruncationThresholdFactor: 2,
		ThrottlingThresholdFactor: 3,
		IndexIntervalBytes:        50 * MB / 4,
		TransactionAbortFactor:    2,
	}
}

// ApplyDefaults fills zero values from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.CheckpointThresholdMB = validation.DefaultOr(c.CheckpointThresholdMB, d.CheckpointThresholdMB)
	c.MinLogSizeMB = validation.DefaultOr(c.MinLogSizeMB, d.MinLogSizeMB)
	c.TruncationThresholdFactor = validation.DefaultOr(c.TruncationThresholdFactor, d.TruncationThresholdFactor)
	c.ThrottlingThresholdFactor = validation.DefaultOr(c.ThrottlingThresholdFactor, d.ThrottlingThresholdFactor)
	c.TransactionAbortFactor = validation.DefaultOr(c.TransactionAbortFactor, d.TransactionAbortFactor)
	if c.IndexIntervalBytes == 0 {
		c.IndexIntervalBytes = c.CheckpointThresholdMB * MB / 4
	}
}

// Validate checks the thresholds are usable together.
func (c *Config) Validate() error {
	return validation.NewConfigValidator("truncation.Config").
		PositiveUint64("CheckpointThresholdMB", c.CheckpointThresholdMB).
		PositiveUint64("MinLogSizeMB", c.MinLogSizeMB).
		PositiveUint64("IndexIntervalBytes", c.IndexIntervalBytes).
		GreaterFloat("TruncationThresholdFactor", c.TruncationThresholdFactor, 1).
		GreaterFloat("ThrottlingThresholdFactor", c.ThrottlingThresholdFactor, c.TruncationThresholdFactor).
		GreaterFloat("TransactionAbortFactor", c.TransactionAbortFactor, 1).
		MinDuration("PeriodicInterval", c.PeriodicInterval, 0).
		Validate()
}

func (c *Config) checkpointThresholdBytes() uint64 { return c.CheckpointThresholdMB * MB }

func (c *Config) minLogSizeBytes() uint64 { return c.MinLogSizeMB * MB }

func (c *Config) baseBytes() uint64 {
	return max(c.CheckpointThresholdMB, c.MinLogSizeMB) * MB
}

// TruncationThresholdBytes is the log usage above which the head is truncated.
func (c *Config) TruncationThresholdBytes() uint64 {
	return uint64(float64(c.baseBytes()) * c.TruncationThresholdFactor)
}

// ThrottlingThresholdBytes is the log usage above which writes are blocked.
func (c *Config) ThrottlingThresholdBytes() uint64 {
	return uint64(float64(c.baseBytes()) * c.ThrottlingThresholdFactor)
}
