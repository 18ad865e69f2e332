package wal

import (
	"time"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
	"github.com/dd0wney/cluso-replog/pkg/validation"
)

const (
	logFileName     = "replog.wal"
	copyLogFileName = "replog.copy.wal"
)

// Config controls a Log.
type Config struct {
	// Dir holds the log file. Empty keeps the log in memory only.
	Dir string `yaml:"dir"`

	// CopyLog writes to the copy file until RenameCopyLog is called.
	CopyLog bool `yaml:"copy_log"`

	// Compress stores payloads with snappy when that is smaller.
	Compress bool `yaml:"compress"`

	FlushInterval    time.Duration `yaml:"flush_interval"`
	BatchSize        int           `yaml:"batch_size"`
	MaxBufferedBytes uint64        `yaml:"max_buffered_bytes"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`

	Logger  logging.Logger    `yaml:"-"`
	Metrics *metrics.Registry `yaml:"-"`
}

// DefaultConfig returns an in-memory log configuration.
func DefaultConfig() Config {
	return Config{
		FlushInterval:    5 * time.Millisecond,
		BatchSize:        64,
		MaxBufferedBytes: 16 << 20,
		WriteBufferSize:  64 << 10,
	}
}

// ApplyDefaults fills zero fields with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.FlushInterval = validation.DefaultOrDuration(c.FlushInterval, d.FlushInterval)
	c.BatchSize = validation.DefaultOr(c.BatchSize, d.BatchSize)
	c.MaxBufferedBytes = validation.DefaultOr(c.MaxBufferedBytes, d.MaxBufferedBytes)
	c.WriteBufferSize = validation.DefaultOr(c.WriteBufferSize, d.WriteBufferSize)
	c.Logger = logging.OrNop(c.Logger)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.NewConfigValidator("wal").
		MinDuration("flush_interval", c.FlushInterval, time.Millisecond).
		Positive("batch_size", c.BatchSize).
		PositiveUint64("max_buffered_bytes", c.MaxBufferedBytes).
		NonNegative("write_buffer_size", c.WriteBufferSize).
		When(c.CopyLog && c.Dir == "", func(v *validation.ConfigValidator) {
			v.Custom("copy_log", func() error { return errCopyLogNeedsDir })
		}).
		Validate()
}
