package orchestrator

import (
	"time"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
	"github.com/dd0wney/cluso-replog/pkg/validation"
)

// Config controls an Orchestrator.
type Config struct {
	// MaxProgressVectorEntries bounds the vector stored in checkpoints;
	// zero keeps every entry.
	MaxProgressVectorEntries uint32 `yaml:"max_progress_vector_entries"`

	GroupCommitInitialDelay time.Duration `yaml:"group_commit_initial_delay"`
	GroupCommitMaxDelay     time.Duration `yaml:"group_commit_max_delay"`

	// PeriodicCheckpointInterval forces a checkpoint and a truncation at
	// least this often. Zero disables the timer.
	PeriodicCheckpointInterval time.Duration `yaml:"periodic_checkpoint_interval"`

	// LockTimeout bounds the consistency lock acquisitions made on behalf
	// of callers; zero waits without limit.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	AbortWorkers int `yaml:"abort_workers"`

	Logger  logging.Logger    `yaml:"-"`
	Metrics *metrics.Registry `yaml:"-"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GroupCommitInitialDelay: 2 * time.Millisecond,
		GroupCommitMaxDelay:     5 * time.Second,
		AbortWorkers:            2,
	}
}

// ApplyDefaults fills zero fields with defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.GroupCommitInitialDelay = validation.DefaultOrDuration(c.GroupCommitInitialDelay, d.GroupCommitInitialDelay)
	c.GroupCommitMaxDelay = validation.DefaultOrDuration(c.GroupCommitMaxDelay, d.GroupCommitMaxDelay)
	c.AbortWorkers = validation.DefaultOr(c.AbortWorkers, d.AbortWorkers)
	c.Logger = logging.OrNop(c.Logger)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.NewConfigValidator("orchestrator").
		MinDuration("group_commit_initial_delay", c.GroupCommitInitialDelay, time.Microsecond).
		MinDuration("group_commit_max_delay", c.GroupCommitMaxDelay, c.GroupCommitInitialDelay).
		MinDuration("periodic_checkpoint_interval", c.PeriodicCheckpointInterval, 0).
		MinDuration("lock_timeout", c.LockTimeout, 0).
		RangeInt("abort_workers", c.AbortWorkers, 1, 64).
		Validate()
}
