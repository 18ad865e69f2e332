package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/replication"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	d := DefaultConfig()
	assert.Equal(t, d.Orchestrator.GroupCommitInitialDelay, cfg.Orchestrator.GroupCommitInitialDelay)
	assert.Equal(t, d.Truncation.CheckpointThresholdMB, cfg.Truncation.CheckpointThresholdMB)
	assert.Equal(t, d.WAL.FlushInterval, cfg.WAL.FlushInterval)
	assert.Equal(t, replication.TransportLoopback, cfg.Replication.Transport)
	assert.Equal(t, d.Simulation.Transactions, cfg.Simulation.Transactions)
	assert.Equal(t, logging.InfoLevel, cfg.Level())
	assert.Empty(t, cfg.Metrics.Address, "endpoints stay disabled unless configured")
}

func TestParseSections(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
orchestrator:
  group_commit_initial_delay: 1ms
  group_commit_max_delay: 2s
  periodic_checkpoint_interval: 1m
  lock_timeout: 250ms
truncation:
  checkpoint_threshold_mb: 8
  truncation_threshold_factor: 2.5
  throttling_threshold_factor: 4
wal:
  compress: true
  flush_interval: 3ms
replication:
  replicas: 2
  write_quorum: 2
  transport: mangos
  publish_address: inproc://records
  ack_address: inproc://acks
metrics:
  address: 127.0.0.1:9100
health:
  address: ":8081"
simulation:
  transactions: 10
  duration: 5s
`))
	require.NoError(t, err)

	assert.Equal(t, logging.DebugLevel, cfg.Level())
	assert.Equal(t, time.Millisecond, cfg.Orchestrator.GroupCommitInitialDelay)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.GroupCommitMaxDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Orchestrator.LockTimeout)
	assert.Equal(t, time.Minute, cfg.Truncation.PeriodicInterval, "periodic interval is shared")
	assert.Equal(t, uint64(8), cfg.Truncation.CheckpointThresholdMB)
	assert.Equal(t, 2.5, cfg.Truncation.TruncationThresholdFactor)
	assert.True(t, cfg.WAL.Compress)
	assert.Equal(t, 3*time.Millisecond, cfg.WAL.FlushInterval)
	assert.Equal(t, 2, cfg.Replication.Replicas)
	assert.Equal(t, "inproc://acks", cfg.Replication.AckAddress)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Address)
	assert.Equal(t, 10, cfg.Simulation.Transactions)
	assert.Equal(t, 5*time.Second, cfg.Simulation.Duration)
	assert.Equal(t, DefaultConfig().Simulation.PayloadBytes, cfg.Simulation.PayloadBytes)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "wal:\n  flush_every: 1ms\n"},
		{"bad log level", "log_level: loud\n"},
		{"bad listen address", "metrics:\n  address: nowhere\n"},
		{"throttle below truncation", "truncation:\n  truncation_threshold_factor: 3\n  throttling_threshold_factor: 2\n"},
		{"quorum larger than replica set", "replication:\n  replicas: 1\n  write_quorum: 3\n"},
		{"mangos without addresses", "replication:\n  transport: mangos\n"},
		{"max delay below initial", "orchestrator:\n  group_commit_initial_delay: 1s\n  group_commit_max_delay: 1ms\n"},
		{"copy log in memory", "wal:\n  copy_log: true\n"},
		{"negative transactions", "simulation:\n  transactions: -1\n"},
		{"not yaml", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestValidateJoinsSectionErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyDefaults()
	cfg.LogLevel = "loud"
	cfg.Replication.WriteQuorum = 5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LogLevel")
	assert.Contains(t, err.Error(), "write_quorum")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wal:\n  batch_size: 7\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.WAL.BatchSize)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("log_level: loud\n"), 0o600))
	_, err = Load(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad)
}
