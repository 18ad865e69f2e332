// Package config loads the YAML configuration of a replog process and
// splits it into the settings of each component.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/orchestrator"
	"github.com/dd0wney/cluso-replog/pkg/replication"
	"github.com/dd0wney/cluso-replog/pkg/truncation"
	"github.com/dd0wney/cluso-replog/pkg/validation"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// Config is the whole process configuration.
type Config struct {
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	Orchestrator orchestrator.Config      `yaml:"orchestrator" validate:"-"`
	Truncation   truncation.Config        `yaml:"truncation" validate:"-"`
	WAL          wal.Config               `yaml:"wal" validate:"-"`
	Replication  replication.QuorumConfig `yaml:"replication" validate:"-"`

	Metrics    EndpointConfig   `yaml:"metrics"`
	Health     EndpointConfig   `yaml:"health"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// EndpointConfig is an HTTP listener. An empty address disables it.
type EndpointConfig struct {
	Address string `yaml:"address" validate:"omitempty,listen_addr"`
}

// SimulationConfig drives the write load of `replogctl simulate`.
type SimulationConfig struct {
	Transactions             int           `yaml:"transactions" validate:"gte=0"`
	OperationsPerTransaction int           `yaml:"operations_per_transaction" validate:"gte=0"`
	PayloadBytes             int           `yaml:"payload_bytes" validate:"gte=0"`
	Interval                 time.Duration `yaml:"interval"`
	// Duration keeps the process serving after the load; zero exits
	// once the last transaction is stable.
	Duration time.Duration `yaml:"duration"`
}

// DefaultConfig returns an in-memory single-node configuration.
func DefaultConfig() Config {
	return Config{
		LogLevel:     "info",
		Orchestrator: orchestrator.DefaultConfig(),
		Truncation:   truncation.DefaultConfig(),
		WAL:          wal.DefaultConfig(),
		Replication:  replication.DefaultQuorumConfig(),
		Metrics:      EndpointConfig{Address: ":9090"},
		Health:       EndpointConfig{Address: ":8081"},
		Simulation: SimulationConfig{
			Transactions:             1000,
			OperationsPerTransaction: 4,
			PayloadBytes:             256,
			Interval:                 time.Millisecond,
		},
	}
}

// ApplyDefaults fills zero fields with defaults, section by section.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	c.LogLevel = validation.DefaultOr(c.LogLevel, d.LogLevel)

	if c.Orchestrator.PeriodicCheckpointInterval == 0 {
		c.Orchestrator.PeriodicCheckpointInterval = c.Truncation.PeriodicInterval
	}
	c.Truncation.PeriodicInterval = c.Orchestrator.PeriodicCheckpointInterval

	c.Orchestrator.ApplyDefaults()
	c.Truncation.ApplyDefaults()
	c.WAL.ApplyDefaults()
	c.Replication.ApplyDefaults()

	s := &c.Simulation
	s.Transactions = validation.DefaultOr(s.Transactions, d.Simulation.Transactions)
	s.OperationsPerTransaction = validation.DefaultOr(s.OperationsPerTransaction, d.Simulation.OperationsPerTransaction)
	s.PayloadBytes = validation.DefaultOr(s.PayloadBytes, d.Simulation.PayloadBytes)
	s.Interval = validation.DefaultOrDuration(s.Interval, d.Simulation.Interval)
}

// Validate checks every section and joins their errors.
func (c *Config) Validate() error {
	return errors.Join(
		validation.NewConfigValidator("config").
			Struct(c).
			MinDuration("simulation.interval", c.Simulation.Interval, 0).
			MinDuration("simulation.duration", c.Simulation.Duration, 0).
			Validate(),
		c.Orchestrator.Validate(),
		c.Truncation.Validate(),
		c.WAL.Validate(),
		c.Replication.Validate(),
	)
}

// Level returns the parsed log level.
func (c *Config) Level() logging.Level {
	level, _ := logging.ParseLevel(c.LogLevel)
	return level
}

// Parse decodes YAML, applies defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
