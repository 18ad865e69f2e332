// Package replication tracks quorum acknowledgement of replicated log
// records and carries records and acks between the primary and its
// replicas over mangos sockets.
package replication

import (
	"fmt"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
	"github.com/dd0wney/cluso-replog/pkg/validation"
)

// Transport kinds.
const (
	TransportLoopback = "loopback"
	TransportMangos   = "mangos"
)

// QuorumConfig describes the replica set of a primary.
type QuorumConfig struct {
	// Replicas is the number of secondaries, identified 1..Replicas.
	Replicas int `yaml:"replicas" validate:"gte=0"`

	// WriteQuorum counts the primary itself.
	WriteQuorum int `yaml:"write_quorum" validate:"gte=1"`

	Transport      string `yaml:"transport" validate:"oneof=loopback mangos"`
	PublishAddress string `yaml:"publish_address" validate:"omitempty,mangos_url"`
	AckAddress     string `yaml:"ack_address" validate:"omitempty,mangos_url"`

	RetransmitInterval time.Duration `yaml:"retransmit_interval"`
	ReceiveTimeout     time.Duration `yaml:"receive_timeout"`

	Logger  logging.Logger    `yaml:"-" validate:"-"`
	Metrics *metrics.Registry `yaml:"-" validate:"-"`
}

// DefaultQuorumConfig returns a single-node configuration.
func DefaultQuorumConfig() QuorumConfig {
	return QuorumConfig{
		Replicas:           0,
		WriteQuorum:        1,
		Transport:          TransportLoopback,
		RetransmitInterval: 50 * time.Millisecond,
		ReceiveTimeout:     100 * time.Millisecond,
	}
}

// ApplyDefaults fills zero fields with defaults.
func (c *QuorumConfig) ApplyDefaults() {
	d := DefaultQuorumConfig()
	c.WriteQuorum = validation.DefaultOr(c.WriteQuorum, d.WriteQuorum)
	c.Transport = validation.DefaultOr(c.Transport, d.Transport)
	c.RetransmitInterval = validation.DefaultOrDuration(c.RetransmitInterval, d.RetransmitInterval)
	c.ReceiveTimeout = validation.DefaultOrDuration(c.ReceiveTimeout, d.ReceiveTimeout)
	c.Logger = logging.OrNop(c.Logger)
}

// Validate checks the configuration.
func (c *QuorumConfig) Validate() error {
	return validation.NewConfigValidator("replication").
		Struct(c).
		Custom("write_quorum", func() error {
			if c.WriteQuorum > c.Replicas+1 {
				return fmt.Errorf("%d exceeds the %d members of the replica set", c.WriteQuorum, c.Replicas+1)
			}
			return nil
		}).
		When(c.Transport == TransportMangos, func(v *validation.ConfigValidator) {
			v.Required("publish_address", c.PublishAddress).
				Required("ack_address", c.AckAddress)
		}).
		Validate()
}

// Validate checks the replica configuration.
func (c *ReplicaConfig) Validate() error {
	return validation.NewConfigValidator("replica").
		Struct(c).
		MinDuration("receive_timeout", c.ReceiveTimeout, time.Millisecond).
		Validate()
}
