package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/types"
)

// ReplicaConfig describes how a replica reaches its primary.
type ReplicaConfig struct {
	ReplicaID      int64         `yaml:"replica_id" validate:"gte=1"`
	PublishAddress string        `yaml:"publish_address" validate:"required,mangos_url"`
	AckAddress     string        `yaml:"ack_address" validate:"required,mangos_url"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	Logger logging.Logger `yaml:"-" validate:"-"`
}

// ReplicaClient subscribes to the primary's record stream, applies records
// in LSN order and acknowledges the highest applied LSN.
type ReplicaClient struct {
	cfg     ReplicaConfig
	factory SocketFactory
	apply   ApplyFunc
	logger  logging.Logger

	mu      sync.Mutex
	applied types.LSN
}

// NewReplicaClient creates a client that has applied everything up to
// appliedLSN. A nil factory uses mangos sockets.
func NewReplicaClient(cfg ReplicaConfig, appliedLSN types.LSN, factory SocketFactory, apply ApplyFunc) (*ReplicaClient, error) {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultQuorumConfig().ReceiveTimeout
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = NewMangosSocketFactory()
	}
	return &ReplicaClient{
		cfg:     cfg,
		factory: factory,
		apply:   apply,
		logger:  cfg.Logger.With(logging.Component("replica"), logging.ReplicaID(cfg.ReplicaID)),
		applied: appliedLSN,
	}, nil
}

// AppliedLSN returns the highest LSN applied so far.
func (c *ReplicaClient) AppliedLSN() types.LSN {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// Run receives records until ctx is done.
func (c *ReplicaClient) Run(ctx context.Context) error {
	cleanup := NewResourceCleanup(c.logger)
	defer cleanup.Cleanup()

	sub, err := c.factory.NewSubSocket()
	if err != nil {
		return fmt.Errorf("failed to create SUB socket: %w", err)
	}
	cleanup.Add(sub, "record subscriber")
	if err := sub.Subscribe([]byte(recordTopic)); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := sub.SetRecvDeadline(c.cfg.ReceiveTimeout); err != nil {
		return fmt.Errorf("failed to set receive deadline: %w", err)
	}
	if err := sub.Dial(c.cfg.PublishAddress); err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.PublishAddress, err)
	}

	push, err := c.factory.NewPushSocket()
	if err != nil {
		return fmt.Errorf("failed to create PUSH socket: %w", err)
	}
	cleanup.Add(push, "ack sender")
	if err := push.SetSendDeadline(c.cfg.ReceiveTimeout); err != nil {
		return fmt.Errorf("failed to set send deadline: %w", err)
	}
	if err := push.Dial(c.cfg.AckAddress); err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.cfg.AckAddress, err)
	}

	c.logger.Info("replica connected", logging.String("publish_address", c.cfg.PublishAddress))

	for ctx.Err() == nil {
		msg, err := sub.Recv()
		if err != nil {
			continue
		}
		rec, err := DecodeRecordMessage(msg)
		if err != nil {
			c.logger.Warn("dropping malformed record", logging.Error(err))
			continue
		}
		ack, ok := c.handle(rec)
		if !ok {
			continue
		}
		if err := c.sendAck(push, ack); err != nil {
			c.logger.Warn("failed to send ack", logging.LSN(ack), logging.Error(err))
		}
	}
	return nil
}

// handle applies rec when it is the next record and returns the LSN to
// acknowledge. Records after a gap are dropped; retransmission fills it.
func (c *ReplicaClient) handle(rec RecordMessage) (types.LSN, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case rec.LSN <= c.applied:
		return c.applied, true
	case rec.LSN != c.applied+1:
		c.logger.Debug("gap in record stream",
			logging.LSN(rec.LSN),
			logging.Int64("applied", int64(c.applied)))
		return 0, false
	}

	if c.apply != nil {
		if err := c.apply(c.cfg.ReplicaID, rec); err != nil {
			c.logger.Error("failed to apply record", logging.LSN(rec.LSN), logging.Error(err))
			return 0, false
		}
	}
	c.applied = rec.LSN
	return c.applied, true
}

func (c *ReplicaClient) sendAck(push DialSocket, lsn types.LSN) error {
	data, err := EncodeAck(AckMessage{ReplicaID: c.cfg.ReplicaID, LSN: lsn})
	if err != nil {
		return err
	}
	return push.Send(data)
}
