package replication

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// ErrTransportRunning is returned when Start is called twice.
var ErrTransportRunning = errors.New("replication: transport already running")

// AckTransport publishes records on a PUB socket and collects replica acks
// from a PULL socket. Records still outstanding are republished every
// RetransmitInterval, which also covers subscribers that joined late.
type AckTransport struct {
	cfg     QuorumConfig
	tracker *QuorumTracker
	factory SocketFactory
	logger  logging.Logger

	sendMu    sync.Mutex
	publisher ListenSocket
	acks      ListenSocket

	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewAckTransport creates a transport serving tracker. A nil factory uses
// mangos sockets.
func NewAckTransport(tracker *QuorumTracker, factory SocketFactory) *AckTransport {
	if factory == nil {
		factory = NewMangosSocketFactory()
	}
	cfg := tracker.Config()
	return &AckTransport{
		cfg:     cfg,
		tracker: tracker,
		factory: factory,
		logger:  cfg.Logger.With(logging.Component("ack-transport")),
	}
}

// Start binds both sockets and installs the transport as the tracker's
// publisher.
func (t *AckTransport) Start() error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if t.running {
		return ErrTransportRunning
	}

	cleanup := NewResourceCleanup(t.logger)
	defer cleanup.Cleanup()

	pub, err := t.factory.NewPubSocket()
	if err != nil {
		return fmt.Errorf("failed to create PUB socket: %w", err)
	}
	cleanup.Add(pub, "record publisher")
	if err := pub.Listen(t.cfg.PublishAddress); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.PublishAddress, err)
	}

	pull, err := t.factory.NewPullSocket()
	if err != nil {
		return fmt.Errorf("failed to create PULL socket: %w", err)
	}
	cleanup.Add(pull, "ack receiver")
	if err := pull.SetRecvDeadline(t.cfg.ReceiveTimeout); err != nil {
		return fmt.Errorf("failed to set ack receive deadline: %w", err)
	}
	if err := pull.Listen(t.cfg.AckAddress); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.AckAddress, err)
	}

	t.publisher = pub
	t.acks = pull
	t.stopCh = make(chan struct{})
	t.running = true

	t.wg.Add(2)
	go t.receiveAcks()
	go t.retransmit()

	t.tracker.SetPublisher(t)
	cleanup.Clear()

	t.logger.Info("ack transport started",
		logging.String("publish_address", t.cfg.PublishAddress),
		logging.String("ack_address", t.cfg.AckAddress))
	return nil
}

// Stop closes both sockets and waits for the background loops.
func (t *AckTransport) Stop() error {
	t.runningMu.Lock()
	defer t.runningMu.Unlock()

	if !t.running {
		return nil
	}
	t.running = false
	t.tracker.SetPublisher(nil)
	close(t.stopCh)

	cleanup := NewResourceCleanup(t.logger)
	cleanup.Add(t.publisher, "record publisher")
	cleanup.Add(t.acks, "ack receiver")
	err := cleanup.CloseAll()
	t.wg.Wait()

	t.logger.Info("ack transport stopped")
	return err
}

// Publish implements Publisher.
func (t *AckTransport) Publish(rec *wal.Record) error {
	data, err := EncodeRecordMessage(NewRecordMessage(rec))
	if err != nil {
		return err
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.publisher.Send(data)
}

func (t *AckTransport) stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// receiveAcks feeds replica acks into the tracker.
func (t *AckTransport) receiveAcks() {
	defer t.wg.Done()

	for !t.stopped() {
		data, err := t.acks.Recv()
		if err != nil {
			// Timeout or closed socket; the stop check decides.
			continue
		}
		ack, err := DecodeAck(data)
		if err != nil {
			t.logger.Warn("dropping malformed ack", logging.Error(err))
			continue
		}
		if err := t.tracker.Ack(ack.ReplicaID, ack.LSN); err != nil {
			t.logger.Warn("rejected ack",
				logging.ReplicaID(ack.ReplicaID),
				logging.LSN(ack.LSN),
				logging.Error(err))
		}
	}
}

// retransmit republishes outstanding records.
func (t *AckTransport) retransmit() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.RetransmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			for _, rec := range t.tracker.Outstanding() {
				if err := t.Publish(rec); err != nil {
					t.logger.Debug("retransmit failed", logging.LSN(rec.LSN), logging.Error(err))
					break
				}
			}
		}
	}
}

var _ Publisher = (*AckTransport)(nil)
