package replication

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

// recordTopic prefixes every published record so replicas can subscribe to
// the record stream only.
const recordTopic = "REC:"

// RecordMessage carries one logical log record to the replicas.
type RecordMessage struct {
	LSN           types.LSN      `json:"lsn"`
	Type          wal.RecordType `json:"type"`
	Epoch         types.Epoch    `json:"epoch"`
	LastStableLSN types.LSN      `json:"last_stable_lsn"`
	Payload       []byte         `json:"payload,omitempty"`
}

// AckMessage acknowledges every record up to LSN.
type AckMessage struct {
	ReplicaID int64     `json:"replica_id"`
	LSN       types.LSN `json:"lsn"`
}

// NewRecordMessage builds the wire message for rec.
func NewRecordMessage(rec *wal.Record) RecordMessage {
	return RecordMessage{
		LSN:           rec.LSN,
		Type:          rec.Type,
		Epoch:         rec.Epoch,
		LastStableLSN: rec.LastStableLSN,
		Payload:       rec.Payload,
	}
}

// EncodeRecordMessage returns the topic-prefixed JSON encoding of m.
func EncodeRecordMessage(m RecordMessage) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append([]byte(recordTopic), data...), nil
}

// DecodeRecordMessage parses a published record.
func DecodeRecordMessage(msg []byte) (RecordMessage, error) {
	var m RecordMessage
	if !bytes.HasPrefix(msg, []byte(recordTopic)) {
		return m, fmt.Errorf("replication: message without %q topic", recordTopic)
	}
	if err := json.Unmarshal(msg[len(recordTopic):], &m); err != nil {
		return m, fmt.Errorf("replication: decode record: %w", err)
	}
	if !m.Type.ConsumesLSN() {
		return m, fmt.Errorf("replication: unexpected %s record", m.Type)
	}
	return m, nil
}

// EncodeAck returns the JSON encoding of an ack.
func EncodeAck(a AckMessage) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAck parses an ack.
func DecodeAck(data []byte) (AckMessage, error) {
	var a AckMessage
	if err := json.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("replication: decode ack: %w", err)
	}
	return a, nil
}
