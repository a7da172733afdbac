package amqp

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sync operations carried by a message. The worker replays them against the
// remote ledger.
const (
	OpCreate = "create"
	OpDelete = "delete"
)

// SyncMessage is a lightweight pointer to a locally written transaction.
// For creates the worker fetches the full record from the fallback store;
// for deletes the id is all it needs.
type SyncMessage struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSyncMessage(id, op string) *SyncMessage {
	return &SyncMessage{
		ID:        id,
		Op:        op,
		Timestamp: time.Now(),
	}
}

func (m *SyncMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SyncMessageFromJSON(data []byte) (*SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("sync message without id")
	}
	switch msg.Op {
	case OpCreate, OpDelete:
	default:
		return nil, fmt.Errorf("unknown sync op %q", msg.Op)
	}
	return &msg, nil
}
