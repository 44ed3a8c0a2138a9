package live

import (
	"encoding/json"
	"fmt"

	"github.com/estuarydb/estuary/internal/change"
)

// Message types on the live channel.
const (
	// MessageChanges carries committed change batches, hub to client.
	MessageChanges = "changes"
	// MessageApply carries change batches a peer wants committed,
	// client to hub.
	MessageApply = "apply"
)

// Message is the envelope for every frame on the live channel. Batches
// reuse the engine's change encoding, so a peer can feed received frames
// straight back into its own apply path.
type Message struct {
	Type    string         `json:"type"`
	Batches []change.Batch `json:"batches,omitempty"`
}

func encodeMessage(msgType string, batches []change.Batch) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Batches: batches})
}

func decodeMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("decode live message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode live message: missing type")
	}
	for _, b := range msg.Batches {
		if b.Store == "" {
			return Message{}, fmt.Errorf("decode live message: batch without store")
		}
		for _, c := range b.Changes {
			if err := change.Validate(c); err != nil {
				return Message{}, fmt.Errorf("decode live message: store %q: %w", b.Store, err)
			}
		}
	}
	return msg, nil
}
