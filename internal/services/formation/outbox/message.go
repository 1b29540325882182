package outbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

// Message is the wire form of a published event.
type Message struct {
	EventID    string          `json:"event_id"`
	SubjectID  string          `json:"subject_id"`
	Seq        uint64          `json:"seq"`
	Kind       event.Kind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
	ActorID    string          `json:"actor_id,omitempty"`
	ChainHash  string          `json:"chain_hash"`
}

// NewMessage converts a stored event.
func NewMessage(evt event.Event) Message {
	payload := json.RawMessage(evt.PayloadJSON)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Message{
		EventID:    evt.ID,
		SubjectID:  evt.SubjectID,
		Seq:        evt.Seq,
		Kind:       evt.Kind,
		Payload:    payload,
		RecordedAt: evt.Timestamp.UTC(),
		ActorID:    evt.ActorID,
		ChainHash:  evt.ChainHash,
	}
}

// Encode marshals the message for a broker record value.
func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode outbox message %s/%d: %w", m.SubjectID, m.Seq, err)
	}
	return data, nil
}

// DecodeMessage parses a broker record value.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode outbox message: %w", err)
	}
	return m, nil
}

// DedupKey identifies a message for consumers that deduplicate redeliveries.
func (m Message) DedupKey() string {
	return m.SubjectID + "/" + strconv.FormatUint(m.Seq, 10)
}
