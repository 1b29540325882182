package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// envelope is the canonical hash input. Field order is fixed by the struct.
type envelope struct {
	SubjectID      string          `json:"subject_id"`
	Seq            uint64          `json:"seq"`
	Kind           string          `json:"kind"`
	TimestampMs    int64           `json:"ts_ms"`
	IdempotencyKey string          `json:"idempotency_key"`
	ActorID        string          `json:"actor_id"`
	Payload        json.RawMessage `json:"payload"`
}

// EventHash computes the content hash of an event envelope: SHA-256 of the
// canonical envelope, truncated to 128 bits.
func EventHash(evt Event) (string, error) {
	if strings.TrimSpace(evt.SubjectID) == "" {
		return "", ErrSubjectIDRequired
	}
	if !evt.Kind.IsValid() {
		return "", ErrKindRequired
	}
	payload := json.RawMessage(evt.PayloadJSON)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("%w: not valid json", ErrPayloadInvalid)
	}
	data, err := json.Marshal(envelope{
		SubjectID:      evt.SubjectID,
		Seq:            evt.Seq,
		Kind:           string(evt.Kind),
		TimestampMs:    evt.Timestamp.UTC().UnixMilli(),
		IdempotencyKey: evt.IdempotencyKey,
		ActorID:        evt.ActorID,
		Payload:        payload,
	})
	if err != nil {
		return "", fmt.Errorf("marshal hash envelope: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}

// ChainHash computes the SHA-256 that links an event to its predecessor's
// chain hash.
func ChainHash(evt Event, prevHash string) (string, error) {
	hash := evt.Hash
	if hash == "" {
		computed, err := EventHash(evt)
		if err != nil {
			return "", err
		}
		hash = computed
	}
	sum := sha256.Sum256([]byte(prevHash + ":" + hash))
	return hex.EncodeToString(sum[:]), nil
}
