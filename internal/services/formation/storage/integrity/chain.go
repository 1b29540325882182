package integrity

import (
	"errors"
	"fmt"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
)

// ErrChainBroken indicates a journal whose hashes or signatures do not verify.
var ErrChainBroken = errors.New("event chain is broken")

// ChainError locates the first event that failed verification.
type ChainError struct {
	SubjectID string
	Seq       uint64
	Detail    string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("event chain is broken subject=%s seq=%d: %s", e.SubjectID, e.Seq, e.Detail)
}

// Is matches ErrChainBroken.
func (e *ChainError) Is(target error) bool {
	return target == ErrChainBroken
}

// Seal fills the integrity envelope of evt. prevChainHash is the predecessor's
// chain hash, empty for the first event. The event must already carry its
// final seq and timestamp. A nil ring leaves the event unsigned.
func Seal(evt *event.Event, prevChainHash string, ring *Keyring) error {
	hash, err := event.EventHash(*evt)
	if err != nil {
		return fmt.Errorf("compute event hash: %w", err)
	}
	evt.Hash = hash
	evt.PrevHash = prevChainHash
	chainHash, err := event.ChainHash(*evt, prevChainHash)
	if err != nil {
		return fmt.Errorf("compute chain hash: %w", err)
	}
	evt.ChainHash = chainHash
	evt.Signature, evt.SignatureKeyID = "", ""
	if ring == nil {
		return nil
	}
	signature, keyID, err := ring.SignChainHash(evt.SubjectID, chainHash)
	if err != nil {
		return fmt.Errorf("sign chain hash: %w", err)
	}
	evt.Signature = signature
	evt.SignatureKeyID = keyID
	return nil
}

// VerifyChain recomputes the chain of a subject's full journal. events must
// start at seq 1. With a ring every event must carry a valid signature;
// without one signatures are not checked.
func VerifyChain(subjectID string, events []event.Event, ring *Keyring) error {
	prevChainHash := ""
	for i, evt := range events {
		broken := func(format string, args ...any) error {
			return &ChainError{SubjectID: subjectID, Seq: evt.Seq, Detail: fmt.Sprintf(format, args...)}
		}
		if evt.SubjectID != subjectID {
			return broken("subject mismatch %q", evt.SubjectID)
		}
		if want := uint64(i + 1); evt.Seq != want {
			return broken("event sequence gap: expected %d got %d", want, evt.Seq)
		}
		hash, err := event.EventHash(evt)
		if err != nil {
			return broken("compute event hash: %v", err)
		}
		if hash != evt.Hash {
			return broken("event hash mismatch")
		}
		if evt.PrevHash != prevChainHash {
			return broken("prev hash mismatch")
		}
		chainHash, err := event.ChainHash(evt, prevChainHash)
		if err != nil {
			return broken("compute chain hash: %v", err)
		}
		if chainHash != evt.ChainHash {
			return broken("chain hash mismatch")
		}
		if ring != nil {
			if evt.Signature == "" {
				return broken("event is unsigned")
			}
			if err := ring.VerifyChainHash(subjectID, evt.ChainHash, evt.Signature, evt.SignatureKeyID); err != nil {
				return broken("%v", err)
			}
		}
		prevChainHash = evt.ChainHash
	}
	return nil
}
