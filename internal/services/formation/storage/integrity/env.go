package integrity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/formation/internal/platform/config"
)

const defaultKeyID = "v1"

// ErrKeyringNotConfigured indicates no HMAC key is present in the environment.
// Stores then keep the hash chain but leave events unsigned.
var ErrKeyringNotConfigured = errors.New("event hmac key is not configured")

// KeyringConfig is the environment shape of the journal signing keys.
type KeyringConfig struct {
	// Keys lists rotated keys as "id=secret,id=secret".
	Keys string `env:"FORMATION_EVENT_HMAC_KEYS"`
	// Key is a single secret registered under KeyID.
	Key   string `env:"FORMATION_EVENT_HMAC_KEY"`
	KeyID string `env:"FORMATION_EVENT_HMAC_KEY_ID" envDefault:"v1"`
}

// KeyringFromEnv loads the HMAC keyring from environment variables.
func KeyringFromEnv() (*Keyring, error) {
	var cfg KeyringConfig
	if err := config.ParseEnv(&cfg); err != nil {
		return nil, err
	}
	return cfg.Keyring()
}

// Keyring builds the keyring described by the config.
func (c KeyringConfig) Keyring() (*Keyring, error) {
	keyID := strings.TrimSpace(c.KeyID)
	if keyID == "" {
		keyID = defaultKeyID
	}

	keySpec := strings.TrimSpace(c.Keys)
	if keySpec == "" {
		raw := strings.TrimSpace(c.Key)
		if raw == "" {
			return nil, ErrKeyringNotConfigured
		}
		return NewKeyring(map[string][]byte{keyID: []byte(raw)}, keyID)
	}

	keys := make(map[string][]byte)
	for _, entry := range strings.Split(keySpec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, value, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		value = strings.TrimSpace(value)
		if !ok || id == "" || value == "" {
			return nil, fmt.Errorf("invalid FORMATION_EVENT_HMAC_KEYS entry %q", id)
		}
		keys[id] = []byte(value)
	}
	return NewKeyring(keys, keyID)
}
