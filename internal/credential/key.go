package credential

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const (
	serviceName = "inbox-sync"
	keyItem     = "credential-key"
)

// KeyProvider supplies the process-wide symmetric key used to decrypt
// stored mailbox credentials. It is read-only at sync time.
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

// StaticKey is key material held in memory, typically parsed from env.
type StaticKey struct {
	key []byte
}

// ParseHexKey decodes a hex-encoded AES key.
func ParseHexKey(s string) (*StaticKey, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if _, err := newBlock(key); err != nil {
		return nil, err
	}
	return &StaticKey{key: key}, nil
}

func (k *StaticKey) Key(context.Context) ([]byte, error) {
	return k.key, nil
}

// KeyringKey reads the hex key from the OS keyring on every call.
type KeyringKey struct {
	ring keyring.Keyring
	item string
}

// OpenKeyring returns a KeyringKey backed by the system keyring, falling
// back to an encrypted file store under fileDir.
func OpenKeyring(fileDir, filePassword string) (*KeyringKey, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringKey(ring), nil
}

// NewKeyringKey wraps an already opened keyring.
func NewKeyringKey(ring keyring.Keyring) *KeyringKey {
	return &KeyringKey{ring: ring, item: keyItem}
}

func (k *KeyringKey) Key(context.Context) ([]byte, error) {
	item, err := k.ring.Get(k.item)
	if err != nil {
		return nil, fmt.Errorf("getting credential key %q: %w", k.item, err)
	}
	sk, err := ParseHexKey(string(item.Data))
	if err != nil {
		return nil, err
	}
	return sk.key, nil
}

// Store writes a hex key into the keyring.
func (k *KeyringKey) Store(hexKey string) error {
	if _, err := ParseHexKey(hexKey); err != nil {
		return err
	}
	if err := k.ring.Set(keyring.Item{Key: k.item, Data: []byte(hexKey)}); err != nil {
		return fmt.Errorf("setting credential key %q: %w", k.item, err)
	}
	return nil
}
