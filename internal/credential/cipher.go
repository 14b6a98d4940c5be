package credential

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrBadKey     = errors.New("key must be 16, 24 or 32 bytes")
	ErrBadIV      = errors.New("invalid initialization vector")
	ErrBadPadding = errors.New("invalid padding")
)

// Credentials is the decrypted secret half of a polled mailbox.
type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
	// Pass is accepted as an alias for Password.
	Pass string `json:"pass,omitempty"`
}

// Secret returns the password, whichever field carried it.
func (c Credentials) Secret() string {
	if c.Password != "" {
		return c.Password
	}
	return c.Pass
}

// Decrypt reverses Encrypt: AES-CBC with PKCS#7 padding. The blob may be
// hex or base64 encoded; the IV is hex.
func Decrypt(key []byte, blob, iv string) ([]byte, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	ivBytes, err := hex.DecodeString(strings.TrimSpace(iv))
	if err != nil || len(ivBytes) != aes.BlockSize {
		return nil, ErrBadIV
	}
	ciphertext, err := decodeBlob(blob)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, ivBytes).CryptBlocks(plain, ciphertext)
	return unpad(plain)
}

// Encrypt produces a hex blob and hex IV that Decrypt accepts.
func Encrypt(key, plaintext []byte) (blob, iv string, err error) {
	block, err := newBlock(key)
	if err != nil {
		return "", "", err
	}
	ivBytes := make([]byte, aes.BlockSize)
	if _, err := rand.Read(ivBytes); err != nil {
		return "", "", fmt.Errorf("generate iv: %w", err)
	}
	padded := pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, ivBytes).CryptBlocks(out, padded)
	return hex.EncodeToString(out), hex.EncodeToString(ivBytes), nil
}

// DecryptCredentials decrypts and decodes a JSON credentials payload.
func DecryptCredentials(key []byte, blob, iv string) (Credentials, error) {
	plain, err := Decrypt(key, blob, iv)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials payload: %w", err)
	}
	return creds, nil
}

// EncryptCredentials is the inverse of DecryptCredentials.
func EncryptCredentials(key []byte, creds Credentials) (blob, iv string, err error) {
	payload, err := json.Marshal(creds)
	if err != nil {
		return "", "", err
	}
	return Encrypt(key, payload)
}

func newBlock(key []byte) (cipher.Block, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrBadKey
	}
	return aes.NewCipher(key)
}

func decodeBlob(blob string) ([]byte, error) {
	blob = strings.TrimSpace(blob)
	if b, err := hex.DecodeString(blob); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("credential blob is neither hex nor base64: %w", err)
	}
	return b, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}
