// Package crypto seals credential values stored outside the process, such
// as environment variables in deployment manifests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// SealedPrefix marks a value produced by Seal.
const SealedPrefix = "enc:"

var (
	// ErrInvalidKey is returned when the key is empty.
	ErrInvalidKey = errors.New("invalid sealing key: must not be empty")
	// ErrOpenFailed is returned for malformed ciphertext or the wrong key.
	ErrOpenFailed = errors.New("cannot open sealed value")
)

// Sealer wraps values with AES-256-GCM.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer accepts a base64 32-byte key (openssl rand -base64 32) or any
// passphrase, which is hashed to 32 bytes with SHA-256.
func NewSealer(keyInput string) (*Sealer, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key, err := base64.StdEncoding.DecodeString(keyInput)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(keyInput))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal returns "enc:" + base64(nonce || ciphertext || tag).
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, SealedPrefix)
}

// Open reverses Seal. Errors never include the input.
func (s *Sealer) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", fmt.Errorf("%w: missing %q prefix", ErrOpenFailed, SealedPrefix)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrOpenFailed)
	}

	n := s.gcm.NonceSize()
	if len(data) < n+s.gcm.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrOpenFailed)
	}
	plaintext, err := s.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrOpenFailed)
	}
	return string(plaintext), nil
}
