// Gatewarden - Multi-Protocol Gateway Authentication Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewarden

// Package crypto provides authenticated at-rest encryption for tokens and
// arbitrary payloads. Keys are derived per encryption from a master secret
// with PBKDF2-SHA256 and a random salt, so a leaked derived key never
// compromises other ciphertexts.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// Encryption errors. Decrypt deliberately returns only ErrDecryptionFailed
// regardless of which check failed.
var (
	// ErrKeyMissing indicates no master key was configured.
	ErrKeyMissing = errors.New("encryption key not configured")

	// ErrDecryptionFailed is the single opaque decryption error.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrManagerDestroyed indicates the manager's key was zeroized.
	ErrManagerDestroyed = errors.New("encryption manager destroyed")
)

const (
	saltSize  = 16 // 128-bit salt per encryption
	nonceSize = 12 // GCM standard nonce
	keySize   = 32 // AES-256

	// DefaultIterations is acceptable for tokens (already signed material).
	DefaultIterations = 1000

	// HighValueIterations should be used for higher-value payloads.
	HighValueIterations = 100000
)

// Manager performs authenticated symmetric encryption over opaque byte
// sequences. Safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	masterKey  []byte
	iterations int
	destroyed  bool
}

// Config holds encryption configuration.
type Config struct {
	// MasterKey is the base64url-encoded master secret (>=16 bytes decoded).
	MasterKey string

	// Iterations is the PBKDF2 iteration count. Default: DefaultIterations.
	Iterations int
}

// NewManager creates an encryption manager from a base64url master key.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil || cfg.MasterKey == "" {
		return nil, ErrKeyMissing
	}

	masterKey, err := base64.RawURLEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		// Tolerate standard encoding for keys generated elsewhere.
		masterKey, err = base64.StdEncoding.DecodeString(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
	}
	if len(masterKey) < 16 {
		return nil, errors.New("master key must be at least 16 bytes")
	}

	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	return &Manager{
		masterKey:  masterKey,
		iterations: iterations,
	}, nil
}

// Encrypt encrypts plaintext and returns base64url(salt || nonce || ciphertext).
// The GCM tag is carried inside the ciphertext.
func (m *Manager) Encrypt(plaintext []byte) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.destroyed {
		return "", ErrManagerDestroyed
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	aead, err := m.deriveAEAD(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// EncryptString encrypts a string payload.
func (m *Manager) EncryptString(plaintext string) (string, error) {
	return m.Encrypt([]byte(plaintext))
}

// Decrypt reverses Encrypt. On any verification failure it returns the
// single opaque ErrDecryptionFailed; it never reveals which check failed.
func (m *Manager) Decrypt(blob string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.destroyed {
		return nil, ErrManagerDestroyed
	}

	data, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(data) < saltSize+nonceSize+1 {
		return nil, ErrDecryptionFailed
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	aead, err := m.deriveAEAD(salt)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// DecryptString decrypts a blob produced by EncryptString.
func (m *Manager) DecryptString(blob string) (string, error) {
	b, err := m.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify returns true iff the blob decrypts successfully under the current
// key. Used for integrity checks without exposing plaintext to the caller.
func (m *Manager) Verify(blob string) bool {
	_, err := m.Decrypt(blob)
	return err == nil
}

// deriveAEAD derives an AES-256-GCM cipher for the given salt.
// Must be called with at least a read lock held.
func (m *Manager) deriveAEAD(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(m.masterKey, salt, m.iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Destroy overwrites the in-memory master key. Best effort: Go's GC may
// have copied the slice, but the reachable reference is zeroized.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.masterKey {
		m.masterKey[i] = 0
	}
	m.masterKey = nil
	m.destroyed = true
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateMasterKey produces 256 random bits, base64url-encoded, suitable
// for configuration.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}
