// Package encryption provides AES-256-GCM encryption for event metadata at rest.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrInvalidCiphertext is returned when the ciphertext is invalid.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrDisabled is returned when an operation needs an enabled engine.
	ErrDisabled = errors.New("encryption is not enabled")
)

// keyInfo binds derived keys to this use so the same master secret cannot
// be replayed against another subsystem's ciphertexts.
const keyInfo = "security-risk-engine/metadata/v1"

// minCiphertextLen is version(1) + nonce(12) + tag(16).
const minCiphertextLen = 29

// Config holds encryption configuration.
type Config struct {
	// Enabled indicates if encryption is enabled.
	Enabled bool

	// MasterKey is the master secret. It must come from a secret provider;
	// there is no built-in fallback.
	MasterKey []byte

	// KeyVersion is stored in every ciphertext to support rotation.
	KeyVersion int

	// Logger for encryption operations.
	Logger *slog.Logger
}

// Engine provides encryption and decryption operations. It is safe for
// concurrent use; key material is only written by RotateKey.
type Engine struct {
	enabled    bool
	key        []byte
	keyVersion int
	logger     *slog.Logger
	mu         sync.RWMutex

	// Key rotation support: map of version to key for backward compatibility
	oldKeys map[int][]byte
}

// NewEngine creates a new encryption engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.Enabled {
		return &Engine{
			enabled: false,
			logger:  logger,
		}, nil
	}

	if len(cfg.MasterKey) == 0 {
		return nil, fmt.Errorf("%w: master key is required when encryption is enabled", ErrInvalidKey)
	}
	if cfg.KeyVersion < 0 || cfg.KeyVersion > 255 {
		return nil, fmt.Errorf("%w: key version %d out of range", ErrInvalidKey, cfg.KeyVersion)
	}

	key, err := deriveKey(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	logger.Info("encryption engine initialized",
		"enabled", true,
		"key_version", cfg.KeyVersion,
		"algorithm", "AES-256-GCM")

	return &Engine{
		enabled:    true,
		key:        key,
		keyVersion: cfg.KeyVersion,
		logger:     logger,
		oldKeys:    make(map[int][]byte),
	}, nil
}

// deriveKey derives a 32-byte AES key from the master secret with HKDF-SHA256.
func deriveKey(masterKey []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Enabled returns whether encryption is enabled.
func (e *Engine) Enabled() bool {
	return e.enabled
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns base64-encoded ciphertext with embedded key version and nonce.
func (e *Engine) Encrypt(plaintext []byte) (string, error) {
	if !e.enabled {
		return "", ErrDisabled
	}

	e.mu.RLock()
	key, version := e.key, e.keyVersion
	e.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		e.logger.Error("failed to create cipher", "error", err)
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		e.logger.Error("failed to generate nonce", "error", err)
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	// Format: [version:1byte][nonce][ciphertext]
	data := make([]byte, 1+len(nonce)+len(ciphertext))
	data[0] = byte(version)
	copy(data[1:], nonce)
	copy(data[1+len(nonce):], ciphertext)

	return base64.StdEncoding.EncodeToString(data), nil
}

// Decrypt decrypts base64-encoded ciphertext produced by Encrypt.
func (e *Engine) Decrypt(encodedCiphertext string) ([]byte, error) {
	if !e.enabled {
		return nil, ErrDisabled
	}

	data, err := base64.StdEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrInvalidCiphertext, err)
	}

	if len(data) < minCiphertextLen {
		return nil, fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}

	version := int(data[0])

	e.mu.RLock()
	key := e.key
	if version != e.keyVersion {
		oldKey, ok := e.oldKeys[version]
		if !ok {
			e.mu.RUnlock()
			return nil, fmt.Errorf("%w: no key for version %d", ErrDecryptionFailed, version)
		}
		key = oldKey
	}
	e.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	nonce := data[1 : 1+nonceSize]
	ciphertext := data[1+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// RotateKey switches to a new master key. The current key is retained so
// existing ciphertexts stay readable.
func (e *Engine) RotateKey(newMasterKey []byte, newVersion int) error {
	if !e.enabled {
		return ErrDisabled
	}

	if len(newMasterKey) == 0 {
		return fmt.Errorf("%w: new master key is required", ErrInvalidKey)
	}

	key, err := deriveKey(newMasterKey)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if newVersion <= e.keyVersion || newVersion > 255 {
		return fmt.Errorf("new version (%d) must be greater than current version (%d) and at most 255", newVersion, e.keyVersion)
	}

	e.oldKeys[e.keyVersion] = e.key
	oldVersion := e.keyVersion
	e.key = key
	e.keyVersion = newVersion

	e.logger.Info("encryption key rotated",
		"old_version", oldVersion,
		"new_version", newVersion,
		"old_keys_retained", len(e.oldKeys))

	return nil
}

// KeyVersion returns the current encryption key version.
func (e *Engine) KeyVersion() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keyVersion
}

// GenerateKey generates a random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// GenerateKeyBase64 generates a random key and returns it as base64.
func GenerateKeyBase64() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
