// Package crypto provides encryption and decryption services for provider
// secrets at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidKey is returned when the encryption key is invalid
	ErrInvalidKey = errors.New("invalid encryption key: must be 32 bytes")

	// ErrInvalidCiphertext is returned when the ciphertext is malformed
	ErrInvalidCiphertext = errors.New("invalid ciphertext: malformed or too short")

	// ErrDecryptionFailed is returned when authentication of the ciphertext
	// fails. Legitimately occurs after a key rotation; callers treat it as
	// "credential unusable", not as a fatal error.
	ErrDecryptionFailed = errors.New("decryption failed: authentication failed")
)

// EncryptionService handles encryption and decryption of provider secrets.
// Uses AES-256-GCM authenticated encryption. The key is fixed at
// construction and read-only afterwards, so the service is safe for
// concurrent use without locking.
type EncryptionService struct {
	gcm   cipher.AEAD
	keyID string // identifier for key rotation tracking
}

// NewEncryptionService creates a new encryption service with a 32-byte key
func NewEncryptionService(key []byte) (*EncryptionService, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	keyHash := sha256.Sum256(key)
	keyID := base64.RawURLEncoding.EncodeToString(keyHash[:8])

	return &EncryptionService{
		gcm:   gcm,
		keyID: keyID,
	}, nil
}

// Encrypt encrypts plaintext and returns a base64-encoded ciphertext token.
// The token packs nonce || ciphertext || auth tag; every call draws a fresh
// random nonce, so identical plaintexts yield different tokens.
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64-encoded ciphertext token and returns plaintext.
// Any failure (malformed base64, truncated payload, auth tag mismatch,
// wrong key) comes back as an error, never a panic.
func (s *EncryptionService) Decrypt(token string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	// nonce + auth tag is the floor; an empty plaintext is valid
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize+s.gcm.Overhead() {
		return "", ErrInvalidCiphertext
	}

	nonce := ciphertext[:nonceSize]
	encrypted := ciphertext[nonceSize:]

	plaintext, err := s.gcm.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// KeyID returns the identifier for this encryption key
func (s *EncryptionService) KeyID() string {
	return s.keyID
}
