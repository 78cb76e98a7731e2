package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"

	"toolgate/internal/config"
)

// appSecretSalt distinguishes the cipher key derived from the shared
// application secret from any other key derived from the same secret.
const appSecretSalt = "toolgate/secret-cipher/v1"

// KeyFromConfig derives the process-wide cipher key.
//
// Preference order:
//  1. a dedicated encryption key value, hashed to 256 bits;
//  2. the application secret, run through HKDF-SHA256 with a fixed salt;
//  3. a random per-process key, a documented degraded mode in which
//     stored secrets do not survive a restart, surfaced as a warning.
func KeyFromConfig(sec config.SecurityConfig) ([]byte, error) {
	if sec.EncryptionKey != "" {
		sum := sha256.Sum256([]byte(sec.EncryptionKey))
		return sum[:], nil
	}

	if sec.AppSecret != "" {
		slog.Warn("No dedicated encryption key configured; deriving cipher key from app secret")
		r := hkdf.New(sha256.New, []byte(sec.AppSecret), []byte(appSecretSalt), nil)
		key := make([]byte, 32)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("failed to derive key from app secret: %w", err)
		}
		return key, nil
	}

	slog.Error("No encryption key or app secret configured; using a random per-process key; stored secrets will be unreadable after restart")
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return key, nil
}
