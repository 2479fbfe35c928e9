package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
)

// Cipher provides authenticated encryption for chat bodies at rest. The key
// is drawn once at construction and never leaves the process, so history
// written by a previous process surfaces as opaque ciphertext rather than
// failing the read.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a Cipher keyed with a fresh random 256-bit key.
func NewCipher() (*Cipher, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	return NewCipherWithKey(key)
}

// NewCipherWithKey creates a Cipher from a caller-provided 256-bit key.
func NewCipherWithKey(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals plaintext and returns base64 ciphertext with the nonce prefixed.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens base64 ciphertext produced by Encrypt. Input that does not
// decode or does not authenticate under the current key is returned unchanged
// with a warning logged, so stale records stay visible as opaque text.
func (c *Cipher) Decrypt(encoded string) string {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		logging.Warn(context.Background(), "chat ciphertext is not valid base64", zap.Error(err))
		return encoded
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		logging.Warn(context.Background(), "chat ciphertext shorter than nonce")
		return encoded
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		logging.Warn(context.Background(), "failed to decrypt chat message", zap.Error(err))
		return encoded
	}

	return string(plaintext)
}
