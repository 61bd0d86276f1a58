// Package vault provides AEAD-encrypted secret storage keyed off the
// platform secret. Secrets are stored as iv.ciphertext.authTag with each
// segment base64url-encoded, AES-256-GCM throughout.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const gcmTagSize = 16

// DeriveKey normalizes the platform secret to a 32-byte AES-256 key.
// Longer secrets are truncated, shorter ones zero-padded.
func DeriveKey(platformSecret string) []byte {
	key := make([]byte, 32)
	copy(key, platformSecret)
	return key
}

// Cipher performs authenticated symmetric encryption with a derived key.
type Cipher struct {
	key []byte
}

// NewCipher creates a cipher from the platform secret.
func NewCipher(platformSecret string) (*Cipher, error) {
	if platformSecret == "" {
		return nil, errors.New("vault: platform secret must not be empty")
	}
	return &Cipher{key: DeriveKey(platformSecret)}, nil
}

// Encrypt encrypts plaintext, returning "iv.ciphertext.authTag" with
// base64url-encoded segments.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("vault: aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	if len(sealed) < gcmTagSize {
		return "", errors.New("vault: sealed output too short")
	}
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	enc := base64.RawURLEncoding
	return strings.Join([]string{
		enc.EncodeToString(iv),
		enc.EncodeToString(ct),
		enc.EncodeToString(tag),
	}, "."), nil
}

// Decrypt reverses Encrypt. Fails on any malformed segment or
// authentication mismatch.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("vault: malformed ciphertext: want 3 segments, got %d", len(parts))
	}

	enc := base64.RawURLEncoding
	iv, err := enc.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("vault: decode iv: %w", err)
	}
	ct, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("vault: decode ciphertext: %w", err)
	}
	tag, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("vault: decode auth tag: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("vault: aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return "", fmt.Errorf("vault: invalid iv length %d", len(iv))
	}

	sealed := append(append([]byte{}, ct...), tag...)
	pt, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}

	return string(pt), nil
}
