package ticket

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals a ticket payload into a URL-safe opaque string and back.
// Open must fail on any tampering; callers map failures to ErrMalformed.
type Cipher interface {
	Seal(plaintext []byte) (string, error)
	Open(token string) ([]byte, error)
}

// aeadCipher is the default Cipher: ChaCha20-Poly1305 with a random
// nonce prefix, base64url without padding so the output is safe in a
// URL path segment.
type aeadCipher struct {
	aead cipher.AEAD
}

// NewCipher creates the default ticket cipher from a 32-byte key
func NewCipher(key []byte) (Cipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &aeadCipher{aead: aead}, nil
}

func (c *aeadCipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *aeadCipher) Open(token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token encoding: %w", err)
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return nil, fmt.Errorf("token too short")
	}

	nonce := raw[:c.aead.NonceSize()]
	plaintext, err := c.aead.Open(nil, nonce, raw[c.aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("token authentication failed: %w", err)
	}
	return plaintext, nil
}
