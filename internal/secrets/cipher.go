// Package secrets encrypts provider credentials before they reach storage.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	ciphertextPrefix = "v1."
	hkdfInfo         = "pulsebox credential encryption"
)

var (
	ErrKeyTooShort       = errors.New("credential key must be at least 32 bytes")
	ErrMalformedCipher   = errors.New("malformed credential ciphertext")
	ErrDecryptionFailure = errors.New("credential decryption failed")
)

// Cipher encrypts and decrypts credential strings
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AEADCipher seals credentials with XChaCha20-Poly1305 under a key derived from
// the configured secret with HKDF-SHA256.
type AEADCipher struct {
	key []byte
}

// NewAEADCipher derives the encryption key from secret
func NewAEADCipher(secret string) (*AEADCipher, error) {
	if len(secret) < 32 {
		return nil, ErrKeyTooShort
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	return &AEADCipher{key: key}, nil
}

// Encrypt returns "v1." followed by base64url(nonce || ciphertext)
func (c *AEADCipher) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (c *AEADCipher) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, ciphertextPrefix)
	if !ok {
		return "", ErrMalformedCipher
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformedCipher
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}

	if len(raw) < aead.NonceSize() {
		return "", ErrMalformedCipher
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	return string(plaintext), nil
}

// Passthrough stores credentials unchanged. Use it only when the database
// encrypts the credential columns at rest.
type Passthrough struct{}

func (Passthrough) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (Passthrough) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// New returns an AEADCipher for a non-empty secret and Passthrough otherwise
func New(secret string) (Cipher, error) {
	if secret == "" {
		return Passthrough{}, nil
	}
	return NewAEADCipher(secret)
}
