// Package vault encrypts API credentials at rest with AES-256-GCM.
//
// Plaintext secrets are handed out only through WithSecret, which zeroes the
// decrypted buffer once the callback returns.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MinKeyLength is the shortest accepted master key.
const MinKeyLength = 16

const prefix = "v1:"

var (
	// ErrNoMasterKey is returned by New when no master key is configured.
	ErrNoMasterKey = errors.New("vault: master key is not configured")
	// ErrMalformed is returned for ciphertext that was not produced by Encrypt.
	ErrMalformed = errors.New("vault: malformed ciphertext")
)

// Vault holds the derived AEAD for the process lifetime.
type Vault struct {
	aead cipher.AEAD
}

// New derives the AES-256 key as SHA-256 of masterKey.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrNoMasterKey
	}
	if len(masterKey) < MinKeyLength {
		return nil, fmt.Errorf("vault: master key must be at least %d bytes", MinKeyLength)
	}
	sum := sha256.Sum256([]byte(masterKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("vault: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals secret with a fresh nonce. The nonce is prepended to the
// sealed bytes and the whole is base64 encoded behind a version prefix.
func (v *Vault) Encrypt(secret string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(secret), nil)
	return prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	b, err := v.open(ciphertext)
	if err != nil {
		return "", err
	}
	s := string(b)
	clear(b)
	return s, nil
}

// WithSecret decrypts ciphertext, passes the plaintext to fn and zeroes the
// buffer when fn returns. fn must not retain the slice.
func (v *Vault) WithSecret(ciphertext string, fn func(secret []byte) error) error {
	b, err := v.open(ciphertext)
	if err != nil {
		return err
	}
	defer clear(b)
	return fn(b)
}

func (v *Vault) open(ciphertext string) ([]byte, error) {
	if !IsEncrypted(ciphertext) {
		return nil, ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return nil, ErrMalformed
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	return plain, nil
}

// IsEncrypted reports whether s carries the vault ciphertext prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, prefix)
}
