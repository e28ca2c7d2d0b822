package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// sealedPrefix marks values produced by SecretBox.Seal.
const sealedPrefix = "sealed:v1:"

// ErrSealed is returned when a sealed value is opened without a key.
var ErrSealed = errors.New("cryptox: value is sealed and no master key is configured")

// SecretBox encrypts small secrets at rest with AES-256-GCM. Sealed values
// look like:
//
//	sealed:v1:<base64url(nonce || ciphertext || tag)>
//
// A nil *SecretBox passes values through unchanged, so deployments without
// a master key keep working and rows written before one was configured stay
// readable.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox derives the AES-256 key as SHA-256 of keyMaterial.
func NewSecretBox(keyMaterial []byte) (*SecretBox, error) {
	if len(keyMaterial) == 0 {
		return nil, errors.New("cryptox: empty master key")
	}

	key := sha256.Sum256(keyMaterial)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// LoadSecretBox reads the master key from path. An empty path returns a nil
// box, which disables sealing.
func LoadSecretBox(path string) (*SecretBox, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key file: %w", err)
	}
	return NewSecretBox([]byte(strings.TrimSpace(string(data))))
}

// Seal encrypts plaintext with a fresh random nonce.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	if b == nil || plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as they
// are.
func (b *SecretBox) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if b == nil {
		return "", ErrSealed
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("cryptox: malformed sealed value: %w", err)
	}

	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("cryptox: sealed value too short")
	}

	plaintext, err := b.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether value was produced by Seal.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
