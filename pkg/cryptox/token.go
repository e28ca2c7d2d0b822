package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Entropy of generated values, in bytes.
const (
	TokenSize128 = 16
	TokenSize256 = 32
)

// GenerateToken reads size bytes from crypto/rand and encodes them as
// unpadded base64url. The service uses it for dev-mode signing secrets and
// for the throwaway password behind the unknown-email digest.
func GenerateToken(size int) (string, error) {
	if size < 1 {
		return "", fmt.Errorf("cryptox: invalid token size %d", size)
	}

	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("cryptox: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// FingerprintToken is what a session row holds instead of its access and
// refresh tokens. A leaked row cannot be presented as a bearer token.
func FingerprintToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// FingerprintCode keys a consumed one-time code. The account id is part of
// the key, so the same six digits from two accounts never collide.
func FingerprintCode(accountID, code string) string {
	h := sha256.New()
	h.Write([]byte(accountID))
	h.Write([]byte{0})
	h.Write([]byte(code))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
