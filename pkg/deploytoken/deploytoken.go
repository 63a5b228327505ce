// Package deploytoken implements the bearer credential that binds
// continuation requests to a deployment session. The raw token is handed to
// the caller exactly once at session creation; the server keeps only its
// hash. Requests carry the token together with an HMAC over it, so a
// downstream bundler-facing proxy can check provenance with the shared
// secret alone.
package deploytoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Header names for the authentication pair on continuation requests.
const (
	TokenHeader     = "X-Deploy-Token"
	SignatureHeader = "X-Deploy-Token-Signature"
)

const tokenBytes = 32

// New generates a fresh random token in hex form.
func New() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("deploytoken: generate: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Hash returns the hex SHA-256 of a raw token, the only form ever stored.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Sign computes the hex HMAC-SHA256 of token under secret.
func Sign(secret []byte, token string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC of token under secret,
// comparing in constant time.
func Verify(secret []byte, token, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	return hmac.Equal(mac.Sum(nil), want)
}
