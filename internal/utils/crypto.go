// services/hub/internal/utils/crypto.go
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// SecretBytes is the entropy of an issued hub secret (256 bits).
const SecretBytes = 32

// GenerateSecret returns a hex encoded random token.
func GenerateSecret() (string, error) {
	buf := make([]byte, SecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PayloadDigest computes SHA256(payload + secret) over the payload exactly as transmitted.
func PayloadDigest(payload, secret string) string {
	h := sha256.New()
	h.Write([]byte(payload))
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyPayloadDigest checks a hex digest supplied by a hub in constant time.
// Upper and lower case hex are both accepted.
func VerifyPayloadDigest(payload, secret, provided string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(provided))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	want := sha256.Sum256([]byte(payload + secret))
	return subtle.ConstantTimeCompare(got, want[:]) == 1
}
