package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Header names the platform uses on inbound webhook calls.
const (
	headerSecretToken = "X-Bot-Api-Secret-Token"
	headerSignature   = "X-Signature-256"
)

// verifySecretToken compares the shared secret header in constant time.
func verifySecretToken(got, want string) bool {
	if want == "" {
		// No secret configured: header check is disabled.
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// verifySignature checks an HMAC-SHA256 over the raw payload. The header
// value is hex, optionally prefixed with "sha256=". A missing header fails
// when a secret is configured.
func verifySignature(body []byte, header, secret string) bool {
	if secret == "" {
		return true
	}
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if header == "" {
		return false
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the signature header value for body. Exported for tests
// and for local tooling that replays updates.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
