package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SecureCompare reports whether two strings are equal without leaking the
// position of the first difference.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SignBody computes the hex HMAC-SHA256 signature of body under secret.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature over body using a
// constant-time comparison. A "sha256=" prefix on the provided signature is
// accepted.
func VerifySignature(secret string, body []byte, signature string) bool {
	provided := strings.TrimSpace(signature)
	provided = strings.TrimPrefix(provided, "sha256=")
	if provided == "" {
		return false
	}
	expected := SignBody(secret, body)
	return hmac.Equal([]byte(expected), []byte(provided))
}
