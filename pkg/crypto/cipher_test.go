package crypto

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	k, err := NewKeyring(testKey)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return k
}

func TestEnvelopeRoundTrip(t *testing.T) {
	k := newTestKeyring(t)
	envelope, err := k.Encrypt("DATABASE_URL=postgres://user:pw@host/db")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plain, err := k.Decrypt(envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "DATABASE_URL=postgres://user:pw@host/db" {
		t.Fatalf("round trip mismatch: %q", plain)
	}
}

func TestEnvelopeShape(t *testing.T) {
	k := newTestKeyring(t)
	envelope, err := k.Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		t.Fatalf("expected 3 colon-separated parts, got %d", len(parts))
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("iv is not hex: %v", err)
	}
	if len(iv) != 16 {
		t.Fatalf("expected 16-byte iv, got %d", len(iv))
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("tag is not hex: %v", err)
	}
	if len(tag) != 16 {
		t.Fatalf("expected 16-byte auth tag, got %d", len(tag))
	}
	if _, err := hex.DecodeString(parts[2]); err != nil {
		t.Fatalf("ciphertext is not hex: %v", err)
	}
}

func TestEnvelopeUniqueIVs(t *testing.T) {
	k := newTestKeyring(t)
	first, err := k.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	second, err := k.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct envelopes for repeated plaintext")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	k := newTestKeyring(t)
	envelope, err := k.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	parts := strings.Split(envelope, ":")
	flipped := []byte(parts[2])
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	tampered := parts[0] + ":" + parts[1] + ":" + string(flipped)
	if _, err := k.Decrypt(tampered); err == nil {
		t.Fatal("expected tampered envelope to fail")
	}
}

func TestDecryptRejectsMalformed(t *testing.T) {
	k := newTestKeyring(t)
	cases := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"two parts", "abcd:ef01"},
		{"four parts", "aa:bb:cc:dd"},
		{"non hex iv", "zz:" + strings.Repeat("ab", 16) + ":" + strings.Repeat("cd", 4)},
		{"short iv", "abcd:" + strings.Repeat("ab", 16) + ":" + strings.Repeat("cd", 4)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := k.Decrypt(tc.input); !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
			}
		})
	}
}

func TestNewKeyringRejectsBadKeys(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"short", "abcd"},
		{"non hex", strings.Repeat("zz", 32)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewKeyring(tc.key); err == nil {
				t.Fatal("expected key to be rejected")
			}
		})
	}
}

func TestHashSHA256(t *testing.T) {
	got := HashSHA256("renderlite")
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
	if got != HashSHA256("renderlite") {
		t.Fatal("hash is not deterministic")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := SignBody("hook-secret", body)

	if !VerifySignature("hook-secret", body, sig) {
		t.Fatal("expected valid signature to verify")
	}
	if !VerifySignature("hook-secret", body, "sha256="+sig) {
		t.Fatal("expected prefixed signature to verify")
	}
	if VerifySignature("hook-secret", body, "") {
		t.Fatal("expected empty signature to fail")
	}
	if VerifySignature("other-secret", body, sig) {
		t.Fatal("expected wrong secret to fail")
	}
	if VerifySignature("hook-secret", []byte("{}"), sig) {
		t.Fatal("expected altered body to fail")
	}
}
