package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ivSize is the GCM nonce length used by the envelope format.
const ivSize = 16

// ErrMalformedEnvelope reports ciphertext that does not follow the
// hex(iv):hex(tag):hex(ciphertext) layout.
var ErrMalformedEnvelope = errors.New("crypto: malformed envelope")

// Keyring holds the AES-256 key used for envelope encryption.
type Keyring struct {
	key []byte
}

// NewKeyring decodes a 64-character hex key. Anything else is rejected so a
// misconfigured key fails at startup rather than at first decrypt.
func NewKeyring(hexKey string) (*Keyring, error) {
	trimmed := strings.TrimSpace(hexKey)
	if len(trimmed) != 64 {
		return nil, fmt.Errorf("crypto: encryption key must be 64 hex characters, got %d", len(trimmed))
	}
	key, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode encryption key: %w", err)
	}
	return &Keyring{key: key}, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random IV and
// returns hex(iv):hex(tag):hex(ciphertext).
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:split], sealed[split:]
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ciphertext)), nil
}

// Decrypt opens an envelope produced by Encrypt. Tampered or malformed
// envelopes fail without leaking which part was wrong.
func (k *Keyring) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", ErrMalformedEnvelope
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrMalformedEnvelope
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}
	if len(tag) != gcm.Overhead() {
		return "", ErrMalformedEnvelope
	}
	plain, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open envelope: %w", err)
	}
	return string(plain), nil
}

func (k *Keyring) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivSize)
}

// HashSHA256 returns the hex-encoded SHA-256 digest of value.
func HashSHA256(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
