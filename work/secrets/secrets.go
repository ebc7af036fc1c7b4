package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecrypt is returned when a ciphertext cannot be opened with the configured key
var ErrDecrypt = errors.New("secrets: unable to decrypt credential secret")

// Decrypter turns a stored credential secret into plaintext
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Plaintext is used when no key is configured: secrets are stored as-is
type Plaintext struct{}

// Decrypt returns the input unchanged
func (Plaintext) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

// SecretBox seals secrets with NaCl secretbox. Stored form is base64(nonce || box).
type SecretBox struct {
	key [32]byte
}

// NewSecretBox builds a SecretBox from a 64 character hex key
func NewSecretBox(hexKey string) (*SecretBox, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid secret key: want 32 bytes, got %d", len(raw))
	}
	sb := &SecretBox{}
	copy(sb.key[:], raw)
	return sb, nil
}

// New returns a SecretBox for a non-empty key and Plaintext otherwise
func New(hexKey string) (Decrypter, error) {
	if hexKey == "" {
		return Plaintext{}, nil
	}
	return NewSecretBox(hexKey)
}

// Encrypt seals plaintext with a fresh random nonce
func (s *SecretBox) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt
func (s *SecretBox) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < 24+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	out, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(out), nil
}

// Mask hides all but the first two characters of a secret for display and logs
func Mask(secret string) string {
	if len(secret) <= 2 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:2] + strings.Repeat("*", len(secret)-2)
}
