// Package secrets seals credentials before they are written to the settings
// table. Values are encrypted with NaCl secretbox under a key derived from an
// operator passphrase with Argon2id.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	keyLen       = 32
	saltLen      = 16
	nonceLen     = 24

	prefix = "sbx1$"
)

var (
	// ErrNoKey is returned when opening a sealed value without a passphrase.
	ErrNoKey = errors.New("secrets: value is sealed but no settings key is configured")

	// ErrDecrypt is returned when a sealed value fails authentication.
	ErrDecrypt = errors.New("secrets: decrypt failed (wrong key or corrupted value)")
)

// Box seals and opens values. A nil *Box stores values in plaintext and
// refuses to open sealed ones.
type Box struct {
	passphrase []byte
}

// New returns a Box for passphrase, or nil when passphrase is empty.
func New(passphrase string) *Box {
	if passphrase == "" {
		return nil
	}
	return &Box{passphrase: []byte(passphrase)}
}

// Enabled reports whether values will actually be encrypted.
func (b *Box) Enabled() bool { return b != nil }

// IsSealed reports whether v was produced by Seal.
func IsSealed(v string) bool { return strings.HasPrefix(v, prefix) }

// Seal encrypts plaintext. A nil Box returns plaintext unchanged.
func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil {
		return plaintext, nil
	}
	var salt [saltLen]byte
	var nonce [nonceLen]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return "", fmt.Errorf("secrets: generate salt: %w", err)
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	key := b.derive(salt[:])

	out := make([]byte, 0, saltLen+nonceLen+len(plaintext)+secretbox.Overhead)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, []byte(plaintext), &nonce, &key)
	return prefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged, so rows written before a key was configured keep
// working.
func (b *Box) Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if b == nil {
		return "", ErrNoKey
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(v, prefix))
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	if len(raw) < saltLen+nonceLen+secretbox.Overhead {
		return "", ErrDecrypt
	}
	var nonce [nonceLen]byte
	copy(nonce[:], raw[saltLen:saltLen+nonceLen])
	key := b.derive(raw[:saltLen])

	plain, ok := secretbox.Open(nil, raw[saltLen+nonceLen:], &nonce, &key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func (b *Box) derive(salt []byte) [keyLen]byte {
	var key [keyLen]byte
	copy(key[:], argon2.IDKey(b.passphrase, salt, argonTime, argonMemory, argonThreads, keyLen))
	return key
}
