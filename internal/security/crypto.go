// Package security provides cryptographic primitives for clinicd.
//
// This package implements:
// - HKDF-based key derivation with domain separation
// - Secure random generation
// - Constant-time comparisons (prevents timing attacks)
// - Key strength validation
// - Secure memory wiping
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Cryptographic errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16 // 128 bits

// KeySize is the key size used for all document encryption keys.
const KeySize = 32 // 256 bits

// SaltSize is the size of the per-install key salt.
const SaltSize = 32

// GenerateSecureRandom fills the given slice with cryptographically secure random bytes.
func GenerateSecureRandom(data []byte) error {
	n, err := rand.Read(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, len(data))
	}
	return nil
}

// GenerateSalt generates a fresh random salt for key derivation.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if err := GenerateSecureRandom(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey derives a key using HKDF with SHA-256.
// The info parameter provides domain separation between key uses.
func DeriveKey(secret, salt, info []byte, keySize int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty input key material", ErrWeakKey)
	}

	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, secret, salt, info)

	derivedKey := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derivedKey); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	return derivedKey, nil
}

// DeriveKeyWithLabel derives a key with a clinicd domain separation label.
func DeriveKeyWithLabel(secret, salt []byte, label string, keySize int) ([]byte, error) {
	info := []byte("clinicd:" + label)
	return DeriveKey(secret, salt, info, keySize)
}

// Fingerprint computes a non-reversible fingerprint of key material.
// The fingerprint is safe to persist and log; the key cannot be recovered from it.
func Fingerprint(key []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte("clinicd-key-fingerprint-v1"))
	h.Write(key)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SecureCompare performs a constant-time comparison of two byte slices.
// Returns true if they are equal.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidateKeyStrength checks if a key meets minimum security requirements.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return fmt.Errorf("%w: key is all zeros", ErrWeakKey)
	}

	return nil
}
