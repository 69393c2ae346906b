// Package security holds the key material, file hygiene and admission
// limits livenessd relies on: the HKDF-derived decision log key, atomic
// secret files, a single-instance data directory lock and connection
// limits for stream ingest.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

// Key errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
	ErrWeakKey             = errors.New("security: key is too weak")
	ErrInvalidKeySize      = errors.New("security: invalid key size")
)

// MinKeySize is the minimum allowed key size in bytes.
const MinKeySize = 16

// RecommendedKeySize is the size of generated master keys.
const RecommendedKeySize = 32

// Derivation labels.
const (
	LabelDecisionLog = "decision-log"
	LabelAuditLog    = "audit-log"
)

// GenerateKey generates a cryptographically secure random key.
func GenerateKey(size int) ([]byte, error) {
	if size < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}
	key := make([]byte, size)
	n, err := rand.Read(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != size {
		return nil, fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, size)
	}
	return key, nil
}

// DeriveKey derives a key using HKDF with SHA-256.
func DeriveKey(masterKey, salt, info []byte, keySize int) ([]byte, error) {
	if len(masterKey) < MinKeySize {
		return nil, fmt.Errorf("%w: master key is %d bytes, minimum %d required",
			ErrWeakKey, len(masterKey), MinKeySize)
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("%w: minimum %d bytes required", ErrInvalidKeySize, MinKeySize)
	}

	reader := hkdf.New(sha256.New, masterKey, salt, info)
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return derived, nil
}

// DeriveKeyWithLabel derives a key with a livenessd domain separation label.
func DeriveKeyWithLabel(masterKey []byte, label string, keySize int) ([]byte, error) {
	return DeriveKey(masterKey, nil, []byte("livenessd:"+label), keySize)
}

// ValidateKeyStrength rejects short, all-zero and single-byte-repeat keys.
func ValidateKeyStrength(key []byte) error {
	if len(key) < MinKeySize {
		return fmt.Errorf("%w: key is %d bytes, minimum %d required",
			ErrWeakKey, len(key), MinKeySize)
	}
	same := true
	for _, b := range key[1:] {
		if b != key[0] {
			same = false
			break
		}
	}
	if same {
		if key[0] == 0 {
			return fmt.Errorf("%w: key is all zeros", ErrWeakKey)
		}
		return fmt.Errorf("%w: key has repeating pattern", ErrWeakKey)
	}
	return nil
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Wipe overwrites a byte slice with zeros.
func Wipe(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// LoadOrCreateMasterKey reads the master key at path, creating it with
// RecommendedKeySize random bytes and 0600 permissions if it is missing.
func LoadOrCreateMasterKey(path string) ([]byte, error) {
	key, err := ReadSecureFile(path, 1024)
	switch {
	case err == nil:
		if err := ValidateKeyStrength(key); err != nil {
			return nil, fmt.Errorf("master key %s: %w", path, err)
		}
		return key, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read master key: %w", err)
	}

	if err := EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("key directory: %w", err)
	}
	key, err = GenerateKey(RecommendedKeySize)
	if err != nil {
		return nil, err
	}
	if err := WriteSecretFile(path, key); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

// DecisionLogKey derives the HMAC key that seals the governance decision
// chain.
func DecisionLogKey(masterKey []byte) ([]byte, error) {
	return DeriveKeyWithLabel(masterKey, LabelDecisionLog, 32)
}
