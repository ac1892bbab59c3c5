package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const passphraseSaltSize = 32

const pbkdf2Iterations = 100000

// Seal encrypts plaintext with ChaCha20-Poly1305 under the given key.
// The output layout is nonce || ciphertext+tag.
func Seal(plaintext, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	sealed := make([]byte, len(nonce)+len(ciphertext))
	copy(sealed[:len(nonce)], nonce)
	copy(sealed[len(nonce):], ciphertext)

	return sealed, nil
}

// Open decrypts data produced by Seal. Authentication failure means the
// key is wrong or the data was tampered with; the two are deliberately
// indistinguishable.
func Open(sealed, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := sealed[:aead.NonceSize()]
	ciphertext := sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// SealWithPassphrase encrypts data under a key derived from the
// passphrase with PBKDF2. Used for portable artifacts (backup exports)
// that must be openable without any vault state. The output layout is
// salt || nonce || ciphertext+tag.
func SealWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, passphraseSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)

	sealed, err := Seal(data, key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(salt)+len(sealed))
	copy(out[:len(salt)], salt)
	copy(out[len(salt):], sealed)

	return out, nil
}

// OpenWithPassphrase decrypts data produced by SealWithPassphrase.
func OpenWithPassphrase(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < passphraseSaltSize+chacha20poly1305.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	salt := sealed[:passphraseSaltSize]
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, chacha20poly1305.KeySize, sha256.New)

	return Open(sealed[passphraseSaltSize:], key)
}

// Checksum calculates the SHA-256 checksum of data as a hex string.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ChecksumReader calculates the SHA-256 checksum of everything readable
// from r, without buffering the whole input.
func ChecksumReader(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("failed to checksum data: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
