package kdf

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id cost parameters for passphrase-derived keys. Tuned for
	// hundreds of milliseconds on commodity hardware.
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// Independent cost parameters for the recovery credential
	// verification hash. Deliberately different from the passphrase
	// derivation parameters so the two digests never collide.
	VerifyTime    uint32 = 3
	VerifyMemory  uint32 = 64 * 1024
	VerifyThreads uint8  = 2
	VerifyKeyLen  uint32 = 32

	SaltSize = 16

	MinPassphraseLength = 12
)

// ErrWeakPassphrase is returned before any derivation work when the
// supplied passphrase does not meet the minimum length requirement.
var ErrWeakPassphrase = fmt.Errorf("passphrase must be at least %d characters long", MinPassphraseLength)

// ValidatePassphrase enforces the minimum passphrase length. The check
// is local and synchronous; it must run before any expensive derivation.
func ValidatePassphrase(passphrase string) error {
	if len(passphrase) < MinPassphraseLength {
		return ErrWeakPassphrase
	}
	return nil
}

// NewSalt generates a fresh random derivation salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Derive turns a passphrase and salt into a fixed-length symmetric key
// using Argon2id. The result is returned in a memguard locked buffer;
// the caller owns it and must Destroy it when the session ends.
//
// Derivation is deterministic for identical inputs and cannot fail on a
// correct passphrase, only on corrupted salt data. There are no retries:
// a malformed salt is fatal to the current operation.
func Derive(passphrase []byte, salt []byte) (*memguard.LockedBuffer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("derivation salt too short: got %d bytes, need at least %d", len(salt), SaltSize)
	}

	derived := argon2.IDKey(passphrase, salt, ArgonTime, ArgonMemory, ArgonThreads, ArgonKeyLen)

	// Protect the derived key immediately and wipe the unprotected copy.
	protected := memguard.NewBufferFromBytes(derived)
	memguard.WipeBytes(derived)

	return protected, nil
}

// VerificationHash computes the one-way verification digest of a
// recovery credential. It uses the independent Argon2id parameters so
// the digest shares nothing with the passphrase derivation path.
func VerificationHash(credential []byte, salt []byte) ([]byte, error) {
	if len(credential) == 0 {
		return nil, errors.New("credential cannot be empty")
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("verification salt too short: got %d bytes, need at least %d", len(salt), SaltSize)
	}
	return argon2.IDKey(credential, salt, VerifyTime, VerifyMemory, VerifyThreads, VerifyKeyLen), nil
}
