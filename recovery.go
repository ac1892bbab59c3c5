package lockbox

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/fsutil"
	"southwinds.dev/lockbox/internal/kdf"
)

// recoveryCredentialBytes is the entropy of a generated credential.
// 20 bytes = 160 bits, comfortably above the 128-bit floor, and
// encodes to a whole number of base32 groups.
const recoveryCredentialBytes = 20

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// recoverySidecar is the recovery material persisted outside the
// encrypted container, so a recovery credential can be verified and
// used while the store is locked. The authoritative copy of the
// verification hash also lives in the container's metadata row.
type recoverySidecar struct {
	RecoverySalt     []byte    `json:"recovery_salt"`
	VerificationHash string    `json:"verification_hash"`
	WrappedKey       []byte    `json:"wrapped_key"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// GenerateRecovery creates a fresh recovery credential for the store
// opened by session and returns its plaintext exactly once.
//
// WHAT GETS PERSISTED:
//   - Inside the encrypted container (metadata row): the credential
//     encrypted under the database key, plus an Argon2id verification
//     hash computed with parameters independent of the passphrase
//     derivation.
//   - In the recovery.json sidecar: the recovery salt, the same
//     verification hash, and the database key wrapped under a key
//     derived from the credential itself.
//
// The double wrapping is the point: the database key can be unwrapped
// either by the passphrase path (master.key) or by the recovery path
// (sidecar), so recovery never needs the passphrase it replaces. The
// plaintext credential is never persisted; show it to the user for
// offline storage and drop it.
//
// Calling GenerateRecovery again replaces the previous credential.
func (m *Manager) GenerateRecovery(session *Session) (string, error) {
	if session == nil || session.Locked() {
		return "", ErrSessionLocked
	}

	raw := make([]byte, recoveryCredentialBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate recovery credential: %w", err)
	}
	credential := formatCredential(base32NoPad.EncodeToString(raw))
	canonical := normalizeCredential(credential)

	recoverySalt, err := kdf.NewSalt()
	if err != nil {
		return "", err
	}

	hash, err := kdf.VerificationHash([]byte(canonical), recoverySalt)
	if err != nil {
		return "", err
	}
	hashHex := hex.EncodeToString(hash)

	recoveryKey, err := kdf.Derive([]byte(canonical), recoverySalt)
	if err != nil {
		return "", err
	}
	defer recoveryKey.Destroy()

	var wrappedDBKey, encryptedCredential []byte
	err = session.withKey(func(dbKey []byte) error {
		var sealErr error
		if wrappedDBKey, sealErr = crypto.Seal(dbKey, recoveryKey.Bytes()); sealErr != nil {
			return sealErr
		}
		encryptedCredential, sealErr = crypto.Seal([]byte(canonical), dbKey)
		return sealErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to wrap keys: %w", err)
	}

	// The metadata row first: it is the authoritative record and its
	// write is atomic within the container.
	enc := session.Store()
	if enc == nil {
		return "", ErrSessionLocked
	}
	meta := enc.Metadata()
	meta.RecoveryKeyEncrypted = encryptedCredential
	meta.RecoveryKeyHash = hashHex
	if err = enc.UpdateMetadata(meta); err != nil {
		return "", fmt.Errorf("failed to persist recovery metadata: %w", err)
	}

	sidecar := recoverySidecar{
		RecoverySalt:     recoverySalt,
		VerificationHash: hashHex,
		WrappedKey:       wrappedDBKey,
		UpdatedAt:        time.Now().UTC(),
	}
	if err = writeRecoverySidecar(m.recoveryPath(), &sidecar); err != nil {
		return "", err
	}

	m.logAudit("recovery_generated", true, map[string]interface{}{
		"session_id": session.ID,
	})
	return credential, nil
}

// VerifyRecovery checks a candidate credential against the stored
// verification hash in constant time, without touching the encrypted
// payload. It is cheap feedback before a full recovery flow; false
// covers both a wrong credential and absent/corrupted recovery
// material.
func (m *Manager) VerifyRecovery(candidate string) bool {
	sidecar, err := readRecoverySidecar(m.recoveryPath())
	if err != nil {
		return false
	}

	stored, err := hex.DecodeString(sidecar.VerificationHash)
	if err != nil {
		return false
	}

	computed, err := kdf.VerificationHash([]byte(normalizeCredential(candidate)), sidecar.RecoverySalt)
	if err != nil {
		return false
	}

	return crypto.ConstantTimeEqual(stored, computed)
}

// RecoverWith opens the store using a recovery credential instead of
// the passphrase.
//
// RECOVERY SEQUENCE:
//  1. Load the recovery sidecar (absent: ErrNoRecovery; unreadable:
//     ErrMetadataCorrupted, fatal to the recovery path only)
//  2. Verify the candidate against the stored hash in constant time
//  3. Derive the recovery key from the candidate and unwrap the
//     database key from the sidecar
//  4. Open the encrypted container with the canary read
//
// A wrong credential returns ErrInvalidRecoveryCredential; callers
// should bound retries with backoff before directing the user to a
// backup restore. The returned session is equivalent to a
// passphrase-based unlock.
func (m *Manager) RecoverWith(candidate string) (*Session, error) {
	sidecar, err := readRecoverySidecar(m.recoveryPath())
	if err != nil {
		m.logAudit("recovery_unlock", false, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	stored, err := hex.DecodeString(sidecar.VerificationHash)
	if err != nil {
		return nil, fmt.Errorf("%w: bad verification hash", ErrMetadataCorrupted)
	}

	canonical := normalizeCredential(candidate)
	computed, err := kdf.VerificationHash([]byte(canonical), sidecar.RecoverySalt)
	if err != nil {
		return nil, ErrInvalidRecoveryCredential
	}
	if !crypto.ConstantTimeEqual(stored, computed) {
		m.logAudit("recovery_unlock", false, map[string]interface{}{
			"error": "verification hash mismatch",
		})
		return nil, ErrInvalidRecoveryCredential
	}

	recoveryKey, err := kdf.Derive([]byte(canonical), sidecar.RecoverySalt)
	if err != nil {
		return nil, ErrInvalidRecoveryCredential
	}
	defer recoveryKey.Destroy()

	dbKey, err := crypto.Open(sidecar.WrappedKey, recoveryKey.Bytes())
	if err != nil {
		// The hash matched but the wrap does not open: the sidecar
		// halves disagree with each other.
		return nil, fmt.Errorf("%w: wrapped key does not match verification hash", ErrMetadataCorrupted)
	}

	session, err := m.openSession(dbKey)
	if err != nil {
		m.logAudit("recovery_unlock", false, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	m.cacheKey(session)
	m.logAudit("recovery_unlock", true, map[string]interface{}{
		"session_id": session.ID,
	})
	return session, nil
}

// HasRecovery reports whether recovery material exists for this store.
func (m *Manager) HasRecovery() bool {
	return fsutil.FileExists(m.recoveryPath())
}

func readRecoverySidecar(path string) (*recoverySidecar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRecovery
		}
		return nil, fmt.Errorf("%w: %v", ErrMetadataCorrupted, err)
	}

	var sidecar recoverySidecar
	if err = json.Unmarshal(data, &sidecar); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataCorrupted, err)
	}
	if len(sidecar.RecoverySalt) < kdf.SaltSize || sidecar.VerificationHash == "" || len(sidecar.WrappedKey) == 0 {
		return nil, fmt.Errorf("%w: missing fields", ErrMetadataCorrupted)
	}
	return &sidecar, nil
}

func writeRecoverySidecar(path string, sidecar *recoverySidecar) error {
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize recovery sidecar: %w", err)
	}
	if err = fsutil.WriteFileAtomic(path, data, fsutil.FilePermissions); err != nil {
		return fmt.Errorf("failed to write recovery sidecar: %w", err)
	}
	return nil
}

// formatCredential groups a base32 string into dash-separated blocks
// of four for readability: ABCD-EFGH-....
func formatCredential(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// normalizeCredential maps user input onto the canonical form the
// hashes are computed over: uppercase, no separators or spaces.
func normalizeCredential(s string) string {
	s = strings.ToUpper(s)
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}
