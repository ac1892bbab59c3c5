package lockbox

import (
	"fmt"

	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/kdf"
)

const preRotationLabel = "pre-rotation"

// RotatePassphrase re-protects the store under a new passphrase.
//
// The database key itself does not change, only its passphrase wrap
// does, so the encrypted container is untouched and open sessions,
// including the one supplied, keep working. The rotation is:
//
//  1. Snapshot the encrypted container with label "pre-rotation"
//     (abort with ErrBackupFailed before any mutation if that fails)
//  2. Generate a fresh derivation salt and derive the new
//     key-encryption key from it
//  3. Re-wrap the database key and atomically replace master.key and
//     derivation.salt
//
// If replacing either file fails, the previous salt and wrapped key
// are restored from memory, so the old passphrase keeps working. The
// supplied session proves the caller holds the database key; a locked
// session is rejected with ErrSessionLocked.
//
// The exclusivity marker shared with Migrate serializes rotations
// against migrations and other rotations (ErrLockContention).
func (m *Manager) RotatePassphrase(session *Session, newPassphrase string) error {
	if session == nil || session.Locked() {
		return ErrSessionLocked
	}

	newPassphrase, err := m.resolvePassphrase(newPassphrase)
	if err != nil {
		return err
	}
	if err = kdf.ValidatePassphrase(newPassphrase); err != nil {
		return err
	}

	release, err := m.acquireMigrationLock()
	if err != nil {
		return err
	}
	defer release()

	handle, err := m.backups.Snapshot(m.encryptedPath(), preRotationLabel)
	if err != nil {
		m.logAudit("passphrase_rotation", false, map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}

	// Keep the old artifacts in memory for rollback.
	oldSalt, err := readSalt(m.saltPath())
	if err != nil {
		return fmt.Errorf("failed to load current salt: %w", err)
	}
	oldWrapped, err := readWrappedKey(m.masterKeyPath())
	if err != nil {
		return fmt.Errorf("failed to load current master key: %w", err)
	}

	newSalt, err := kdf.NewSalt()
	if err != nil {
		return err
	}
	kek, err := kdf.Derive([]byte(newPassphrase), newSalt)
	if err != nil {
		return err
	}
	defer kek.Destroy()

	var newWrapped []byte
	err = session.withKey(func(dbKey []byte) error {
		var sealErr error
		newWrapped, sealErr = crypto.Seal(dbKey, kek.Bytes())
		return sealErr
	})
	if err != nil {
		return fmt.Errorf("failed to re-wrap database key: %w", err)
	}

	rollback := func(cause error) error {
		if restoreErr := writeSalt(m.saltPath(), oldSalt); restoreErr != nil {
			m.logAudit("rotation_rollback", false, map[string]interface{}{
				"error": restoreErr.Error(),
			})
		}
		if restoreErr := writeWrappedKey(m.masterKeyPath(), oldWrapped); restoreErr != nil {
			m.logAudit("rotation_rollback", false, map[string]interface{}{
				"error": restoreErr.Error(),
			})
		}
		m.logAudit("passphrase_rotation", false, map[string]interface{}{
			"backup_id": handle.ID,
			"error":     cause.Error(),
		})
		return fmt.Errorf("passphrase rotation failed, previous passphrase still valid: %w", cause)
	}

	if err = writeSalt(m.saltPath(), newSalt); err != nil {
		return rollback(err)
	}
	if err = writeWrappedKey(m.masterKeyPath(), newWrapped); err != nil {
		return rollback(err)
	}

	m.logAudit("passphrase_rotation", true, map[string]interface{}{
		"backup_id":  handle.ID,
		"session_id": session.ID,
	})
	return nil
}

// InvalidateCachedKey drops any keyring-cached database key. Hosts
// call it when they want the next launch to prompt for the passphrase
// again.
func (m *Manager) InvalidateCachedKey() error {
	if err := m.keyring.Delete(m.opts.KeyringService); err != nil {
		return fmt.Errorf("failed to clear cached key: %w", err)
	}
	return nil
}
