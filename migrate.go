package lockbox

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/kdf"
	"southwinds.dev/lockbox/store"
)

// ProgressFunc receives stage transitions during a migration. It is
// called synchronously; implementations should return quickly.
type ProgressFunc func(stage Stage)

const preMigrationLabel = "pre-migration"

// lockStaleAfter is how old the exclusivity marker may be before a new
// migration treats it as abandoned by a crashed process. A healthy
// migration finishes in seconds; fifteen minutes leaves room for slow
// disks without letting a crash orphan the store for long.
const lockStaleAfter = 15 * time.Minute

// Migrate performs the one-time conversion of the legacy unencrypted
// database into the encrypted container, protected by newPassphrase.
//
// STATE MACHINE:
//
//	NotStarted -> BackingUp -> Converting -> Verifying -> Committed
//
// Any failure in BackingUp, Converting or Verifying rolls back to the
// pre-migration snapshot and reports a *MigrationError; the legacy
// file is left byte-identical so the user has lost nothing.
//
// STAGES:
//   - BackingUp: snapshot the legacy database with label
//     "pre-migration". A backup that cannot be created or verified
//     aborts before any mutation (ErrBackupFailed inside the
//     MigrationError).
//   - Converting: generate a fresh derivation salt and a random
//     database key, snapshot every legacy table under one read
//     transaction, and write the encrypted container to a partial
//     path beside the final one.
//   - Verifying: independently reopen the partial container with the
//     derived key, then compare per-table row counts and the content
//     checksum against the legacy source. Any mismatch forces
//     rollback.
//   - Committed: wrap the database key under the passphrase-derived
//     key (master.key), promote the partial container to its final
//     path, and only then delete the legacy file. The legacy store is
//     never removed before a verified encrypted replacement exists.
//
// CONCURRENCY AND CRASH SAFETY:
// Exclusivity is enforced with a lock file created at the start of
// BackingUp and removed at the terminal state; a concurrent caller
// gets ErrLockContention and must not disturb the in-flight backup. A
// crash mid-Converting leaves a partial artifact that the next run
// detects by probing: it restores the pre-migration snapshot, reports
// RolledBack through onProgress and returns a *MigrationError, after
// which a fresh invocation starts from NotStarted.
//
// IDEMPOTENCE:
// Calling Migrate on an already-migrated store short-circuits to an
// unlock with newPassphrase: no conversion re-runs and no new backup
// is taken.
//
// Parameters:
//   - newPassphrase: the passphrase being established (minimum 12
//     characters). It is set here, not verified; wrong-passphrase
//     errors belong to the unlock path. Empty falls back to
//     Options.EnvPassphraseVar.
//   - onProgress: optional stage callback, nil allowed.
//
// Returns:
//   - *Session: an unlocked session on the freshly encrypted store
//   - error: ErrWeakPassphrase, ErrLockContention, or *MigrationError
func (m *Manager) Migrate(newPassphrase string, onProgress ProgressFunc) (*Session, error) {
	if onProgress == nil {
		onProgress = func(Stage) {}
	}

	newPassphrase, err := m.resolvePassphrase(newPassphrase)
	if err != nil {
		return nil, err
	}
	if err = kdf.ValidatePassphrase(newPassphrase); err != nil {
		return nil, err
	}

	switch m.probeState() {
	case StateMigrated:
		// Terminal state Committed: short-circuit to an unlock.
		m.logAudit("migration_skipped", true, map[string]interface{}{
			"stage": string(StageCommitted),
		})
		return m.Unlock(newPassphrase)
	case StateEmpty:
		return nil, fmt.Errorf("nothing to migrate: %s does not exist", m.legacyPath())
	}

	release, err := m.acquireMigrationLock()
	if err != nil {
		m.logAudit("migration_start", false, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}
	defer release()

	// An interrupted earlier run must be rolled back before a fresh
	// attempt can start.
	if m.probeState() == StateInconsistent {
		return nil, m.rollbackInterrupted(onProgress)
	}

	m.logAudit("migration_start", true, nil)

	// BackingUp
	onProgress(StageBackingUp)
	handle, err := m.backups.Snapshot(m.legacyPath(), preMigrationLabel)
	if err != nil {
		fail := newMigrationError(StageBackingUp, fmt.Errorf("%w: %v", ErrBackupFailed, err))
		m.logAudit("migration_failed", false, map[string]interface{}{
			"stage": string(StageBackingUp),
			"error": err.Error(),
		})
		return nil, fail
	}

	session, err := m.convertAndCommit(newPassphrase, handle.ID, onProgress)
	if err != nil {
		return nil, err
	}

	m.logAudit("migration_committed", true, map[string]interface{}{
		"stage":      string(StageCommitted),
		"backup_id":  handle.ID,
		"session_id": session.ID,
	})
	return session, nil
}

// convertAndCommit runs Converting, Verifying and the commit sequence.
// backupID identifies the pre-migration snapshot to restore on
// failure.
func (m *Manager) convertAndCommit(passphrase, backupID string, onProgress ProgressFunc) (*Session, error) {
	rollback := func(stage Stage, cause error) error {
		m.rollbackTo(backupID)
		onProgress(StageRolledBack)
		m.logAudit("migration_rolled_back", false, map[string]interface{}{
			"stage":     string(stage),
			"backup_id": backupID,
			"error":     cause.Error(),
		})
		return newMigrationError(stage, cause)
	}

	// Converting
	onProgress(StageConverting)

	salt, err := kdf.NewSalt()
	if err != nil {
		return nil, rollback(StageConverting, err)
	}
	kek, err := kdf.Derive([]byte(passphrase), salt)
	if err != nil {
		return nil, rollback(StageConverting, err)
	}
	defer kek.Destroy()

	dbKeyBuf := memguard.NewBuffer(int(kdf.ArgonKeyLen))
	defer dbKeyBuf.Destroy()
	if _, err = rand.Read(dbKeyBuf.Bytes()); err != nil {
		return nil, rollback(StageConverting, fmt.Errorf("failed to generate database key: %w", err))
	}

	legacy, err := store.OpenLegacy(m.legacyPath())
	if err != nil {
		return nil, rollback(StageConverting, err)
	}
	defer legacy.Close()

	tables, err := legacy.Snapshot()
	if err != nil {
		return nil, rollback(StageConverting, err)
	}
	sourceCounts, err := legacy.RowCounts()
	if err != nil {
		return nil, rollback(StageConverting, err)
	}
	sourceChecksum := store.ChecksumTables(tables)

	if err = store.CreateEncrypted(m.partialPath(), dbKeyBuf.Bytes(), tables); err != nil {
		return nil, rollback(StageConverting, err)
	}
	if m.convertFailpoint != nil {
		if err = m.convertFailpoint(); err != nil {
			return nil, rollback(StageConverting, err)
		}
	}

	// Verifying
	onProgress(StageVerifying)

	verifyKey := append([]byte(nil), dbKeyBuf.Bytes()...)
	enc, err := store.OpenEncrypted(m.partialPath(), verifyKey)
	if err != nil {
		zero(verifyKey)
		return nil, rollback(StageVerifying, err)
	}
	targetCounts := enc.RowCounts()
	targetChecksum := enc.ContentChecksum()
	enc.Close()
	zero(verifyKey)

	if err = compareCounts(sourceCounts, targetCounts); err != nil {
		return nil, rollback(StageVerifying, err)
	}
	if sourceChecksum != targetChecksum {
		return nil, rollback(StageVerifying, errors.New("content checksum mismatch between source and target"))
	}

	// Commit. Ordering matters: salt and wrapped key first so the
	// container is unlockable the moment it is promoted, legacy
	// removal strictly last. Failures before the rename still roll
	// back; after the rename the encrypted store is authoritative.
	if err = writeSalt(m.saltPath(), salt); err != nil {
		return nil, rollback(StageVerifying, err)
	}
	wrapped, err := crypto.Seal(dbKeyBuf.Bytes(), kek.Bytes())
	if err != nil {
		return nil, rollback(StageVerifying, err)
	}
	if err = writeWrappedKey(m.masterKeyPath(), wrapped); err != nil {
		return nil, rollback(StageVerifying, err)
	}
	if err = os.Rename(m.partialPath(), m.encryptedPath()); err != nil {
		return nil, rollback(StageVerifying, fmt.Errorf("failed to promote encrypted store: %w", err))
	}
	onProgress(StageCommitted)
	if err = os.Remove(m.legacyPath()); err != nil && !os.IsNotExist(err) {
		// The container is already live; a stubborn legacy file is
		// cleaned up by the next unlock rather than rolled back.
		m.logAudit("legacy_cleanup", false, map[string]interface{}{
			"error": err.Error(),
		})
	}

	session, err := m.openSession(append([]byte(nil), dbKeyBuf.Bytes()...))
	if err != nil {
		return nil, fmt.Errorf("migration committed but the store failed to open: %w", err)
	}
	m.cacheKey(session)
	return session, nil
}

// rollbackInterrupted handles a store found in the inconsistent state:
// partial artifacts from a crashed run. It restores the pre-migration
// snapshot, removes the partial artifacts and reports the failure. It
// never retries silently; the caller decides whether to invoke Migrate
// again.
func (m *Manager) rollbackInterrupted(onProgress ProgressFunc) error {
	var backupID string
	if handles, err := m.backups.List(); err == nil {
		for _, h := range handles {
			if h.Label == preMigrationLabel {
				backupID = h.ID
				break
			}
		}
	}

	m.rollbackTo(backupID)
	onProgress(StageRolledBack)

	cause := errors.New("interrupted migration detected: partial artifacts removed and legacy store restored")
	m.logAudit("migration_rolled_back", false, map[string]interface{}{
		"stage":     string(StageConverting),
		"backup_id": backupID,
		"error":     cause.Error(),
	})
	return newMigrationError(StageConverting, cause)
}

// rollbackTo removes partial migration artifacts and restores the
// legacy database from the given snapshot. With an empty backupID the
// untouched legacy file is left as-is; removal of partial artifacts
// still happens.
func (m *Manager) rollbackTo(backupID string) {
	_ = os.Remove(m.partialPath())
	// A container that failed its structural probe is junk; a valid
	// one would have classified the state as migrated, not
	// inconsistent.
	if store.Probe(m.encryptedPath()) != nil {
		_ = os.Remove(m.encryptedPath())
	}
	_ = os.Remove(m.masterKeyPath())

	if backupID != "" {
		if err := m.backups.Restore(backupID, m.legacyPath()); err != nil {
			m.logAudit("rollback_restore", false, map[string]interface{}{
				"backup_id": backupID,
				"error":     err.Error(),
			})
		}
	}
}

func compareCounts(source, target map[string]int) error {
	if len(source) != len(target) {
		return fmt.Errorf("table count mismatch: source has %d, target has %d", len(source), len(target))
	}
	for name, want := range source {
		got, ok := target[name]
		if !ok {
			return fmt.Errorf("table %s missing from target", name)
		}
		if got != want {
			return fmt.Errorf("row count mismatch in %s: source %d, target %d", name, want, got)
		}
	}
	return nil
}

// acquireMigrationLock creates the exclusivity marker. A marker older
// than lockStaleAfter is treated as abandoned by a crashed process and
// broken once.
func (m *Manager) acquireMigrationLock() (release func(), err error) {
	path := m.lockFilePath()

	create := func() (release func(), err error) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
		_ = f.Close()
		return func() { _ = os.Remove(path) }, nil
	}

	release, err = create()
	if err == nil {
		return release, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("failed to create migration lock: %w", err)
	}

	info, statErr := os.Stat(path)
	if statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
		_ = os.Remove(path)
		if release, err = create(); err == nil {
			return release, nil
		}
	}

	return nil, ErrLockContention
}
