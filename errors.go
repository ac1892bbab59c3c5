package lockbox

import (
	"errors"
	"fmt"

	"southwinds.dev/lockbox/internal/kdf"
)

var (
	// ErrWeakPassphrase is returned before any expensive derivation
	// when a passphrase is shorter than the minimum length.
	ErrWeakPassphrase = kdf.ErrWeakPassphrase

	// ErrInvalidPassphrase is returned when an unlock attempt fails to
	// authenticate. Retries are unlimited; the only cost of guessing
	// is another expensive derivation.
	ErrInvalidPassphrase = errors.New("incorrect passphrase")

	// ErrInvalidRecoveryCredential is returned when a recovery
	// credential fails verification or cannot unwrap the database key.
	ErrInvalidRecoveryCredential = errors.New("invalid recovery credential")

	// ErrMetadataCorrupted is returned when the recovery material is
	// unreadable. It is fatal to the recovery path only; passphrase
	// unlock may still work.
	ErrMetadataCorrupted = errors.New("recovery metadata corrupted")

	// ErrBackupFailed aborts a destructive operation before any
	// mutation when its safety snapshot cannot be created or verified.
	ErrBackupFailed = errors.New("backup failed")

	// ErrLockContention is returned when another migration or rotation
	// holds the exclusivity marker. Callers should wait and retry.
	ErrLockContention = errors.New("another migration or rotation is in progress")

	// ErrNoRecovery is returned when recovery has never been generated
	// for this store.
	ErrNoRecovery = errors.New("no recovery credential has been generated")

	// ErrSessionLocked is returned when an operation needs an active
	// session but the one supplied has been locked.
	ErrSessionLocked = errors.New("session is locked")
)

// Stage identifies a step of the migration state machine.
type Stage string

const (
	StageNotStarted Stage = "not_started"
	StageBackingUp  Stage = "backing_up"
	StageConverting Stage = "converting"
	StageVerifying  Stage = "verifying"
	StageCommitted  Stage = "committed"
	StageRolledBack Stage = "rolled_back"
)

// MigrationError reports a failed migration together with the stage it
// failed in. By the time the caller sees one, rollback has already run
// and the legacy store is intact.
type MigrationError struct {
	Stage Stage
	Cause error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration failed during %s: data was restored to its previous state", e.Stage)
}

func (e *MigrationError) Unwrap() error {
	return e.Cause
}

func newMigrationError(stage Stage, cause error) *MigrationError {
	return &MigrationError{Stage: stage, Cause: cause}
}
