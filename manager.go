// Package lockbox manages the cryptographic key protecting an
// application's local database: passphrase-based key derivation, a
// one-time atomic migration from unencrypted to encrypted storage,
// recovery credentials independent of the passphrase, and verified
// backups around every destructive operation.
package lockbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/backup"
	"southwinds.dev/lockbox/internal/fsutil"
	"southwinds.dev/lockbox/internal/mem"
	"southwinds.dev/lockbox/keyring"
	"southwinds.dev/lockbox/store"
)

// StoreState is the migration state recomputed from the filesystem.
// It is never cached across restarts; a crashed migration is detected
// by probing, not by reading a flag that might be stale.
type StoreState string

const (
	// StateUnmigrated: the legacy unencrypted database exists and no
	// usable encrypted container does.
	StateUnmigrated StoreState = "unmigrated"
	// StateMigrated: a structurally valid encrypted container exists.
	StateMigrated StoreState = "migrated"
	// StateInconsistent: partial artifacts from an interrupted
	// migration are present alongside the legacy database.
	StateInconsistent StoreState = "inconsistent"
	// StateEmpty: neither store exists; nothing to migrate or unlock.
	StateEmpty StoreState = "empty"
)

// Status is what the host asks for on startup.
type Status struct {
	NeedsMigration bool
	IsLocked       bool
	State          StoreState
}

// Manager owns the persisted artifacts under a storage directory and
// exposes the unlock, migration, recovery and rotation operations.
// One Manager per storage directory; sessions it hands out hold the
// database key in protected memory.
type Manager struct {
	opts    Options
	backups *backup.Manager
	keyring keyring.Store
	audit   audit.Logger

	memoryProtectionLevel mem.ProtectionLevel

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	// convertFailpoint, when set, runs after the encrypted target is
	// written and before verification. Tests use it to simulate a
	// crash mid-conversion.
	convertFailpoint func() error
}

// New creates a Manager for the given options.
//
// INITIALIZATION SEQUENCE:
//  1. Validates options and fills in defaults
//  2. Creates the storage and backup directories
//  3. Attempts OS memory locking when EnableMemoryLock is set
//     (best-effort; failure downgrades protection, never aborts)
//  4. Wires the audit sink and the OS secret store
//
// New never touches key material and never prompts: the store stays
// locked until Unlock, Migrate, RecoverWith or TryCachedUnlock.
func New(options Options) (*Manager, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if options.LegacyDBName == "" {
		options.LegacyDBName = defaultLegacyDBName
	}
	if options.KeyringService == "" {
		options.KeyringService = defaultKeyringService
	}

	if err := os.MkdirAll(options.StorageDir, fsutil.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	backups, err := backup.NewManager(filepath.Join(options.StorageDir, "backups"))
	if err != nil {
		return nil, err
	}

	auditLogger, err := audit.NewLogger(options.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to set up audit logging: %w", err)
	}

	kr := options.Keyring
	if kr == nil {
		kr = keyring.System()
	}

	m := &Manager{
		opts:                  options,
		backups:               backups,
		keyring:               kr,
		audit:                 auditLogger,
		memoryProtectionLevel: mem.ProtectionNone,
		sessions:              make(map[string]*Session),
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			// Not fatal: memguard still protects the enclaves.
			m.logAudit("memory_lock", false, map[string]interface{}{
				"error": err.Error(),
			})
		}
		m.memoryProtectionLevel = level
	}

	m.logAudit("manager_initialized", true, map[string]interface{}{
		"state":             string(m.probeState()),
		"memory_protection": m.memoryProtectionLevel.String(),
	})

	return m, nil
}

// Paths of the persisted artifacts.

func (m *Manager) legacyPath() string {
	return filepath.Join(m.opts.StorageDir, m.opts.LegacyDBName)
}

func (m *Manager) encryptedPath() string {
	return m.legacyPath() + ".enc"
}

func (m *Manager) partialPath() string {
	return m.encryptedPath() + ".partial"
}

func (m *Manager) saltPath() string {
	return filepath.Join(m.opts.StorageDir, "derivation.salt")
}

func (m *Manager) masterKeyPath() string {
	return filepath.Join(m.opts.StorageDir, "master.key")
}

func (m *Manager) recoveryPath() string {
	return filepath.Join(m.opts.StorageDir, "recovery.json")
}

func (m *Manager) lockFilePath() string {
	return filepath.Join(m.opts.StorageDir, ".migration.lock")
}

// Backups exposes the backup manager so hosts can list, prune, export
// and import snapshots.
func (m *Manager) Backups() *backup.Manager {
	return m.backups
}

// Audit exposes the audit logger for host-side queries.
func (m *Manager) Audit() audit.Logger {
	return m.audit
}

// MemoryProtection reports the level of OS memory locking achieved.
func (m *Manager) MemoryProtection() string {
	return m.memoryProtectionLevel.String()
}

// CheckStatus recomputes the migration state by probing the
// filesystem and reports whether the store is locked. IsLocked is true
// when a migrated store exists and no session from this Manager is
// live.
func (m *Manager) CheckStatus() Status {
	state := m.probeState()

	m.mu.Lock()
	live := len(m.sessions) > 0
	m.mu.Unlock()

	return Status{
		NeedsMigration: state == StateUnmigrated || state == StateInconsistent,
		IsLocked:       state == StateMigrated && !live,
		State:          state,
	}
}

// probeState classifies the storage directory. An encrypted container
// only counts as migrated when it passes the structural probe; a
// broken one next to a surviving legacy file marks an interrupted
// migration.
func (m *Manager) probeState() StoreState {
	legacyExists := fsutil.FileExists(m.legacyPath())
	partialExists := fsutil.FileExists(m.partialPath())
	encExists := fsutil.FileExists(m.encryptedPath())

	encValid := false
	if encExists {
		encValid = store.Probe(m.encryptedPath()) == nil
	}

	switch {
	case encValid && !legacyExists:
		return StateMigrated
	case encValid && legacyExists:
		// Crash after rename but before legacy removal. The encrypted
		// store is complete; treat as migrated and let the next
		// unlock clean up.
		return StateMigrated
	case legacyExists && (partialExists || encExists):
		return StateInconsistent
	case legacyExists:
		return StateUnmigrated
	case encExists || partialExists:
		// Encrypted artifacts without a legacy fallback: the container
		// failed its probe and there is nothing to roll back to.
		return StateInconsistent
	default:
		return StateEmpty
	}
}

// registerSession tracks a live session so CheckStatus can report
// locked/unlocked and Close can scrub everything.
func (m *Manager) registerSession(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("manager is closed")
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Manager) unregisterSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Close locks every live session and releases the audit sink. The
// Manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.scrub()
	}

	m.logAudit("manager_closed", true, nil)
	return m.audit.Close()
}

// logAudit is fire-and-forget: a broken audit sink must never fail the
// operation being audited.
func (m *Manager) logAudit(action string, success bool, metadata map[string]interface{}) {
	_ = m.audit.Log(action, success, metadata)
}
