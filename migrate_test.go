package lockbox

import (
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"southwinds.dev/lockbox/keyring"
)

const testPassphrase = "correct-horse-battery"

// newTestManager creates a Manager over a temp storage directory
// holding a small legacy SQLite database.
func newTestManager(t *testing.T, mutate ...func(*Options)) *Manager {
	t.Helper()
	opts := Options{
		StorageDir: t.TempDir(),
		Keyring:    keyring.NewMemory(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	writeLegacyFixture(t, m.legacyPath())
	return m
}

func writeLegacyFixture(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	statements := []string{
		`CREATE TABLE proposals (id INTEGER PRIMARY KEY, title TEXT, body TEXT)`,
		`CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT)`,
		`INSERT INTO proposals (title, body) VALUES ('Q3 budget', 'draft text')`,
		`INSERT INTO proposals (title, body) VALUES ('Hiring plan', 'more text')`,
		`INSERT INTO settings (key, value) VALUES ('theme', 'dark')`,
	}
	for _, stmt := range statements {
		_, err = db.Exec(stmt)
		require.NoError(t, err)
	}
}

func TestMigrateHappyPath(t *testing.T) {
	m := newTestManager(t)

	var stages []Stage
	session, err := m.Migrate(testPassphrase, func(s Stage) { stages = append(stages, s) })
	require.NoError(t, err)
	defer session.Lock()

	assert.Equal(t, []Stage{StageBackingUp, StageConverting, StageVerifying, StageCommitted}, stages)

	// Legacy file gone, encrypted container live.
	assert.NoFileExists(t, m.legacyPath())
	assert.NoFileExists(t, m.partialPath())
	assert.FileExists(t, m.encryptedPath())
	assert.FileExists(t, m.saltPath())
	assert.FileExists(t, m.masterKeyPath())

	// The session reads the migrated rows.
	enc := session.Store()
	require.NotNil(t, enc)
	assert.Equal(t, map[string]int{"proposals": 2, "settings": 1}, enc.RowCounts())

	status := m.CheckStatus()
	assert.False(t, status.NeedsMigration)
	assert.False(t, status.IsLocked)
	assert.Equal(t, StateMigrated, status.State)

	session.Lock()
	status = m.CheckStatus()
	assert.True(t, status.IsLocked)

	// The passphrase set during migration unlocks the store.
	again, err := m.Unlock(testPassphrase)
	require.NoError(t, err)
	again.Lock()
}

func TestMigrateWeakPassphrase(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Migrate("short", nil)
	assert.ErrorIs(t, err, ErrWeakPassphrase)

	// Nothing moved, nothing backed up.
	assert.FileExists(t, m.legacyPath())
	handles, err := m.backups.List()
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestMigrateIdempotentAfterCommit(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	first.Lock()

	handles, err := m.backups.List()
	require.NoError(t, err)
	require.Len(t, handles, 1)

	// A second call short-circuits to an unlock: no conversion re-run,
	// no new backup.
	second, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	second.Lock()

	handles, err = m.backups.List()
	require.NoError(t, err)
	assert.Len(t, handles, 1)
}

func TestMigrateLockContention(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, os.WriteFile(m.lockFilePath(), []byte("12345\n"), 0o600))

	_, err := m.Migrate(testPassphrase, nil)
	assert.ErrorIs(t, err, ErrLockContention)

	// The holder's state is untouched: legacy intact, no backups from
	// the losing caller.
	assert.FileExists(t, m.legacyPath())
	handles, err := m.backups.List()
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestMigrateBreaksStaleLock(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, os.WriteFile(m.lockFilePath(), []byte("12345\n"), 0o600))
	old := time.Now().Add(-2 * lockStaleAfter)
	require.NoError(t, os.Chtimes(m.lockFilePath(), old, old))

	session, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	session.Lock()
}

func TestMigrateFailureRollsBack(t *testing.T) {
	m := newTestManager(t)

	before, err := os.ReadFile(m.legacyPath())
	require.NoError(t, err)

	injected := errors.New("disk pulled")
	m.convertFailpoint = func() error { return injected }

	var stages []Stage
	_, err = m.Migrate(testPassphrase, func(s Stage) { stages = append(stages, s) })

	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, StageConverting, migErr.Stage)
	assert.ErrorIs(t, err, injected)
	assert.Contains(t, stages, StageRolledBack)

	// Legacy bytes identical, partial artifacts gone.
	after, err := os.ReadFile(m.legacyPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, m.partialPath())
	assert.NoFileExists(t, m.encryptedPath())

	// A clean retry succeeds.
	m.convertFailpoint = nil
	session, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	session.Lock()
}

func TestMigrateCorruptTargetRollsBack(t *testing.T) {
	m := newTestManager(t)

	before, err := os.ReadFile(m.legacyPath())
	require.NoError(t, err)

	// Truncate the converted container after it is written so the
	// verification open fails instead of the conversion itself.
	m.convertFailpoint = func() error {
		return os.Truncate(m.partialPath(), 16)
	}

	var stages []Stage
	_, err = m.Migrate(testPassphrase, func(s Stage) { stages = append(stages, s) })

	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Equal(t, StageVerifying, migErr.Stage)
	assert.Contains(t, stages, StageRolledBack)

	after, err := os.ReadFile(m.legacyPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, m.partialPath())
	assert.NoFileExists(t, m.encryptedPath())

	m.convertFailpoint = nil
	session, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	session.Lock()
}

func TestMigrateDetectsInterruptedRun(t *testing.T) {
	m := newTestManager(t)

	before, err := os.ReadFile(m.legacyPath())
	require.NoError(t, err)

	// Simulate a crash mid-Converting from a previous process: the
	// pre-migration snapshot exists and a truncated target was left
	// behind.
	_, err = m.backups.Snapshot(m.legacyPath(), "pre-migration")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.partialPath(), []byte("half-written container"), 0o600))

	require.Equal(t, StateInconsistent, m.probeState())

	var stages []Stage
	_, err = m.Migrate(testPassphrase, func(s Stage) { stages = append(stages, s) })

	var migErr *MigrationError
	require.ErrorAs(t, err, &migErr)
	assert.Contains(t, stages, StageRolledBack)

	after, err := os.ReadFile(m.legacyPath())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, m.partialPath())
	assert.Equal(t, StateUnmigrated, m.probeState())

	// The store migrates cleanly on the next invocation.
	session, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	session.Lock()
}

func TestMigrateNothingToMigrate(t *testing.T) {
	opts := Options{StorageDir: t.TempDir(), Keyring: keyring.NewMemory()}
	m, err := New(opts)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Migrate(testPassphrase, nil)
	assert.Error(t, err)
}
