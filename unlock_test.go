package lockbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/lockbox/keyring"
)

func TestUnlockWrongPassphrase(t *testing.T) {
	m := newTestManager(t)

	session, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	session.Lock()

	// Wrong passphrase, reported cleanly, unlimited retries.
	for i := 0; i < 2; i++ {
		_, err = m.Unlock("wrong-password-here")
		assert.ErrorIs(t, err, ErrInvalidPassphrase)
	}

	status := m.CheckStatus()
	assert.True(t, status.IsLocked)
	assert.Equal(t, StateMigrated, status.State)

	// No lockout: the correct passphrase still works.
	again, err := m.Unlock(testPassphrase)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"proposals": 2, "settings": 1}, again.Store().RowCounts())
	again.Lock()
}

func TestUnlockWeakPassphrase(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Unlock("short")
	assert.ErrorIs(t, err, ErrWeakPassphrase)
}

func TestSessionLockScrubs(t *testing.T) {
	m := newTestManager(t)

	session, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)

	require.NotNil(t, session.Store())
	assert.False(t, session.Locked())

	session.Lock()
	assert.True(t, session.Locked())
	assert.Nil(t, session.Store())
	assert.ErrorIs(t, session.withKey(func([]byte) error { return nil }), ErrSessionLocked)
}

func TestCachedUnlock(t *testing.T) {
	mem := keyring.NewMemory()
	m := newTestManager(t, func(o *Options) {
		o.CacheUnlockKey = true
		o.Keyring = mem
	})

	session, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	session.Lock()

	// The migration cached the database key; no passphrase needed.
	cached, err := m.TryCachedUnlock()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"proposals": 2, "settings": 1}, cached.Store().RowCounts())
	cached.Lock()

	require.NoError(t, m.InvalidateCachedKey())
	_, err = m.TryCachedUnlock()
	assert.Error(t, err)
}

func TestCachedUnlockDisabled(t *testing.T) {
	m := newTestManager(t)
	_, err := m.TryCachedUnlock()
	assert.Error(t, err)
}

func TestCachedUnlockStaleKeyDropped(t *testing.T) {
	mem := keyring.NewMemory()
	m := newTestManager(t, func(o *Options) {
		o.CacheUnlockKey = true
		o.Keyring = mem
	})

	session, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	session.Lock()

	// Poison the cache with a key that cannot open the store.
	require.NoError(t, mem.Set(defaultKeyringService, make([]byte, 32)))

	_, err = m.TryCachedUnlock()
	require.Error(t, err)

	// The stale entry was evicted.
	_, err = mem.Get(defaultKeyringService)
	assert.ErrorIs(t, err, keyring.ErrNotFound)
}

func TestCheckStatusBeforeMigration(t *testing.T) {
	m := newTestManager(t)

	status := m.CheckStatus()
	assert.True(t, status.NeedsMigration)
	assert.False(t, status.IsLocked)
	assert.Equal(t, StateUnmigrated, status.State)
}

func TestCheckStatusEmptyDirectory(t *testing.T) {
	m, err := New(Options{StorageDir: t.TempDir(), Keyring: keyring.NewMemory()})
	require.NoError(t, err)
	defer m.Close()

	status := m.CheckStatus()
	assert.False(t, status.NeedsMigration)
	assert.False(t, status.IsLocked)
	assert.Equal(t, StateEmpty, status.State)
}

func TestEnvPassphraseFallback(t *testing.T) {
	t.Setenv("LOCKBOX_TEST_PASSPHRASE", testPassphrase)

	m := newTestManager(t, func(o *Options) {
		o.EnvPassphraseVar = "LOCKBOX_TEST_PASSPHRASE"
	})

	session, err := m.Migrate("", nil)
	require.NoError(t, err)
	session.Lock()

	again, err := m.Unlock("")
	require.NoError(t, err)
	again.Lock()
}

func TestOptionsValidate(t *testing.T) {
	assert.Error(t, Options{}.Validate())
	assert.Error(t, Options{StorageDir: "x", EnvPassphraseVar: "1BAD"}.Validate())
	assert.NoError(t, Options{StorageDir: "x", EnvPassphraseVar: "GOOD_NAME"}.Validate())
}
