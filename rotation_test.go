package lockbox

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rotatedPassphrase = "battery-staple-rotated"

func TestRotatePassphrase(t *testing.T) {
	m, session := migratedManager(t)

	require.NoError(t, m.RotatePassphrase(session, rotatedPassphrase))

	// The open session keeps working: the database key is unchanged.
	assert.Equal(t, map[string]int{"proposals": 2, "settings": 1}, session.Store().RowCounts())
	session.Lock()

	_, err := m.Unlock(testPassphrase)
	assert.ErrorIs(t, err, ErrInvalidPassphrase)

	unlocked, err := m.Unlock(rotatedPassphrase)
	require.NoError(t, err)
	unlocked.Lock()

	// The rotation left a pre-rotation snapshot behind.
	handles, err := m.backups.List()
	require.NoError(t, err)
	found := false
	for _, h := range handles {
		if h.Label == preRotationLabel {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRotatePassphraseKeepsRecovery(t *testing.T) {
	m, session := migratedManager(t)

	credential, err := m.GenerateRecovery(session)
	require.NoError(t, err)

	require.NoError(t, m.RotatePassphrase(session, rotatedPassphrase))
	session.Lock()

	// Recovery wraps the database key, not the passphrase wrap, so it
	// survives rotation.
	assert.True(t, m.VerifyRecovery(credential))
	recovered, err := m.RecoverWith(credential)
	require.NoError(t, err)
	recovered.Lock()
}

func TestRotatePassphraseWeak(t *testing.T) {
	m, session := migratedManager(t)
	assert.ErrorIs(t, m.RotatePassphrase(session, "short"), ErrWeakPassphrase)
}

func TestRotatePassphraseLockedSession(t *testing.T) {
	m, session := migratedManager(t)
	session.Lock()
	assert.ErrorIs(t, m.RotatePassphrase(session, rotatedPassphrase), ErrSessionLocked)
	assert.ErrorIs(t, m.RotatePassphrase(nil, rotatedPassphrase), ErrSessionLocked)
}

func TestRotatePassphraseContention(t *testing.T) {
	m, session := migratedManager(t)

	require.NoError(t, os.WriteFile(m.lockFilePath(), []byte("12345\n"), 0o600))
	assert.ErrorIs(t, m.RotatePassphrase(session, rotatedPassphrase), ErrLockContention)

	// The old passphrase is untouched after the refused rotation.
	session.Lock()
	require.NoError(t, os.Remove(m.lockFilePath()))
	again, err := m.Unlock(testPassphrase)
	require.NoError(t, err)
	again.Lock()
}
