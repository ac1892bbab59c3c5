package lockbox

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// migratedManager migrates the fixture and returns the live session.
func migratedManager(t *testing.T) (*Manager, *Session) {
	t.Helper()
	m := newTestManager(t)
	session, err := m.Migrate(testPassphrase, nil)
	require.NoError(t, err)
	t.Cleanup(session.Lock)
	return m, session
}

func TestGenerateAndVerifyRecovery(t *testing.T) {
	m, session := migratedManager(t)

	credential, err := m.GenerateRecovery(session)
	require.NoError(t, err)

	// 160 bits of base32 in dash-separated groups of four.
	groups := strings.Split(credential, "-")
	assert.Len(t, groups, 8)
	for _, g := range groups {
		assert.Len(t, g, 4)
	}

	assert.True(t, m.HasRecovery())
	assert.True(t, m.VerifyRecovery(credential))
	assert.False(t, m.VerifyRecovery("not-R"))
	assert.False(t, m.VerifyRecovery(""))

	// The metadata row inside the container carries the hash and the
	// encrypted credential.
	meta := session.Store().Metadata()
	assert.NotEmpty(t, meta.RecoveryKeyHash)
	assert.NotEmpty(t, meta.RecoveryKeyEncrypted)
}

func TestVerifyRecoveryNormalizesInput(t *testing.T) {
	m, session := migratedManager(t)

	credential, err := m.GenerateRecovery(session)
	require.NoError(t, err)

	assert.True(t, m.VerifyRecovery(strings.ToLower(credential)))
	assert.True(t, m.VerifyRecovery(strings.ReplaceAll(credential, "-", " ")))
}

func TestRecoverWith(t *testing.T) {
	m, session := migratedManager(t)

	credential, err := m.GenerateRecovery(session)
	require.NoError(t, err)
	session.Lock()

	recovered, err := m.RecoverWith(credential)
	require.NoError(t, err)
	defer recovered.Lock()

	// Equivalent to a passphrase unlock.
	assert.Equal(t, map[string]int{"proposals": 2, "settings": 1}, recovered.Store().RowCounts())

	_, err = m.RecoverWith("not-R")
	assert.ErrorIs(t, err, ErrInvalidRecoveryCredential)
}

func TestRecoverWithNoRecovery(t *testing.T) {
	m, _ := migratedManager(t)

	assert.False(t, m.HasRecovery())
	_, err := m.RecoverWith("anything-at-all")
	assert.ErrorIs(t, err, ErrNoRecovery)
}

func TestRecoveryCorruptedSidecar(t *testing.T) {
	m, session := migratedManager(t)

	_, err := m.GenerateRecovery(session)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(m.recoveryPath(), []byte("{not json"), 0o600))

	assert.False(t, m.VerifyRecovery("whatever-credential"))
	_, err = m.RecoverWith("whatever-credential")
	assert.ErrorIs(t, err, ErrMetadataCorrupted)

	// The passphrase path is unaffected by a broken recovery sidecar.
	session.Lock()
	again, err := m.Unlock(testPassphrase)
	require.NoError(t, err)
	again.Lock()
}

func TestGenerateRecoveryReplacesPrevious(t *testing.T) {
	m, session := migratedManager(t)

	first, err := m.GenerateRecovery(session)
	require.NoError(t, err)
	second, err := m.GenerateRecovery(session)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	assert.False(t, m.VerifyRecovery(first))
	assert.True(t, m.VerifyRecovery(second))
}

func TestGenerateRecoveryRequiresLiveSession(t *testing.T) {
	m, session := migratedManager(t)
	session.Lock()

	_, err := m.GenerateRecovery(session)
	assert.ErrorIs(t, err, ErrSessionLocked)

	_, err = m.GenerateRecovery(nil)
	assert.ErrorIs(t, err, ErrSessionLocked)
}
