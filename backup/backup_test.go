package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagerFixture(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	source := filepath.Join(dir, "app.db")
	require.NoError(t, os.WriteFile(source, []byte("original database bytes"), 0o600))
	return m, source
}

func TestSnapshotAndRestore(t *testing.T) {
	m, source := newManagerFixture(t)

	handle, err := m.Snapshot(source, "pre-migration")
	require.NoError(t, err)
	assert.NotEmpty(t, handle.ID)
	assert.Equal(t, "pre-migration", handle.Label)
	assert.Equal(t, int64(len("original database bytes")), handle.Size)
	assert.FileExists(t, handle.Path)
	assert.FileExists(t, handle.ManifestPath)

	// Clobber the source, then bring it back.
	require.NoError(t, os.WriteFile(source, []byte("corrupted"), 0o600))
	require.NoError(t, m.Restore(handle.ID, source))

	data, err := os.ReadFile(source)
	require.NoError(t, err)
	assert.Equal(t, []byte("original database bytes"), data)
}

func TestSnapshotMissingSource(t *testing.T) {
	m, _ := newManagerFixture(t)
	_, err := m.Snapshot(filepath.Join(t.TempDir(), "nope.db"), "x")
	assert.Error(t, err)
}

func TestRestoreUnknownID(t *testing.T) {
	m, source := newManagerFixture(t)
	err := m.Restore("no-such-backup", source)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreDetectsTamperedBackup(t *testing.T) {
	m, source := newManagerFixture(t)

	handle, err := m.Snapshot(source, "pre-migration")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(handle.Path, []byte("tampered content"), 0o600))

	err = m.Restore(handle.ID, source)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")

	// The destination must be untouched after a failed restore.
	data, err := os.ReadFile(source)
	require.NoError(t, err)
	assert.Equal(t, []byte("original database bytes"), data)
}

func TestListNewestFirst(t *testing.T) {
	m, source := newManagerFixture(t)

	first, err := m.Snapshot(source, "first")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	second, err := m.Snapshot(source, "second")
	require.NoError(t, err)

	handles, err := m.List()
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, second.ID, handles[0].ID)
	assert.Equal(t, first.ID, handles[1].ID)
}

func TestPruneKeepsNewest(t *testing.T) {
	m, source := newManagerFixture(t)

	var ids []string
	for i := 0; i < 4; i++ {
		h, err := m.Snapshot(source, "routine")
		require.NoError(t, err)
		ids = append(ids, h.ID)
		time.Sleep(5 * time.Millisecond)
	}

	removed, err := m.Prune(PrunePolicy{MaxCount: 2})
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	handles, err := m.List()
	require.NoError(t, err)
	require.Len(t, handles, 2)
	assert.Equal(t, ids[3], handles[0].ID)
	assert.Equal(t, ids[2], handles[1].ID)
}

func TestPruneByAgeNeverEmptiesDirectory(t *testing.T) {
	m, source := newManagerFixture(t)

	h, err := m.Snapshot(source, "only")
	require.NoError(t, err)

	removed, err := m.Prune(PrunePolicy{MaxAge: time.Nanosecond})
	require.NoError(t, err)
	assert.Empty(t, removed)

	handles, err := m.List()
	require.NoError(t, err)
	require.Len(t, handles, 1)
	assert.Equal(t, h.ID, handles[0].ID)
}

func TestExportImportRoundTrip(t *testing.T) {
	m, source := newManagerFixture(t)

	handle, err := m.Snapshot(source, "pre-migration")
	require.NoError(t, err)

	exportFile := filepath.Join(t.TempDir(), "backup.lbx-export")
	require.NoError(t, m.Export(handle.ID, exportFile, "correct-horse-battery"))

	imported, err := m.Import(exportFile, "correct-horse-battery")
	require.NoError(t, err)
	assert.Equal(t, handle.Checksum, imported.Checksum)
	assert.Contains(t, imported.Label, "import-"+handle.ID)
}

func TestExportRejectsWeakPassphrase(t *testing.T) {
	m, source := newManagerFixture(t)
	handle, err := m.Snapshot(source, "x")
	require.NoError(t, err)

	err = m.Export(handle.ID, filepath.Join(t.TempDir(), "out"), "short")
	assert.Error(t, err)
}

func TestImportWrongPassphrase(t *testing.T) {
	m, source := newManagerFixture(t)
	handle, err := m.Snapshot(source, "x")
	require.NoError(t, err)

	exportFile := filepath.Join(t.TempDir(), "backup.lbx-export")
	require.NoError(t, m.Export(handle.ID, exportFile, "correct-horse-battery"))

	_, err = m.Import(exportFile, "wrong-password-here")
	assert.Error(t, err)
}
