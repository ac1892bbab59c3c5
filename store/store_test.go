package store

import (
	"crypto/rand"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

// newLegacyFixture creates a small SQLite database with two user
// tables and a handful of rows.
func newLegacyFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	statements := []string{
		`CREATE TABLE proposals (id INTEGER PRIMARY KEY, title TEXT, body TEXT)`,
		`CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT)`,
		`INSERT INTO proposals (title, body) VALUES ('Q3 budget', 'draft text')`,
		`INSERT INTO proposals (title, body) VALUES ('Hiring plan', 'more draft text')`,
		`INSERT INTO proposals (title, body) VALUES ('Renewal', NULL)`,
		`INSERT INTO settings (key, value) VALUES ('theme', 'dark')`,
	}
	for _, stmt := range statements {
		_, err = db.Exec(stmt)
		require.NoError(t, err)
	}

	return path
}

func TestLegacySnapshot(t *testing.T) {
	legacy, err := OpenLegacy(newLegacyFixture(t))
	require.NoError(t, err)
	defer legacy.Close()

	names, err := legacy.TableNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"proposals", "settings"}, names)

	counts, err := legacy.RowCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"proposals": 3, "settings": 1}, counts)

	tables, err := legacy.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, counts, CountRows(tables))
}

func TestOpenLegacyMissingFile(t *testing.T) {
	_, err := OpenLegacy(filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestEncryptedRoundTrip(t *testing.T) {
	legacy, err := OpenLegacy(newLegacyFixture(t))
	require.NoError(t, err)
	defer legacy.Close()

	tables, err := legacy.Snapshot()
	require.NoError(t, err)

	key := testKey(t)
	path := filepath.Join(t.TempDir(), "app.db.enc")
	require.NoError(t, CreateEncrypted(path, key, tables))

	// Structural probe needs no key.
	require.NoError(t, Probe(path))

	enc, err := OpenEncrypted(path, key)
	require.NoError(t, err)
	defer enc.Close()

	assert.Equal(t, []string{"proposals", "settings"}, enc.TableNames())
	assert.Equal(t, CountRows(tables), enc.RowCounts())
	assert.Equal(t, ChecksumTables(tables), enc.ContentChecksum())
	assert.Len(t, enc.Rows("proposals"), 3)

	meta := enc.Metadata()
	assert.Equal(t, MetadataID, meta.ID)
	assert.False(t, meta.CreatedAt.IsZero())
}

func TestOpenEncryptedWrongKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db.enc")
	require.NoError(t, CreateEncrypted(path, testKey(t), Tables{}))

	_, err := OpenEncrypted(path, testKey(t))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestOpenEncryptedCorrupted(t *testing.T) {
	dir := t.TempDir()
	key := testKey(t)

	garbage := filepath.Join(dir, "garbage.enc")
	require.NoError(t, os.WriteFile(garbage, []byte("not a container"), 0o600))
	assert.ErrorIs(t, Probe(garbage), ErrCorrupted)
	_, err := OpenEncrypted(garbage, key)
	assert.ErrorIs(t, err, ErrCorrupted)

	valid := filepath.Join(dir, "app.db.enc")
	require.NoError(t, CreateEncrypted(valid, key, Tables{}))
	data, err := os.ReadFile(valid)
	require.NoError(t, err)

	truncated := filepath.Join(dir, "truncated.enc")
	require.NoError(t, os.WriteFile(truncated, data[:len(data)/2], 0o600))
	_, err = OpenEncrypted(truncated, key)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestUpdateMetadata(t *testing.T) {
	key := testKey(t)
	path := filepath.Join(t.TempDir(), "app.db.enc")
	require.NoError(t, CreateEncrypted(path, key, Tables{}))

	enc, err := OpenEncrypted(path, key)
	require.NoError(t, err)
	created := enc.Metadata().CreatedAt

	meta := enc.Metadata()
	meta.ID = 99 // must be pinned back to the singleton identity
	meta.RecoveryKeyEncrypted = []byte("wrapped-key-bytes")
	meta.RecoveryKeyHash = "abc123"
	require.NoError(t, enc.UpdateMetadata(meta))
	enc.Close()

	reopened, err := OpenEncrypted(path, key)
	require.NoError(t, err)
	defer reopened.Close()

	got := reopened.Metadata()
	assert.Equal(t, MetadataID, got.ID)
	assert.Equal(t, []byte("wrapped-key-bytes"), got.RecoveryKeyEncrypted)
	assert.Equal(t, "abc123", got.RecoveryKeyHash)
	assert.Equal(t, created.Unix(), got.CreatedAt.Unix())
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}
