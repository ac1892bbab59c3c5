package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileLoggerFixture(t *testing.T) *FileLogger {
	t.Helper()
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{
			"file_path": filepath.Join(t.TempDir(), "audit.log"),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func TestNewLoggerDisabled(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)

	logger, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, logger)
}

func TestNewLoggerUnknownProvider(t *testing.T) {
	_, err := NewLogger(&Config{Enabled: true, Type: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestFileLoggerRequiresPath(t *testing.T) {
	_, err := NewFileLogger(&Config{Enabled: true, Type: FileAuditType})
	assert.Error(t, err)
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	logger := newFileLoggerFixture(t)

	require.NoError(t, logger.Log("migration_start", true, map[string]interface{}{
		"stage":     "backing_up",
		"backup_id": "b-123",
	}))
	require.NoError(t, logger.Log("unlock", false, map[string]interface{}{
		"error": "invalid passphrase",
	}))
	require.NoError(t, logger.Log("unlock", true, nil))

	result, err := logger.Query(QueryOptions{Action: "unlock"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Filtered)

	failed := false
	result, err = logger.Query(QueryOptions{Action: "unlock", Success: &failed})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "invalid passphrase", result.Events[0].Error)

	result, err = logger.Query(QueryOptions{BackupID: "b-123"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "migration_start", result.Events[0].Action)
	assert.Equal(t, "backing_up", result.Events[0].Stage)
}

func TestFileLoggerQueryNewestFirst(t *testing.T) {
	logger := newFileLoggerFixture(t)

	require.NoError(t, logger.Log("first", true, nil))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, logger.Log("second", true, nil))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	assert.Equal(t, "second", result.Events[0].Action)
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	logger := newFileLoggerFixture(t)

	require.NoError(t, logger.Log("before", true, nil))
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Log("after", true, nil))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Filtered)
}
