package cmd

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"southwinds.dev/lockbox/audit"
)

// wireAuditFixture points the package-level logger at a temp file
// logger and restores the previous state afterwards.
func wireAuditFixture(t *testing.T) {
	t.Helper()

	logger, err := audit.NewLogger(&audit.Config{
		Enabled: true,
		Type:    audit.FileAuditType,
		Options: map[string]interface{}{
			"file_path": filepath.Join(t.TempDir(), "audit.log"),
		},
	})
	require.NoError(t, err)

	prevLogger := auditLogger
	prevEnabled := viper.GetBool("audit.enabled")
	auditLogger = logger
	viper.Set("audit.enabled", true)

	t.Cleanup(func() {
		_ = logger.Close()
		auditLogger = prevLogger
		viper.Set("audit.enabled", prevEnabled)
		auditAction, auditStage, auditBackupID, auditSince = "", "", "", ""
		auditLimit = 50
	})
}

func TestQueryAuditEvents(t *testing.T) {
	wireAuditFixture(t)

	require.NoError(t, auditLogger.Log("migration_committed", true, map[string]interface{}{
		"backup_id": "b-123",
	}))
	require.NoError(t, auditLogger.Log("unlock", false, map[string]interface{}{
		"error": "invalid passphrase",
	}))
	require.NoError(t, auditLogger.Log("unlock", true, nil))

	events, err := queryAuditEvents(nil)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	auditAction = "unlock"
	events, err = queryAuditEvents(nil)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "unlock", e.Action)
	}

	auditAction = ""
	failed := false
	events, err = queryAuditEvents(&failed)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, "invalid passphrase", events[0].Error)

	auditBackupID = "b-123"
	events, err = queryAuditEvents(nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "migration_committed", events[0].Action)
}

func TestQueryAuditEventsRequiresEnabled(t *testing.T) {
	prev := viper.GetBool("audit.enabled")
	viper.Set("audit.enabled", false)
	t.Cleanup(func() { viper.Set("audit.enabled", prev) })

	_, err := queryAuditEvents(nil)
	assert.Error(t, err)
}

func TestParseSince(t *testing.T) {
	ts, err := parseSince("2026-08-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())

	ts, err = parseSince("24h")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), ts, time.Minute)

	_, err = parseSince("yesterday-ish")
	assert.Error(t, err)
}
