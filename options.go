package lockbox

import (
	"fmt"

	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/keyring"
)

// Options configures a Manager.
//
// The sensitive operational parameters never appear here: passphrases
// arrive as arguments to Unlock/Migrate/RotatePassphrase, or through
// the environment variable named by EnvPassphraseVar, so nothing in
// this structure needs to be excluded from serialization or logging.
type Options struct {
	// StorageDir is the directory holding every persisted artifact:
	// the legacy database, the encrypted container, the derivation
	// salt, the wrapped master key, the recovery sidecar, backups and
	// the migration lock file. Required.
	StorageDir string `json:"storage_dir"`

	// LegacyDBName is the file name of the pre-migration unencrypted
	// database inside StorageDir. The encrypted container lives at the
	// same name with ".enc" appended. Defaults to "app.db".
	LegacyDBName string `json:"legacy_db_name,omitempty"`

	// EnvPassphraseVar names an environment variable to read the
	// passphrase from when an operation is called with an empty one.
	// This keeps passphrases out of process argument lists and
	// configuration files.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// EnableMemoryLock asks the OS to pin process memory so key
	// material cannot be paged to disk. Best-effort: the Manager
	// stays functional when the platform refuses, and memguard still
	// protects the enclaves.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// CacheUnlockKey opts in to caching the unwrapped database key in
	// the OS secret store after a successful unlock, so the host can
	// reopen the store via TryCachedUnlock without prompting.
	CacheUnlockKey bool `json:"cache_unlock_key"`

	// KeyringService is the service name used for the cached key.
	// Defaults to "southwinds.dev/lockbox".
	KeyringService string `json:"keyring_service,omitempty"`

	// Keyring overrides the platform secret store. Nil selects the
	// system implementation; tests inject keyring.NewMemory().
	Keyring keyring.Store `json:"-"`

	// Audit configures the audit sink. Nil or disabled selects the
	// no-op logger.
	Audit *audit.Config `json:"audit,omitempty"`
}

const (
	defaultLegacyDBName   = "app.db"
	defaultKeyringService = "southwinds.dev/lockbox"
)

// Validate checks the configuration and applies nothing; defaults are
// filled in by New.
func (o Options) Validate() error {
	if o.StorageDir == "" {
		return fmt.Errorf("StorageDir must be provided")
	}
	if o.EnvPassphraseVar != "" && !isValidEnvVarName(o.EnvPassphraseVar) {
		return fmt.Errorf("invalid environment variable name: %s", o.EnvPassphraseVar)
	}
	return nil
}
