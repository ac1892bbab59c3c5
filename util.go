package lockbox

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"southwinds.dev/lockbox/internal/fsutil"
	"southwinds.dev/lockbox/internal/kdf"
)

func isValidEnvVarName(name string) bool {
	if len(name) == 0 || len(name) > 128 {
		return false
	}

	// Must start with letter or underscore
	if !((name[0] >= 'A' && name[0] <= 'Z') || (name[0] >= 'a' && name[0] <= 'z') || name[0] == '_') {
		return false
	}

	// Rest can be letters, numbers, or underscores
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}

	return true
}

// resolvePassphrase returns the supplied passphrase, falling back to
// the configured environment variable when it is empty.
func (m *Manager) resolvePassphrase(passphrase string) (string, error) {
	if passphrase != "" {
		return passphrase, nil
	}
	if m.opts.EnvPassphraseVar == "" {
		return "", fmt.Errorf("no passphrase provided")
	}
	fromEnv := os.Getenv(m.opts.EnvPassphraseVar)
	if fromEnv == "" {
		return "", fmt.Errorf("environment variable %s is not set", m.opts.EnvPassphraseVar)
	}
	return fromEnv, nil
}

// readSalt loads the derivation salt from its base64 text file.
func readSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("salt file is not valid base64: %w", err)
	}
	if len(salt) < kdf.SaltSize {
		return nil, fmt.Errorf("salt file too short: %d bytes", len(salt))
	}
	return salt, nil
}

// writeSalt persists the derivation salt as base64 text.
func writeSalt(path string, salt []byte) error {
	encoded := base64.StdEncoding.EncodeToString(salt)
	if err := fsutil.WriteFileAtomic(path, []byte(encoded), fsutil.FilePermissions); err != nil {
		return fmt.Errorf("failed to write salt file: %w", err)
	}
	return nil
}

// readWrappedKey loads a base64 AEAD blob such as master.key.
func readWrappedKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file is not valid base64: %w", err)
	}
	return wrapped, nil
}

// writeWrappedKey persists an AEAD blob as base64 text.
func writeWrappedKey(path string, wrapped []byte) error {
	encoded := base64.StdEncoding.EncodeToString(wrapped)
	if err := fsutil.WriteFileAtomic(path, []byte(encoded), fsutil.FilePermissions); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
