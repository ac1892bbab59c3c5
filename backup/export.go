package backup

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/fsutil"
	"southwinds.dev/lockbox/internal/kdf"
)

// Container is the portable export format. It is self-contained: the
// encrypted payload, its checksum and enough metadata to identify the
// backup travel in a single JSON file that can be restored on any
// machine knowing only the export passphrase.
type Container struct {
	BackupID         string    `json:"backup_id"`
	Label            string    `json:"label"`
	ExportTimestamp  time.Time `json:"export_timestamp"`
	FormatVersion    string    `json:"format_version"`
	EncryptionMethod string    `json:"encryption_method"`
	EncryptedData    string    `json:"encrypted_data"`
	Checksum         string    `json:"checksum"`
}

const exportEncryptionMethod = "passphrase-only"

// Export encrypts the backup identified by id under passphrase and
// writes it to destFile as a portable container.
//
// The passphrase is independent of the store passphrase and must meet
// the same minimum strength. Encryption is ChaCha20-Poly1305 under a
// PBKDF2-derived key; the checksum covers the ciphertext so integrity
// can be checked without the passphrase.
func (m *Manager) Export(id, destFile, passphrase string) error {
	if destFile == "" {
		return errors.New("destination file cannot be empty")
	}
	if err := kdf.ValidatePassphrase(passphrase); err != nil {
		return err
	}

	handle, err := m.Get(id)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(handle.Path)
	if err != nil {
		return fmt.Errorf("failed to read backup file: %w", err)
	}
	if actual := crypto.Checksum(data); actual != handle.Checksum {
		return fmt.Errorf("backup integrity check failed: checksum mismatch for %s", handle.ID)
	}

	encrypted, err := crypto.SealWithPassphrase(data, passphrase)
	if err != nil {
		return fmt.Errorf("failed to encrypt with passphrase: %w", err)
	}

	container := Container{
		BackupID:         handle.ID,
		Label:            handle.Label,
		ExportTimestamp:  time.Now().UTC(),
		FormatVersion:    ManifestVersion,
		EncryptionMethod: exportEncryptionMethod,
		EncryptedData:    base64.StdEncoding.EncodeToString(encrypted),
		Checksum:         crypto.Checksum(encrypted),
	}

	out, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize export container: %w", err)
	}

	return fsutil.WriteFileAtomic(destFile, out, fsutil.FilePermissions)
}

// Import reads a portable container from srcFile, decrypts it with
// passphrase and stores the contents as a new backup in this manager's
// directory. The original backup ID is recorded as the label so the
// provenance stays visible in listings.
func (m *Manager) Import(srcFile, passphrase string) (*Handle, error) {
	raw, err := os.ReadFile(srcFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read export container: %w", err)
	}

	var container Container
	if err = json.Unmarshal(raw, &container); err != nil {
		return nil, fmt.Errorf("failed to parse export container: %w", err)
	}
	if container.EncryptionMethod != exportEncryptionMethod {
		return nil, fmt.Errorf("unsupported encryption method: %s", container.EncryptionMethod)
	}

	encrypted, err := base64.StdEncoding.DecodeString(container.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode export data: %w", err)
	}
	if crypto.Checksum(encrypted) != container.Checksum {
		return nil, errors.New("export integrity check failed: checksum mismatch")
	}

	data, err := crypto.OpenWithPassphrase(encrypted, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt export: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".import-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage import: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("failed to stage import: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to stage import: %w", err)
	}

	return m.Snapshot(tmpPath, "import-"+container.BackupID)
}
