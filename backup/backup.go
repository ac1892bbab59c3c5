// Package backup manages point-in-time copies of the legacy database
// taken before migration or rotation touches it. Each backup is a
// byte-for-byte copy of the source file plus a JSON manifest carrying
// identity, checksum and provenance, so a restore can be verified
// before it overwrites anything.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/fsutil"
)

const (
	// ManifestVersion tracks the manifest schema so later readers can
	// tell old backups apart.
	ManifestVersion = "1.0"

	manifestSuffix = ".manifest.json"
	backupPrefix   = "backup-"
	// stampLayout keeps backup names lexically sortable and free of
	// characters that upset Windows paths.
	stampLayout = "2006-01-02T15-04-05"
)

// ErrNotFound is returned when a backup ID does not resolve to a
// manifest in the backup directory.
var ErrNotFound = errors.New("backup not found")

// Handle describes a single stored backup. It is what List returns and
// what Restore consumes.
type Handle struct {
	ID           string    `json:"backup_id"`
	Label        string    `json:"label"`
	Path         string    `json:"path"`
	ManifestPath string    `json:"manifest_path"`
	SourcePath   string    `json:"source_path"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum"`
	CreatedAt    time.Time `json:"created_at"`
	Version      string    `json:"manifest_version"`
}

// Manager stores and retrieves backups under a single directory.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at dir, creating the directory
// if it does not exist.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("backup directory cannot be empty")
	}
	if err := os.MkdirAll(dir, fsutil.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the directory backups are stored under.
func (m *Manager) Dir() string {
	return m.dir
}

// Snapshot copies the file at sourcePath into the backup directory and
// writes a manifest beside it.
//
// BACKUP CONTENTS:
// - A byte-for-byte copy of the source file, named
//   backup-<timestamp>-<label>.db
// - A JSON manifest with the backup ID, source path, size, sha256
//   checksum and creation time
//
// INTEGRITY GUARANTEES:
// - The copy is written atomically (temp file + fsync + rename)
// - The checksum is computed from the bytes actually written, and the
//   copied size is verified against the source before the manifest
//   is committed
// - A failed snapshot leaves no manifest behind, so partial copies are
//   never offered for restore
//
// Parameters:
//   - sourcePath: file to copy; must exist and be readable
//   - label: short tag recorded in the backup name and manifest, for
//     example "pre-migration". Characters outside [a-zA-Z0-9-] are
//     replaced with '-'.
//
// Returns:
//   - *Handle: the stored backup on success
//   - error: on any validation, copy or manifest failure
func (m *Manager) Snapshot(sourcePath, label string) (*Handle, error) {
	if sourcePath == "" {
		return nil, errors.New("source path cannot be empty")
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("source not accessible: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("source %s is a directory", sourcePath)
	}

	label = sanitizeLabel(label)
	createdAt := time.Now().UTC()
	id := uuid.NewString()
	// The ID fragment keeps names unique when two snapshots land in
	// the same second.
	name := fmt.Sprintf("%s%s-%s-%s.db", backupPrefix, createdAt.Format(stampLayout), label, id[:8])
	dest := filepath.Join(m.dir, name)

	size, checksum, err := fsutil.CopyFileAtomic(sourcePath, dest, fsutil.FilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to copy source: %w", err)
	}
	if size != info.Size() {
		_ = os.Remove(dest)
		return nil, fmt.Errorf("backup size mismatch: copied %d bytes, source has %d", size, info.Size())
	}

	handle := &Handle{
		ID:           id,
		Label:        label,
		Path:         dest,
		ManifestPath: dest + manifestSuffix,
		SourcePath:   sourcePath,
		Size:         size,
		Checksum:     checksum,
		CreatedAt:    createdAt,
		Version:      ManifestVersion,
	}

	if err = m.writeManifest(handle); err != nil {
		_ = os.Remove(dest)
		return nil, err
	}

	return handle, nil
}

// Restore copies the backup identified by id back over destPath.
//
// RESTORE SEQUENCE:
// 1. Resolve the manifest for id
// 2. Re-checksum the stored backup file and compare against the
//    manifest; a mismatch aborts before anything is touched
// 3. Atomically replace destPath with the verified copy
//
// The destination is only ever replaced by a verified copy, so a
// corrupted backup cannot clobber a good file.
//
// Returns:
//   - error: ErrNotFound if id is unknown, an integrity error if the
//     stored backup fails verification, or an I/O error from the copy
func (m *Manager) Restore(id, destPath string) error {
	if destPath == "" {
		return errors.New("destination path cannot be empty")
	}

	handle, err := m.Get(id)
	if err != nil {
		return err
	}

	f, err := os.Open(handle.Path)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	actual, err := crypto.ChecksumReader(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("failed to checksum backup file: %w", err)
	}
	if actual != handle.Checksum {
		return fmt.Errorf("backup integrity check failed: checksum mismatch for %s", handle.ID)
	}

	size, _, err := fsutil.CopyFileAtomic(handle.Path, destPath, fsutil.FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	if size != handle.Size {
		return fmt.Errorf("restore size mismatch: wrote %d bytes, manifest records %d", size, handle.Size)
	}

	return nil
}

// Get resolves a backup ID to its handle.
func (m *Manager) Get(id string) (*Handle, error) {
	handles, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, h := range handles {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// List returns all backups with readable manifests, newest first.
// Backup files missing their manifest are skipped, not errors; they
// were never committed.
func (m *Manager) List() ([]*Handle, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var handles []*Handle
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), manifestSuffix) {
			continue
		}
		handle, err := m.readManifest(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			continue
		}
		handles = append(handles, handle)
	}

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].CreatedAt.After(handles[j].CreatedAt)
	})

	return handles, nil
}

// PrunePolicy bounds how many backups Prune keeps. Zero values mean
// no limit on that axis.
type PrunePolicy struct {
	MaxCount int
	MaxAge   time.Duration
}

// Prune deletes backups that fall outside the policy and returns the
// handles it removed. The newest backup is always kept regardless of
// age, so pruning can never leave the directory empty.
func (m *Manager) Prune(policy PrunePolicy) ([]*Handle, error) {
	handles, err := m.List()
	if err != nil {
		return nil, err
	}

	var removed []*Handle
	cutoff := time.Time{}
	if policy.MaxAge > 0 {
		cutoff = time.Now().UTC().Add(-policy.MaxAge)
	}

	for i, h := range handles {
		if i == 0 {
			continue
		}
		expired := !cutoff.IsZero() && h.CreatedAt.Before(cutoff)
		excess := policy.MaxCount > 0 && i >= policy.MaxCount
		if !expired && !excess {
			continue
		}
		if err = m.delete(h); err != nil {
			return removed, err
		}
		removed = append(removed, h)
	}

	return removed, nil
}

// Delete removes a single backup and its manifest.
func (m *Manager) Delete(id string) error {
	handle, err := m.Get(id)
	if err != nil {
		return err
	}
	return m.delete(handle)
}

func (m *Manager) delete(h *Handle) error {
	// Manifest first: a backup without a manifest is invisible to
	// List, so a crash between the two removals cannot surface a
	// half-deleted backup.
	if err := os.Remove(h.ManifestPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}
	if err := os.Remove(h.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove backup file: %w", err)
	}
	return nil
}

func (m *Manager) writeManifest(h *Handle) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}
	if err = fsutil.WriteFileAtomic(h.ManifestPath, data, fsutil.FilePermissions); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func (m *Manager) readManifest(path string) (*Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var handle Handle
	if err = json.Unmarshal(data, &handle); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if handle.ID == "" || handle.Checksum == "" {
		return nil, errors.New("manifest missing required fields")
	}
	return &handle, nil
}

func sanitizeLabel(label string) string {
	if label == "" {
		return "snapshot"
	}
	out := make([]byte, 0, len(label))
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			out = append(out, c)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
