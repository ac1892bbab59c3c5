// Package fsutil implements the write-temp-then-rename discipline used
// for every persisted artifact, so a crash mid-write never leaves a
// half-written file masquerading as complete.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

// WriteFileAtomic writes data to path via a temp file in the same
// directory, fsyncs it, sets permissions and renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// CopyFileAtomic copies src to dst with the same temp-then-rename
// discipline. It verifies that the number of bytes written matches the
// source size and returns that size together with the SHA-256 checksum
// of the copied bytes.
func CopyFileAtomic(src, dst string, perm os.FileMode) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, "", fmt.Errorf("failed to stat source file: %w", err)
	}

	dir := filepath.Dir(dst)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmpFile, hash), in)
	if err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("failed to copy data: %w", err)
	}

	if written != info.Size() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("incomplete copy: wrote %d of %d bytes", written, info.Size())
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return 0, "", fmt.Errorf("failed to rename temp file: %w", err)
	}

	return written, hex.EncodeToString(hash.Sum(nil)), nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
