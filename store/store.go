// Package store implements the two storage drivers the migration engine
// converts between: a legacy unencrypted SQLite database and the
// encrypted container that replaces it. The container is an opaque
// single-file artifact that can only be opened with the database key.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

const (
	// Magic identifies the encrypted container format. It is stored in
	// the unencrypted envelope so structural validity can be probed
	// without a key.
	Magic = "LBX1"

	// FormatVersion of the container envelope.
	FormatVersion = 1

	// MetadataID is the fixed identity of the encryption metadata
	// singleton. Exactly one such record exists once the store is
	// initialized.
	MetadataID = 1
)

var (
	// ErrInvalidKey is returned when the container cannot be
	// authenticated with the supplied key. Wrong key and tampered data
	// are deliberately indistinguishable.
	ErrInvalidKey = errors.New("container authentication failed: invalid key or tampered data")

	// ErrCorrupted is returned when the container is structurally
	// invalid before any key is involved, or when the decrypted payload
	// fails its internal consistency checks.
	ErrCorrupted = errors.New("container is corrupted")
)

// Tables holds the row payloads of every user table, keyed by table
// name. Rows are carried as raw JSON objects so the container never
// needs to understand the host application's schema.
type Tables map[string][]json.RawMessage

// Metadata is the encryption metadata singleton stored inside the
// encrypted container. It is created during first-run setup and mutated
// only by recovery credential operations.
type Metadata struct {
	ID                   int       `json:"id"`
	RecoveryKeyEncrypted []byte    `json:"recovery_key_encrypted,omitempty"`
	RecoveryKeyHash      string    `json:"recovery_key_hash,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// ChecksumTables computes a deterministic content checksum over a table
// snapshot. Table names are visited in sorted order so the digest is
// stable regardless of map iteration.
func ChecksumTables(tables Tables) string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	hash := sha256.New()
	for _, name := range names {
		hash.Write([]byte(name))
		hash.Write([]byte{0})
		for _, row := range tables[name] {
			hash.Write(row)
			hash.Write([]byte{0})
		}
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// CountRows returns the number of rows per table in a snapshot.
func CountRows(tables Tables) map[string]int {
	counts := make(map[string]int, len(tables))
	for name, rows := range tables {
		counts[name] = len(rows)
	}
	return counts
}
