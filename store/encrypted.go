package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/fsutil"
)

// keyCheckValue is sealed under the database key at creation time.
// Opening it is the cheapest possible proof that the key is right
// before the full payload is decrypted.
var keyCheckValue = []byte("lockbox-key-check-v1")

// envelope is the unencrypted outer structure of the container file.
// Everything sensitive lives inside the sealed payload.
type envelope struct {
	Magic     string    `json:"magic"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	KeyCheck  string    `json:"key_check"`
	Payload   string    `json:"payload"`
}

// payload is the decrypted content of the container.
type payload struct {
	Metadata Metadata `json:"metadata"`
	Tables   Tables   `json:"tables"`
}

// EncryptedStore is an open encrypted container. It keeps the database
// key in a memguard enclave for the lifetime of the handle; Close drops
// it.
type EncryptedStore struct {
	path    string
	key     *memguard.Enclave
	content payload
	closed  bool
}

// CreateEncrypted writes a fresh encrypted container at path, sealing
// the given table snapshot and a newly initialized metadata singleton
// under key. The file is written with the temp-then-rename discipline;
// a crash mid-write leaves no partial container at path.
func CreateEncrypted(path string, key []byte, tables Tables) error {
	if tables == nil {
		tables = Tables{}
	}

	now := time.Now().UTC()
	content := payload{
		Metadata: Metadata{
			ID:        MetadataID,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Tables: tables,
	}

	return writeContainer(path, key, content, now)
}

func writeContainer(path string, key []byte, content payload, createdAt time.Time) error {
	plaintext, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to serialize container payload: %w", err)
	}

	sealedPayload, err := crypto.Seal(plaintext, key)
	if err != nil {
		return fmt.Errorf("failed to seal container payload: %w", err)
	}

	// Zero out the serialized plaintext before it leaves scope.
	for i := range plaintext {
		plaintext[i] = 0
	}

	keyCheck, err := crypto.Seal(keyCheckValue, key)
	if err != nil {
		return fmt.Errorf("failed to seal key check: %w", err)
	}

	env := envelope{
		Magic:     Magic,
		Version:   FormatVersion,
		CreatedAt: createdAt,
		KeyCheck:  base64.StdEncoding.EncodeToString(keyCheck),
		Payload:   base64.StdEncoding.EncodeToString(sealedPayload),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to serialize container envelope: %w", err)
	}

	return fsutil.WriteFileAtomic(path, data, fsutil.FilePermissions)
}

// Probe checks the structural validity of a container file without a
// key: the file must exist, parse as an envelope, and carry the right
// magic and version. A probe failure means the container is corrupted
// or half-written, not that the key is wrong.
func Probe(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read container: %w", err)
	}
	if _, err := parseEnvelope(data); err != nil {
		return err
	}
	return nil
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrCorrupted, err)
	}
	if env.Magic != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if env.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported container version %d", ErrCorrupted, env.Version)
	}
	if env.KeyCheck == "" || env.Payload == "" {
		return nil, fmt.Errorf("%w: missing sealed sections", ErrCorrupted)
	}
	return &env, nil
}

// OpenEncrypted opens the container at path with key and performs the
// canary read: the key check value is authenticated first, then the
// payload is decrypted and the metadata singleton validated. Returns
// ErrInvalidKey when the key does not authenticate and ErrCorrupted for
// structural damage.
func OpenEncrypted(path string, key []byte) (*EncryptedStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read container: %w", err)
	}

	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	keyCheck, err := base64.StdEncoding.DecodeString(env.KeyCheck)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid key check encoding", ErrCorrupted)
	}

	check, err := crypto.Open(keyCheck, key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	if !crypto.ConstantTimeEqual(check, keyCheckValue) {
		return nil, ErrInvalidKey
	}

	sealedPayload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid payload encoding", ErrCorrupted)
	}

	plaintext, err := crypto.Open(sealedPayload, key)
	if err != nil {
		// The key check passed, so the key is right; a payload that
		// fails to authenticate is damage, not a wrong key.
		return nil, fmt.Errorf("%w: payload authentication failed", ErrCorrupted)
	}

	var content payload
	if err = json.Unmarshal(plaintext, &content); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", ErrCorrupted, err)
	}
	for i := range plaintext {
		plaintext[i] = 0
	}

	if content.Metadata.ID != MetadataID {
		return nil, fmt.Errorf("%w: encryption metadata singleton missing", ErrCorrupted)
	}
	if content.Tables == nil {
		content.Tables = Tables{}
	}

	keyCopy := make([]byte, len(key))
	copy(keyCopy, key)

	return &EncryptedStore{
		path:    path,
		key:     memguard.NewEnclave(keyCopy),
		content: content,
	}, nil
}

// Path returns the container file path.
func (s *EncryptedStore) Path() string {
	return s.path
}

// TableNames returns the user tables present in the container, sorted.
func (s *EncryptedStore) TableNames() []string {
	names := make([]string, 0, len(s.content.Tables))
	for name := range s.content.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rows returns the rows of a table as raw JSON objects.
func (s *EncryptedStore) Rows(table string) []json.RawMessage {
	return s.content.Tables[table]
}

// RowCounts returns the number of rows per table.
func (s *EncryptedStore) RowCounts() map[string]int {
	return CountRows(s.content.Tables)
}

// ContentChecksum returns the deterministic digest of the table
// snapshot, comparable against the legacy source.
func (s *EncryptedStore) ContentChecksum() string {
	return ChecksumTables(s.content.Tables)
}

// Metadata returns a copy of the encryption metadata singleton.
func (s *EncryptedStore) Metadata() Metadata {
	return s.content.Metadata
}

// UpdateMetadata persists a mutation of the encryption metadata
// singleton. The identity and creation timestamp are fixed; UpdatedAt
// is stamped here. The whole container is resealed and atomically
// replaced.
func (s *EncryptedStore) UpdateMetadata(meta Metadata) error {
	if s.closed {
		return errors.New("store is closed")
	}

	meta.ID = MetadataID
	meta.CreatedAt = s.content.Metadata.CreatedAt
	meta.UpdatedAt = time.Now().UTC()

	keyBuffer, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("failed to access database key: %w", err)
	}
	defer keyBuffer.Destroy()

	updated := s.content
	updated.Metadata = meta

	if err = writeContainer(s.path, keyBuffer.Bytes(), updated, meta.CreatedAt); err != nil {
		return err
	}

	s.content = updated
	return nil
}

// Close drops the in-memory key material. The handle is unusable
// afterwards.
func (s *EncryptedStore) Close() {
	s.closed = true
	s.key = nil
	s.content = payload{}
}
