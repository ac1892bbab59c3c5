// Package keyring caches the unwrapped database key in the operating
// system secret store so an unlocked store can be reopened without
// prompting for the passphrase. The cache is best-effort: callers
// treat every failure here as "not cached" and fall back to the
// passphrase, so a missing or broken secret store never blocks access.
package keyring

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by Get when no value is cached for the
	// service.
	ErrNotFound = errors.New("keyring: credential not found")

	// ErrUnsupported is returned on platforms without a usable secret
	// store.
	ErrUnsupported = errors.New("keyring: no secret store on this platform")

	// ErrValueTooLarge is returned when the value exceeds what the
	// platform store accepts.
	ErrValueTooLarge = errors.New("keyring: value exceeds platform size limit")
)

// Store caches a single credential per service name.
type Store interface {
	// Set stores value under service, replacing any previous value.
	Set(service string, value []byte) error
	// Get returns the cached value for service, or ErrNotFound.
	Get(service string) ([]byte, error)
	// Delete removes the cached value. Deleting a missing value is
	// not an error.
	Delete(service string) error
}

// System returns the platform secret store.
func System() Store {
	return systemStore()
}

// Memory is an in-process Store for tests and for platforms where the
// caller opts out of OS caching.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Set(service string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]byte, len(value))
	copy(copied, value)
	m.values[service] = copied
	return nil
}

func (m *Memory) Get(service string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[service]
	if !ok {
		return nil, ErrNotFound
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, nil
}

func (m *Memory) Delete(service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, service)
	return nil
}
