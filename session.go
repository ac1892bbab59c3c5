package lockbox

import (
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/lockbox/store"
)

// Session represents an unlocked store. It owns the database key in a
// memguard enclave and the open encrypted store handle. Exactly one
// live session at a time is the host's policy to enforce; the library
// keeps no ambient global.
type Session struct {
	ID string

	mgr *Manager

	mu     sync.Mutex
	key    *memguard.Enclave
	store  *store.EncryptedStore
	locked bool
}

// newSession seals the database key into an enclave and registers the
// session with its manager. The caller's key slice is wiped.
func (m *Manager) newSession(key []byte, enc *store.EncryptedStore) (*Session, error) {
	s := &Session{
		ID:    uuid.NewString(),
		mgr:   m,
		key:   memguard.NewEnclave(key), // wipes key
		store: enc,
	}
	if err := m.registerSession(s); err != nil {
		s.scrub()
		return nil, err
	}
	return s, nil
}

// Store returns the open encrypted store, or nil once the session is
// locked.
func (s *Session) Store() *store.EncryptedStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil
	}
	return s.store
}

// withKey opens the enclave, runs fn on the raw key and destroys the
// buffer before returning. fn must not retain the slice.
func (s *Session) withKey(fn func(key []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return ErrSessionLocked
	}
	buf, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Lock scrubs the database key from memory, closes the store handle
// and deregisters the session. A locked session cannot be reused; the
// host unlocks again to get a new one.
func (s *Session) Lock() {
	s.mgr.unregisterSession(s.ID)
	s.scrub()
	s.mgr.logAudit("session_locked", true, map[string]interface{}{
		"session_id": s.ID,
	})
}

// Locked reports whether the session has been locked.
func (s *Session) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

func (s *Session) scrub() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return
	}
	s.locked = true
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
	s.key = nil
}
