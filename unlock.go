package lockbox

import (
	"errors"
	"fmt"
	"os"

	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/kdf"
	"southwinds.dev/lockbox/store"
)

// Unlock opens the encrypted store with a passphrase.
//
// UNLOCK SEQUENCE:
//  1. Reject passphrases under the minimum length (ErrWeakPassphrase)
//     before any expensive work
//  2. Derive the key-encryption key from passphrase + persisted salt
//     (argon2id, hundreds of milliseconds by design)
//  3. Unwrap the database key from master.key; an authentication
//     failure here is the wrong passphrase
//  4. Open the encrypted container and perform the canary read
//
// A wrong passphrase returns ErrInvalidPassphrase and changes nothing:
// there is no lockout counter and retries are unlimited. When
// CacheUnlockKey is enabled the unwrapped database key is cached in
// the OS secret store after success; cache failures are logged and
// ignored.
//
// An empty passphrase falls back to the environment variable named by
// Options.EnvPassphraseVar.
func (m *Manager) Unlock(passphrase string) (*Session, error) {
	passphrase, err := m.resolvePassphrase(passphrase)
	if err != nil {
		return nil, err
	}
	if err = kdf.ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}

	key, err := m.unwrapDatabaseKey(passphrase)
	if err != nil {
		m.logAudit("unlock", false, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	session, err := m.openSession(key)
	if err != nil {
		m.logAudit("unlock", false, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	m.cacheKey(session)
	m.logAudit("unlock", true, map[string]interface{}{
		"session_id": session.ID,
	})
	return session, nil
}

// unwrapDatabaseKey derives the KEK and opens master.key with it.
func (m *Manager) unwrapDatabaseKey(passphrase string) ([]byte, error) {
	salt, err := readSalt(m.saltPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load derivation salt: %w", err)
	}

	kek, err := kdf.Derive([]byte(passphrase), salt)
	if err != nil {
		return nil, err
	}
	defer kek.Destroy()

	wrapped, err := readWrappedKey(m.masterKeyPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}

	key, err := crypto.Open(wrapped, kek.Bytes())
	if err != nil {
		// The AEAD tag did not verify: wrong passphrase, or a
		// tampered key file, which is indistinguishable by design.
		return nil, ErrInvalidPassphrase
	}
	return key, nil
}

// openSession opens the container with key (canary read included) and
// wraps it in a registered session. key is consumed either way.
func (m *Manager) openSession(key []byte) (*Session, error) {
	enc, err := store.OpenEncrypted(m.encryptedPath(), key)
	if err != nil {
		zero(key)
		if errors.Is(err, store.ErrInvalidKey) {
			return nil, ErrInvalidPassphrase
		}
		return nil, fmt.Errorf("failed to open encrypted store: %w", err)
	}

	// A legacy file surviving next to a verified container means a
	// crash hit the commit window. The container is authoritative;
	// finish the cleanup now.
	if _, statErr := os.Stat(m.legacyPath()); statErr == nil {
		_ = os.Remove(m.legacyPath())
	}

	return m.newSession(key, enc)
}

// TryCachedUnlock opens the store with the database key cached in the
// OS secret store by a previous unlock. Every failure (caching
// disabled, no cached value, stale key, unreadable container) is
// returned to the caller as a reason to fall back to the passphrase
// prompt; none of them are fatal.
func (m *Manager) TryCachedUnlock() (*Session, error) {
	if !m.opts.CacheUnlockKey {
		return nil, fmt.Errorf("key caching is not enabled")
	}

	key, err := m.keyring.Get(m.opts.KeyringService)
	if err != nil {
		return nil, fmt.Errorf("no cached key: %w", err)
	}

	session, err := m.openSession(key)
	if err != nil {
		// The cached key no longer opens the store (rotation, restore
		// from backup). Drop it so the next launch prompts cleanly.
		_ = m.keyring.Delete(m.opts.KeyringService)
		m.logAudit("cached_unlock", false, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	m.logAudit("cached_unlock", true, map[string]interface{}{
		"session_id": session.ID,
	})
	return session, nil
}

// cacheKey stores the session's database key in the OS secret store,
// best-effort.
func (m *Manager) cacheKey(s *Session) {
	if !m.opts.CacheUnlockKey {
		return
	}
	err := s.withKey(func(key []byte) error {
		return m.keyring.Set(m.opts.KeyringService, key)
	})
	if err != nil {
		m.logAudit("cache_key", false, map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// zero wipes a byte slice in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
