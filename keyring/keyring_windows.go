//go:build windows

package keyring

import (
	"errors"
	"fmt"

	"github.com/danieljoos/wincred"
	"golang.org/x/sys/windows"
)

// credBlobMaxSize matches CRED_MAX_CREDENTIAL_BLOB_SIZE.
const credBlobMaxSize = 5 * 512

func systemStore() Store {
	return &credentialManager{}
}

// credentialManager stores values as generic credentials in the
// Windows Credential Manager, scoped to the current user.
type credentialManager struct{}

func (c *credentialManager) Set(service string, value []byte) error {
	if len(value) > credBlobMaxSize {
		return ErrValueTooLarge
	}
	cred := wincred.NewGenericCredential(service)
	cred.CredentialBlob = value
	cred.Persist = wincred.PersistLocalMachine
	if err := cred.Write(); err != nil {
		return fmt.Errorf("keyring: failed to write credential: %w", err)
	}
	return nil
}

func (c *credentialManager) Get(service string) ([]byte, error) {
	cred, err := wincred.GetGenericCredential(service)
	if err != nil {
		if errors.Is(err, windows.ERROR_NOT_FOUND) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keyring: failed to read credential: %w", err)
	}
	return cred.CredentialBlob, nil
}

func (c *credentialManager) Delete(service string) error {
	cred, err := wincred.GetGenericCredential(service)
	if err != nil {
		if errors.Is(err, windows.ERROR_NOT_FOUND) {
			return nil
		}
		return fmt.Errorf("keyring: failed to read credential: %w", err)
	}
	if err = cred.Delete(); err != nil {
		return fmt.Errorf("keyring: failed to delete credential: %w", err)
	}
	return nil
}
