//go:build darwin

package keyring

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
)

// securityBin is called directly rather than through PATH lookup so a
// planted binary earlier in PATH cannot intercept key material.
const securityBin = "/usr/bin/security"

const keychainAccount = "lockbox"

func systemStore() Store {
	return &macKeychain{}
}

// macKeychain stores values as generic passwords in the login keychain
// via the security(1) tool. Values are hex encoded because the CLI
// cannot carry arbitrary bytes.
type macKeychain struct{}

func (k *macKeychain) Set(service string, value []byte) error {
	// -U updates in place when the item already exists.
	cmd := exec.Command(securityBin, "add-generic-password",
		"-a", keychainAccount,
		"-s", service,
		"-w", hex.EncodeToString(value),
		"-U")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("keyring: add-generic-password failed: %v: %s", err, stderr.String())
	}
	return nil
}

func (k *macKeychain) Get(service string) ([]byte, error) {
	cmd := exec.Command(securityBin, "find-generic-password",
		"-a", keychainAccount,
		"-s", service,
		"-w")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "could not be found") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keyring: find-generic-password failed: %v: %s", err, stderr.String())
	}
	value, err := hex.DecodeString(strings.TrimSpace(stdout.String()))
	if err != nil {
		return nil, fmt.Errorf("keyring: stored value is not hex: %w", err)
	}
	return value, nil
}

func (k *macKeychain) Delete(service string) error {
	cmd := exec.Command(securityBin, "delete-generic-password",
		"-a", keychainAccount,
		"-s", service)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "could not be found") {
			return nil
		}
		return fmt.Errorf("keyring: delete-generic-password failed: %v: %s", err, stderr.String())
	}
	return nil
}
