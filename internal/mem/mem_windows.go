//go:build windows

package mem

// VirtualLock is page-granular and would need to track every sensitive
// allocation; the enclave layer already wipes buffers, so settle for
// partial protection here.
func lockPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockPlatform() error {
	return nil
}
