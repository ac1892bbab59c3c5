//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockPlatform() (ProtectionLevel, error) {
	return ProtectionPartial, nil
}

func unlockPlatform() error {
	return nil
}
