// Package mem provides best-effort protection against sensitive data
// being swapped to disk while a session key is held in memory.
package mem

// ProtectionLevel indicates how well the process can protect key material in memory.
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Some protection measures applied
	ProtectionFull                           // Full memory protection (locked memory)
)

func (l ProtectionLevel) String() string {
	switch l {
	case ProtectionFull:
		return "full"
	case ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// Lock attempts to prevent the process memory from being swapped to
// disk. Returns the protection level achieved; a partial result is not
// an error, the caller degrades gracefully.
func Lock() (ProtectionLevel, error) {
	return lockPlatform()
}

// Unlock releases memory locks if they were applied.
func Unlock() error {
	return unlockPlatform()
}
