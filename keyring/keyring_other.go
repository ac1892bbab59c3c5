//go:build !windows && !darwin

package keyring

func systemStore() Store {
	return unsupported{}
}

// unsupported reports every operation as unavailable. Callers already
// treat keyring failures as a cache miss, so Linux and BSD hosts just
// always prompt for the passphrase.
type unsupported struct{}

func (unsupported) Set(string, []byte) error    { return ErrUnsupported }
func (unsupported) Get(string) ([]byte, error)  { return nil, ErrUnsupported }
func (unsupported) Delete(string) error         { return nil }
