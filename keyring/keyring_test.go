package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	m := NewMemory()

	_, err := m.Get("svc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set("svc", []byte("secret")))
	got, err := m.Get("svc")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	// The store must hold its own copy.
	got[0] = 'X'
	again, err := m.Get("svc")
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), again)

	require.NoError(t, m.Set("svc", []byte("replaced")))
	got, err = m.Get("svc")
	require.NoError(t, err)
	assert.Equal(t, []byte("replaced"), got)

	require.NoError(t, m.Delete("svc"))
	_, err = m.Get("svc")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing value is fine.
	assert.NoError(t, m.Delete("svc"))
}

func TestSystemStoreNeverNil(t *testing.T) {
	assert.NotNil(t, System())
}
