package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)

	testCases := [][]byte{
		[]byte("Hello, World!"),
		[]byte("Special chars: !@#$%^&*()_+{}|"),
		[]byte("Unicode: こんにちは"),
		make([]byte, 64*1024),
	}

	for i, tc := range testCases {
		sealed, err := Seal(tc, key)
		if err != nil {
			t.Fatalf("Case %d: failed to seal: %v", i, err)
		}

		opened, err := Open(sealed, key)
		if err != nil {
			t.Fatalf("Case %d: failed to open: %v", i, err)
		}

		if !bytes.Equal(opened, tc) {
			t.Errorf("Case %d: opened data does not match original", i)
		}
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	key := testKey(t)

	sealed, err := Seal([]byte("sensitive data"), key)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	// Flip one ciphertext byte.
	sealed[len(sealed)-1] ^= 0x01

	if _, err = Open(sealed, key); err == nil {
		t.Error("Expected authentication failure for tampered data, got none")
	}
}

func TestOpenWrongKey(t *testing.T) {
	sealed, err := Seal([]byte("sensitive data"), testKey(t))
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	if _, err = Open(sealed, testKey(t)); err == nil {
		t.Error("Expected authentication failure for wrong key, got none")
	}
}

func TestOpenTruncatedInput(t *testing.T) {
	if _, err := Open([]byte("short"), testKey(t)); err == nil {
		t.Error("Expected error for truncated input, got none")
	}
}

func TestPassphraseEnvelopeRoundTrip(t *testing.T) {
	data := []byte("portable backup payload")

	sealed, err := SealWithPassphrase(data, "export-passphrase-1")
	if err != nil {
		t.Fatalf("Failed to seal with passphrase: %v", err)
	}

	opened, err := OpenWithPassphrase(sealed, "export-passphrase-1")
	if err != nil {
		t.Fatalf("Failed to open with passphrase: %v", err)
	}
	if !bytes.Equal(opened, data) {
		t.Error("Opened data does not match original")
	}

	if _, err = OpenWithPassphrase(sealed, "wrong-passphrase-xx"); err == nil {
		t.Error("Expected failure for wrong passphrase, got none")
	}
}

func TestChecksumStable(t *testing.T) {
	data := []byte("checksum me")

	first := Checksum(data)
	second := Checksum(data)
	if first != second {
		t.Error("Checksum is not stable across calls")
	}

	fromReader, err := ChecksumReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to checksum reader: %v", err)
	}
	if fromReader != first {
		t.Error("Reader checksum does not match in-memory checksum")
	}

	if Checksum([]byte("checksum mf")) == first {
		t.Error("Different inputs produced identical checksums")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Error("Equal slices reported unequal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Error("Unequal slices reported equal")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abcd")) {
		t.Error("Different-length slices reported equal")
	}
}
