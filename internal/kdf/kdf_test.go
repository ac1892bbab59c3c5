package kdf

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestDeriveDeterministic(t *testing.T) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	passphrase := []byte("correct-horse-battery")

	first, err := Derive(passphrase, salt)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	defer first.Destroy()

	second, err := Derive(passphrase, salt)
	if err != nil {
		t.Fatalf("Failed to derive key a second time: %v", err)
	}
	defer second.Destroy()

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("Derivation is not deterministic for identical inputs")
	}

	if len(first.Bytes()) != int(ArgonKeyLen) {
		t.Errorf("Derived key has wrong length: expected %d, got %d", ArgonKeyLen, len(first.Bytes()))
	}
}

func TestDeriveInputSensitivity(t *testing.T) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	base, err := Derive([]byte("correct-horse-battery"), salt)
	if err != nil {
		t.Fatalf("Failed to derive base key: %v", err)
	}
	defer base.Destroy()

	// Change one byte of the passphrase.
	other, err := Derive([]byte("correct-horse-batterz"), salt)
	if err != nil {
		t.Fatalf("Failed to derive key with changed passphrase: %v", err)
	}
	defer other.Destroy()

	if bytes.Equal(base.Bytes(), other.Bytes()) {
		t.Error("Changing one passphrase byte did not change the derived key")
	}

	// Change one byte of the salt.
	mutated := make([]byte, len(salt))
	copy(mutated, salt)
	mutated[0] ^= 0x01

	withSalt, err := Derive([]byte("correct-horse-battery"), mutated)
	if err != nil {
		t.Fatalf("Failed to derive key with changed salt: %v", err)
	}
	defer withSalt.Destroy()

	if bytes.Equal(base.Bytes(), withSalt.Bytes()) {
		t.Error("Changing one salt byte did not change the derived key")
	}
}

func TestDeriveMalformedSalt(t *testing.T) {
	_, err := Derive([]byte("correct-horse-battery"), []byte("short"))
	if err == nil {
		t.Fatal("Expected error for truncated salt, got none")
	}
}

func TestValidatePassphrase(t *testing.T) {
	if err := ValidatePassphrase("short"); !errors.Is(err, ErrWeakPassphrase) {
		t.Errorf("Expected ErrWeakPassphrase for short input, got %v", err)
	}
	if err := ValidatePassphrase("elevenchars"); !errors.Is(err, ErrWeakPassphrase) {
		t.Errorf("Expected ErrWeakPassphrase for 11 characters, got %v", err)
	}
	if err := ValidatePassphrase("twelve-chars"); err != nil {
		t.Errorf("Expected 12-character passphrase to validate, got %v", err)
	}
}

func TestVerificationHashIndependent(t *testing.T) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	credential := []byte("ABCD-EFGH-IJKL-MNOP-QRST")

	digest, err := VerificationHash(credential, salt)
	if err != nil {
		t.Fatalf("Failed to compute verification hash: %v", err)
	}

	again, err := VerificationHash(credential, salt)
	if err != nil {
		t.Fatalf("Failed to recompute verification hash: %v", err)
	}
	if !bytes.Equal(digest, again) {
		t.Error("Verification hash is not deterministic")
	}

	// The verification digest must differ from the derived key for the
	// same inputs, since the cost parameters are independent.
	derived, err := Derive(credential, salt)
	if err != nil {
		t.Fatalf("Failed to derive key from credential: %v", err)
	}
	defer derived.Destroy()

	if bytes.Equal(digest, derived.Bytes()) {
		t.Error("Verification hash collides with derived key for identical inputs")
	}
}
