package utils

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ConfigureEncryption("unit-test-secret")

	ciphertext, err := EncryptAESGCM("JBSWY3DPEHPK3PXP")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if !strings.HasPrefix(ciphertext, "enc:") {
		t.Fatalf("expected enc: prefix, got %q", ciphertext)
	}
	if strings.Contains(ciphertext, "JBSWY3DPEHPK3PXP") {
		t.Fatal("ciphertext must not contain the plaintext")
	}

	plaintext, err := DecryptAESGCM(strings.TrimPrefix(ciphertext, "enc:"))
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if plaintext != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("round trip mismatch: %q", plaintext)
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	ConfigureEncryption("unit-test-secret")

	first, err := EncryptAESGCM("same input")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	second, err := EncryptAESGCM("same input")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh nonce per encryption")
	}
}

func TestDecryptOrPlaintextPassthrough(t *testing.T) {
	ConfigureEncryption("unit-test-secret")

	if DecryptOrPlaintext("legacy-plain-secret") != "legacy-plain-secret" {
		t.Fatal("unprefixed values must pass through unchanged")
	}

	ciphertext, err := EncryptAESGCM("modern-secret")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if DecryptOrPlaintext(ciphertext) != "modern-secret" {
		t.Fatal("prefixed values must decrypt")
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatal("hash must not equal the password")
	}
	if !CheckPassword("correct horse battery staple", hash) {
		t.Fatal("expected matching password to verify")
	}
	if CheckPassword("wrong password", hash) {
		t.Fatal("expected wrong password to fail")
	}
}
