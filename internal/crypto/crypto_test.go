package crypto

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateSecret(t *testing.T) {
	secret1, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	secret2, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	if len(secret1) != SecretLength {
		t.Errorf("Expected secret length %d, got %d", SecretLength, len(secret1))
	}

	// Secrets should be different
	if string(secret1) == string(secret2) {
		t.Error("Generated secrets should be unique")
	}
}

func TestSessionCipherRoundTrip(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	sc, err := NewSessionCipher(secret)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}

	// Empty string, single byte and multi-block inputs
	inputs := []string{
		"",
		"x",
		"Hello, relay!",
		strings.Repeat("0123456789abcdef", 8), // well past one AES block
	}

	for _, plaintext := range inputs {
		encrypted, err := sc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encryption failed for %q: %v", plaintext, err)
		}

		if encrypted == plaintext && plaintext != "" {
			t.Errorf("Encrypted text should differ from plaintext %q", plaintext)
		}

		decrypted, err := sc.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decryption failed for %q: %v", plaintext, err)
		}

		if decrypted != plaintext {
			t.Errorf("Expected %q, got %q", plaintext, decrypted)
		}
	}
}

func TestSessionCipherSameSecretSameKey(t *testing.T) {
	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	// Client and server each derive their own cipher from the secret
	clientSide, err := NewSessionCipher(secret)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}
	serverSide, err := NewSessionCipher(secret)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}

	encrypted, err := clientSide.Encrypt("cross-derivation check")
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	decrypted, err := serverSide.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decryption with independently derived key failed: %v", err)
	}

	if decrypted != "cross-derivation check" {
		t.Errorf("Expected %q, got %q", "cross-derivation check", decrypted)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	secret1, _ := GenerateSecret()
	secret2, _ := GenerateSecret()

	sc1, err := NewSessionCipher(secret1)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}
	sc2, err := NewSessionCipher(secret2)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}

	encrypted, err := sc1.Encrypt("secret text")
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	if _, err := sc2.Decrypt(encrypted); err == nil {
		t.Error("Expected error when decrypting under a different key")
	}
}

func TestDecryptInvalidData(t *testing.T) {
	secret, _ := GenerateSecret()
	sc, err := NewSessionCipher(secret)
	if err != nil {
		t.Fatalf("NewSessionCipher failed: %v", err)
	}

	// Invalid base64
	if _, err := sc.Decrypt("invalid-base64!"); err == nil {
		t.Error("Expected error for invalid base64")
	}

	// Too short data
	if _, err := sc.Decrypt("YWJj"); err == nil { // "abc" in base64
		t.Error("Expected error for too short data")
	}
}

func TestWrapUnwrapSecret(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	secret, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret failed: %v", err)
	}

	wrapped, err := WrapSecret(&identity.PublicKey, secret)
	if err != nil {
		t.Fatalf("WrapSecret failed: %v", err)
	}

	unwrapped, err := UnwrapSecret(identity, wrapped)
	if err != nil {
		t.Fatalf("UnwrapSecret failed: %v", err)
	}

	if string(unwrapped) != string(secret) {
		t.Error("Unwrapped secret does not match original")
	}
}

func TestUnwrapTamperedSecret(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	secret, _ := GenerateSecret()
	wrapped, err := WrapSecret(&identity.PublicKey, secret)
	if err != nil {
		t.Fatalf("WrapSecret failed: %v", err)
	}

	// Corrupt one character of the blob
	tampered := []byte(wrapped)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	if _, err := UnwrapSecret(identity, string(tampered)); err == nil {
		t.Error("Expected error for tampered blob")
	}

	if _, err := UnwrapSecret(identity, "not base64 at all!"); err == nil {
		t.Error("Expected error for malformed blob")
	}
}

func TestLoadOrCreateIdentity(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "private_key.pem")
	pubPath := filepath.Join(dir, "public_key.pem")

	created, err := LoadOrCreateIdentity(privPath, pubPath)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity failed: %v", err)
	}

	loaded, err := LoadOrCreateIdentity(privPath, pubPath)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (reload) failed: %v", err)
	}

	if created.N.Cmp(loaded.N) != 0 {
		t.Error("Reloaded identity should match the generated one")
	}

	// Published PEM must round-trip through ParsePublicKey
	pubPEM, err := EncodePublicKey(&created.PublicKey)
	if err != nil {
		t.Fatalf("EncodePublicKey failed: %v", err)
	}

	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}

	if pub.N.Cmp(created.N) != 0 {
		t.Error("Parsed public key should match the identity")
	}
}
