package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

const (
	// Encryption parameters
	SecretLength = 32     // Client-generated master secret
	keyLength    = 32     // AES-256
	nonceLength  = 12     // GCM nonce length
	identityBits = 2048   // RSA modulus size for the server identity

	keyInfo = "relaychat session v1" // HKDF info string, shared with clients
)

// GenerateIdentity creates a fresh RSA key pair for the server
func GenerateIdentity() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, identityBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return key, nil
}

// LoadOrCreateIdentity loads the server key pair from PEM files,
// generating and persisting a new pair when the private key is missing
func LoadOrCreateIdentity(privPath, pubPath string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(privPath)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil || block.Type != "RSA PRIVATE KEY" {
			return nil, fmt.Errorf("invalid private key file %s", privPath)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	key, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}

	pubPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	return key, nil
}

// EncodePublicKey renders a public key as PEM bytes
func EncodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKey parses a PEM encoded RSA public key
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return pub, nil
}

// GenerateSecret creates a fresh random master secret for one connection
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, SecretLength)
	_, err := rand.Read(secret)
	return secret, err
}

// WrapSecret encrypts a master secret with the server's public key
// for the exchange-key event
func WrapSecret(pub *rsa.PublicKey, secret []byte) (string, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		return "", fmt.Errorf("failed to wrap secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapSecret recovers a wrapped master secret with the server's
// private key
func UnwrapSecret(priv *rsa.PrivateKey, wrapped string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped secret: %w", err)
	}
	secret, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap secret: %w", err)
	}
	return secret, nil
}

// SessionCipher handles encryption/decryption for one connection's
// session key
type SessionCipher struct {
	key []byte
}

// NewSessionCipher derives the AES key for a session from the
// exchanged master secret. Both ends derive the same key.
func NewSessionCipher(secret []byte) (*SessionCipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty master secret")
	}

	reader := hkdf.New(sha256.New, secret, nil, []byte(keyInfo))
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}

	return &SessionCipher{key: key}, nil
}

// Encrypt encrypts a message under the session key using AES-GCM
func (sc *SessionCipher) Encrypt(plaintext string) (string, error) {
	if len(sc.key) == 0 {
		return "", errors.New("session key not initialized")
	}

	block, err := aes.NewCipher(sc.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a message under the session key
func (sc *SessionCipher) Decrypt(encoded string) (string, error) {
	if len(sc.key) == 0 {
		return "", errors.New("session key not initialized")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	if len(data) < nonceLength {
		return "", errors.New("encrypted data too short")
	}

	block, err := aes.NewCipher(sc.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := data[:nonceLength]
	ciphertext := data[nonceLength:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}
