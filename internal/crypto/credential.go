// Package crypto encrypts Credential values at rest with a single
// operator-supplied symmetric key (FLYDESK_CREDENTIAL_ENCRYPTION_KEY).
// Selecting a KMS provider is an explicit non-goal, so this stays a plain
// AES-GCM envelope rather than a pluggable provider abstraction.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// Sealer encrypts and decrypts Credential.EncryptedValue payloads.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives a 256-bit AES key from the configured key material via
// SHA-256, so operators may supply a passphrase of any length.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, errors.New("credential encryption key is required")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext into a nonce-prefixed ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	n := s.gcm.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:n], ciphertext[n:]
	plaintext, err := s.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return plaintext, nil
}
