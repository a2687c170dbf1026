package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// EncryptionKeyEnvVar holds the snapshot encryption key. Snapshots are
// written in plain JSON when it is unset.
const EncryptionKeyEnvVar = "ADREEL_STATE_ENCRYPTION_KEY"

var encryptedHeader = []byte("# ADREEL_ENCRYPTED_STATE\n")

// ErrKeyMissing is returned when an encrypted snapshot is read without a key.
var ErrKeyMissing = errors.New("snapshot is encrypted but " + EncryptionKeyEnvVar + " is not set")

// Sealer encrypts snapshots with AES-256-GCM. The nonce is prepended to the
// ciphertext and the result is base64 encoded behind a header line.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a key from secret. A 64-character hex string is used as
// the raw key; anything else is stretched with SHA-256.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("empty encryption key")
	}
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// sealerFromEnv returns nil when no key is configured.
func sealerFromEnv() (*Sealer, error) {
	secret := os.Getenv(EncryptionKeyEnvVar)
	if secret == "" {
		return nil, nil
	}
	return NewSealer(secret)
}

func deriveKey(secret string) []byte {
	if len(secret) == 64 {
		if key, err := hex.DecodeString(secret); err == nil {
			return key
		}
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)

	out := make([]byte, 0, len(encryptedHeader)+base64.StdEncoding.EncodedLen(len(sealed))+1)
	out = append(out, encryptedHeader...)
	out = base64.StdEncoding.AppendEncode(out, sealed)
	return append(out, '\n'), nil
}

// Open decrypts content produced by Seal.
func (s *Sealer) Open(content []byte) ([]byte, error) {
	body := bytes.TrimSpace(bytes.TrimPrefix(content, encryptedHeader))
	sealed, err := base64.StdEncoding.AppendDecode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted snapshot: %w", err)
	}
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt snapshot (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether content carries the encrypted header.
func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, encryptedHeader)
}

// seal encrypts with the environment key, if any.
func seal(plaintext []byte) ([]byte, error) {
	s, err := sealerFromEnv()
	if err != nil || s == nil {
		return plaintext, err
	}
	return s.Seal(plaintext)
}

// unseal decrypts encrypted content and passes plain content through.
func unseal(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}
	s, err := sealerFromEnv()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrKeyMissing
	}
	return s.Open(content)
}
