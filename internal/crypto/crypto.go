// Package crypto seals conversation blobs at rest and fingerprints bearer
// credentials so they never appear in cache keys or logs.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/felipepmaragno/chatcore/internal/domain"
)

var ErrEmptyKey = errors.New("encryption key must not be empty")

const (
	sealVersion = byte(1)
	hkdfInfo    = "chatcore conversation store v1"
)

// Sealer encrypts blobs with XChaCha20-Poly1305. The AEAD key is derived
// from the configured secret with HKDF-SHA256. Every blob carries a version
// byte and its own random nonce.
type Sealer struct {
	key []byte
}

func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

func deriveKey(secret string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext. aad binds the blob to its record, typically the
// conversation id, so a blob copied under another id fails to open.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := append([]byte{sealVersion}, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

func (s *Sealer) Open(blob, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}

	if len(blob) < 1+aead.NonceSize()+aead.Overhead() || blob[0] != sealVersion {
		return nil, domain.ErrInvalidEncryptionBlob
	}
	nonce := blob[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, blob[1+aead.NonceSize():], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEncryptionBlob, err)
	}
	return plaintext, nil
}

// SealString is Seal with a base64 text encoding, for text-only backends.
func (s *Sealer) SealString(plaintext, aad string) (string, error) {
	blob, err := s.Seal([]byte(plaintext), []byte(aad))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (s *Sealer) OpenString(encoded, aad string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidEncryptionBlob, err)
	}
	plaintext, err := s.Open(blob, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Fingerprint returns a stable, non-reversible identifier for a credential.
func Fingerprint(credential string) string {
	hash := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(hash[:])
}
