package security

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts and decrypts small secrets with XChaCha20-Poly1305
// under a fixed 32-byte key. Each sealed blob carries its own random
// nonce as a prefix.
type Sealer struct {
	key []byte
}

// NewSealer builds a sealer from a base64-encoded 32-byte key.
func NewSealer(encodedKey string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, errors.Wrap(err, "could not decode credentials key")
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("credentials key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext and returns a base64 nonce+ciphertext blob.
func (s *Sealer) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errors.Wrap(err, "could not create cipher")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "could not generate nonce")
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, "could not decode sealed blob")
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", errors.Wrap(err, "could not create cipher")
	}

	if len(sealed) < aead.NonceSize() {
		return "", errors.New("sealed blob too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(err, "could not decrypt sealed blob")
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh base64-encoded key suitable for NewSealer.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", errors.Wrap(err, "could not generate key")
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
