// Package crypto seals remote-platform credentials at rest.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for deriving the master key from the configured secret.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
	keyLen              = chacha20poly1305.KeySize
)

// ErrSealed indicates a ciphertext that is too short or fails authentication.
var ErrSealed = errors.New("sealed value corrupt or bound to another owner")

// Sealer encrypts small secrets with XChaCha20-Poly1305 under a per-user key.
type Sealer struct {
	master []byte
}

// NewSealer derives the master key from secret and salt with Argon2id.
func NewSealer(secret, salt []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypto: empty sealing secret")
	}
	return &Sealer{master: argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, keyLen)}, nil
}

// userKey derives a per-user key via HKDF-SHA256 with userID as info.
func (s *Sealer) userKey(userID uuid.UUID) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, userID.Bytes())
	key := make([]byte, keyLen)
	_, err := io.ReadFull(r, key)
	return key, err
}

func aad(userID uuid.UUID, platform string) []byte {
	out := make([]byte, 0, uuid.Size+len(platform))
	out = append(out, userID.Bytes()...)
	return append(out, platform...)
}

// Seal encrypts plaintext bound to (userID, platform). Empty input seals to nil.
func (s *Sealer) Seal(userID uuid.UUID, platform string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}
	key, err := s.userKey(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad(userID, platform)), nil
}

// Open reverses Seal. A nil or empty blob opens to nil.
func (s *Sealer) Open(userID uuid.UUID, platform string, blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrSealed
	}
	key, err := s.userKey(userID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, ct := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, aad(userID, platform))
	if err != nil {
		return nil, ErrSealed
	}
	return pt, nil
}
