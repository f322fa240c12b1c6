// Package secret keeps long-lived credentials encrypted at rest.
//
// Values are stored as "enc:v1:<cipher>:" followed by base64(nonce|tag|ciphertext).
// The key is derived per secret name from site key material that is never
// persisted. Without key material values are stored as plaintext, and
// plaintext found in storage is returned unchanged.
package secret

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

type Cipher string

const (
	AESGCM   Cipher = "aes-gcm"
	ChaCha20 Cipher = "chacha20poly1305"
)

const prefix = "enc:v1:"

// ParseCipher maps a configured name to a Cipher, defaulting to AES-GCM.
func ParseCipher(s string) Cipher {
	if Cipher(s) == ChaCha20 {
		return ChaCha20
	}
	return AESGCM
}

// Backend persists stored secret values by name.
type Backend interface {
	Load(ctx context.Context, name string) (string, bool, error)
	Save(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
}

type Store struct {
	backend Backend
	key     []byte
	cipher  Cipher
}

func New(backend Backend, keyMaterial string, c Cipher) *Store {
	return &Store{backend: backend, key: []byte(keyMaterial), cipher: c}
}

// Set stores plaintext under name. An empty plaintext clears the secret.
func (s *Store) Set(ctx context.Context, name, plaintext string) error {
	if plaintext == "" {
		return s.Clear(ctx, name)
	}
	stored, err := s.Seal(name, plaintext)
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, name, stored)
}

// Get returns the plaintext for name, or "" when the secret is absent or
// cannot be decrypted.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	stored, ok, err := s.backend.Load(ctx, name)
	if err != nil {
		return "", fmt.Errorf("load secret %s: %w", name, err)
	}
	if !ok {
		return "", nil
	}
	return s.Open(name, stored), nil
}

func (s *Store) Clear(ctx context.Context, name string) error {
	return s.backend.Delete(ctx, name)
}

// Encrypted reports whether values written by this store are encrypted.
func (s *Store) Encrypted() bool { return len(s.key) > 0 }

func (s *Store) aead(c Cipher, name string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.key, nil, []byte("mailq-secret:"+name)), key); err != nil {
		return nil, err
	}
	switch c {
	case AESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case ChaCha20:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("unknown cipher %q", c)
}

// Seal returns the stored form of plaintext.
func (s *Store) Seal(name, plaintext string) (string, error) {
	if !s.Encrypted() {
		return plaintext, nil
	}
	aead, err := s.aead(s.cipher, name)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-aead.Overhead()], sealed[len(sealed)-aead.Overhead():]

	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return prefix + string(s.cipher) + ":" + base64.StdEncoding.EncodeToString(blob), nil
}

var errGarbled = errors.New("garbled secret")

func (s *Store) open(name, stored string) (string, error) {
	rest := strings.TrimPrefix(stored, prefix)
	c, encoded, ok := strings.Cut(rest, ":")
	if !ok || !s.Encrypted() {
		return "", errGarbled
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	aead, err := s.aead(Cipher(c), name)
	if err != nil {
		return "", err
	}
	ns, ts := aead.NonceSize(), aead.Overhead()
	if len(blob) < ns+ts {
		return "", errGarbled
	}
	nonce, tag, ct := blob[:ns], blob[ns:ns+ts], blob[ns+ts:]
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Open turns a stored value back into plaintext. Corrupt or undecryptable
// values yield "".
func (s *Store) Open(name, stored string) string {
	if !strings.HasPrefix(stored, prefix) {
		return stored
	}
	plain, err := s.open(name, stored)
	if err != nil {
		return ""
	}
	return plain
}
