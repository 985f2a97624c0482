// Package secrets seals account passwords at rest with AES-GCM.
//
// Sealed values carry a version prefix so rows written before a key was
// configured still read back as plaintext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const prefix = "enc:v1:"

var (
	ErrBadKey     = errors.New("secrets key must decode to 16, 24 or 32 bytes")
	ErrNoKey      = errors.New("value is sealed but no secrets key is configured")
	ErrCiphertext = errors.New("ciphertext too short")
)

// Box seals and opens strings. A nil *Box passes plaintext through on Seal
// and refuses sealed values on Open.
type Box struct{ aead cipher.AEAD }

func New(key []byte) (*Box, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, ErrBadKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Box{aead: a}, nil
}

// FromBase64 builds a Box from a standard or raw base64 key. An empty key
// returns a nil Box.
func FromBase64(key string) (*Box, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("decode secrets key: %w", err)
		}
	}
	return New(raw)
}

// GenerateKey returns a fresh 32-byte key, base64 encoded.
func GenerateKey() (string, error) {
	k := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k), nil
}

func IsSealed(v string) bool { return strings.HasPrefix(v, prefix) }

func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ct := b.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return prefix + base64.RawStdEncoding.EncodeToString(append(nonce, ct...)), nil
}

func (b *Box) Open(v string) (string, error) {
	if !IsSealed(v) {
		return v, nil
	}
	if b == nil {
		return "", ErrNoKey
	}
	buf, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(v, prefix))
	if err != nil {
		return "", err
	}
	ns := b.aead.NonceSize()
	if len(buf) < ns {
		return "", ErrCiphertext
	}
	pt, err := b.aead.Open(nil, buf[:ns], buf[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(pt), nil
}
