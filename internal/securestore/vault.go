package securestore

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Context labels one payload class. Each class gets its own derived key.
type Context string

const (
	ContextNotes   Context = "hotline:notes/v1"
	ContextDrafts  Context = "hotline:drafts/v1"
	ContextExports Context = "hotline:exports/v1"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
	Overhead  = chacha20poly1305.Overhead

	// DecryptionFailedPlaceholder replaces payloads that fail to open in lists.
	DecryptionFailedPlaceholder = "[Decryption failed]"
)

var (
	ErrDecryptionFailed = errors.New("securestore decryption failed")
	ErrInvalid          = errors.New("securestore payload is invalid")
	ErrKeySize          = errors.New("securestore key must be 32 bytes")
)

// DeriveKey expands the identity secret into the key for one payload class.
func DeriveKey(secret []byte, ctx Context) ([]byte, error) {
	if len(secret) == 0 || ctx == "" {
		return nil, ErrInvalid
	}
	reader := hkdf.New(sha256.New, secret, nil, []byte(ctx))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Payload is one sealed value. Nonce is random per Seal call.
type Payload struct {
	Nonce      []byte
	Ciphertext []byte
}

func Seal(plaintext, key []byte) (*Payload, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return &Payload{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

func Open(p *Payload, key []byte) ([]byte, error) {
	if p == nil || len(p.Nonce) != NonceSize || len(p.Ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrInvalid)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, p.Nonce, p.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Pack returns nonce || ciphertext.
func (p *Payload) Pack() []byte {
	out := make([]byte, 0, len(p.Nonce)+len(p.Ciphertext))
	out = append(out, p.Nonce...)
	return append(out, p.Ciphertext...)
}

func Unpack(blob []byte) (*Payload, error) {
	if len(blob) < NonceSize+Overhead {
		return nil, ErrInvalid
	}
	return &Payload{
		Nonce:      append([]byte(nil), blob[:NonceSize]...),
		Ciphertext: append([]byte(nil), blob[NonceSize:]...),
	}, nil
}

func SealBlob(plaintext, key []byte) ([]byte, error) {
	p, err := Seal(plaintext, key)
	if err != nil {
		return nil, err
	}
	return p.Pack(), nil
}

func OpenBlob(blob, key []byte) ([]byte, error) {
	p, err := Unpack(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	return Open(p, key)
}

// SealString seals text and returns the packed blob as base64.
func SealString(plaintext string, key []byte) (string, error) {
	blob, err := SealBlob([]byte(plaintext), key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

func OpenString(encoded string, key []byte) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, ErrInvalid)
	}
	plaintext, err := OpenBlob(blob, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// OpenOrPlaceholder is for list views: a payload that fails to open is shown
// as DecryptionFailedPlaceholder instead of aborting the list.
func OpenOrPlaceholder(encoded string, key []byte) string {
	plaintext, err := OpenString(encoded, key)
	if err != nil {
		return DecryptionFailedPlaceholder
	}
	return plaintext
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	return chacha20poly1305.NewX(key)
}

func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
