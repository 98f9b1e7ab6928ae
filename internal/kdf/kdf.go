// Package kdf derives key-encryption keys from low-entropy secrets (PINs,
// recovery keys) with PBKDF2-HMAC-SHA256.
//
// Derivation is deliberately slow. Derive runs it on its own goroutine so a
// caller driving an interactive loop can stop waiting when its context ends;
// the computation itself is never interrupted and an abandoned result is
// simply dropped.
package kdf

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PinIterations is the policy for PIN-derived keys.
	PinIterations = 600_000
	// RecoveryIterations is lower because recovery keys carry 128 bits of entropy.
	RecoveryIterations = 100_000
	// MaxIterations caps counts read from stored records and backup files.
	MaxIterations = 10 * PinIterations

	SaltSize = 16
	KeySize  = 32
)

var ErrInvalidParams = errors.New("kdf parameters are invalid")

// Key runs PBKDF2-HMAC-SHA256 synchronously.
func Key(secret, salt []byte, iterations int) ([]byte, error) {
	if len(salt) == 0 || iterations <= 0 || iterations > MaxIterations {
		return nil, ErrInvalidParams
	}
	return pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New), nil
}

// Derive is Key off the calling goroutine. It returns ctx.Err() if the
// context ends first.
func Derive(ctx context.Context, secret, salt []byte, iterations int) ([]byte, error) {
	if len(salt) == 0 || iterations <= 0 || iterations > MaxIterations {
		return nil, ErrInvalidParams
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	secret = append([]byte(nil), secret...)
	salt = append([]byte(nil), salt...)

	done := make(chan []byte, 1)
	go func() {
		key := pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New)
		zero(secret)
		done <- key
	}()

	select {
	case key := <-done:
		return key, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NewSalt returns SaltSize bytes from the system CSPRNG.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
