// Package session holds the unlocked identity for one active session. It is
// the only place the raw secret lives after unlock, and End clears it.
package session

import (
	"errors"
	"sync"
	"time"

	"hotline/keycore/internal/authtoken"
	"hotline/keycore/internal/identity"
	"hotline/keycore/internal/metrics"
	"hotline/keycore/internal/securestore"
)

var ErrSessionEnded = errors.New("session ended")

type Session struct {
	mu      sync.Mutex
	kp      *identity.KeyPair
	keys    map[securestore.Context][]byte
	metrics *metrics.Metrics
}

type Option func(*Session)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// FromSecret starts a session from raw secret bytes, typically the output of
// a successful unlock or restore. The bytes are copied.
func FromSecret(secret []byte, opts ...Option) (*Session, error) {
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return nil, err
	}
	return newSession(kp, opts), nil
}

// FromSecretDisplay starts a session from an nsec string.
func FromSecretDisplay(secretDisplay string, opts ...Option) (*Session, error) {
	kp, err := identity.Parse(secretDisplay)
	if err != nil {
		return nil, err
	}
	return newSession(kp, opts), nil
}

func newSession(kp *identity.KeyPair, opts []Option) *Session {
	s := &Session{kp: kp, keys: make(map[securestore.Context][]byte)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) PublicID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kp == nil {
		return "", ErrSessionEnded
	}
	return s.kp.PublicID(), nil
}

func (s *Session) Fingerprint() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kp == nil {
		return "", ErrSessionEnded
	}
	return s.kp.Fingerprint(), nil
}

// Token mints a fresh bearer token for a request sent at now.
func (s *Session) Token(now time.Time) (authtoken.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kp == nil {
		return authtoken.Token{}, ErrSessionEnded
	}
	secret := s.kp.Secret()
	defer securestore.ZeroBytes(secret)
	t, err := authtoken.Mint(secret, now.UnixMilli())
	if err != nil {
		return authtoken.Token{}, err
	}
	s.metrics.TokenMinted()
	return t, nil
}

// Seal encrypts plaintext for the given payload class and returns the packed
// nonce-prefixed ciphertext blob.
func (s *Session) Seal(ctx securestore.Context, plaintext []byte) ([]byte, error) {
	var out []byte
	err := s.withKey(ctx, func(key []byte) (err error) {
		out, err = securestore.SealBlob(plaintext, key)
		return err
	})
	return out, err
}

func (s *Session) Open(ctx securestore.Context, blob []byte) ([]byte, error) {
	var out []byte
	err := s.withKey(ctx, func(key []byte) (err error) {
		out, err = securestore.OpenBlob(blob, key)
		return err
	})
	return out, err
}

func (s *Session) SealString(ctx securestore.Context, plaintext string) (string, error) {
	var out string
	err := s.withKey(ctx, func(key []byte) (err error) {
		out, err = securestore.SealString(plaintext, key)
		return err
	})
	return out, err
}

func (s *Session) OpenString(ctx securestore.Context, encoded string) (string, error) {
	var out string
	err := s.withKey(ctx, func(key []byte) (err error) {
		out, err = securestore.OpenString(encoded, key)
		return err
	})
	return out, err
}

// OpenOrPlaceholder is OpenString for list rendering: any failure, including
// an ended session, yields the placeholder text.
func (s *Session) OpenOrPlaceholder(ctx securestore.Context, encoded string) string {
	out, err := s.OpenString(ctx, encoded)
	if err != nil {
		return securestore.DecryptionFailedPlaceholder
	}
	return out
}

// End zeroes the secret and every derived key. It is safe to call twice.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kp != nil {
		s.kp.Zero()
		s.kp = nil
	}
	for ctx, key := range s.keys {
		securestore.ZeroBytes(key)
		delete(s.keys, ctx)
	}
}

func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kp == nil
}

// withKey runs fn with the derived key for ctx while holding the lock, so End
// cannot zero the key mid-operation.
func (s *Session) withKey(ctx securestore.Context, fn func(key []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kp == nil {
		return ErrSessionEnded
	}
	key, ok := s.keys[ctx]
	if !ok {
		secret := s.kp.Secret()
		defer securestore.ZeroBytes(secret)
		var err error
		key, err = securestore.DeriveKey(secret, ctx)
		if err != nil {
			return err
		}
		s.keys[ctx] = key
	}
	return fn(key)
}
