// Package pinvault keeps the identity secret on the device, wrapped under a
// key derived from the user's PIN.
package pinvault

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hotline/keycore/internal/identity"
	"hotline/keycore/internal/kdf"
	"hotline/keycore/internal/metrics"
	"hotline/keycore/internal/securestore"
)

var (
	ErrNoRecord          = errors.New("no key record on this device")
	ErrWrongPinOrCorrupt = errors.New("wrong pin or corrupt key record")
	ErrInvalidPin        = errors.New("pin must be 4-6 digits")
	ErrCorruptRecord     = errors.New("key record is corrupt")
	ErrPublicIDMismatch  = errors.New("public id does not match secret")
)

type Vault struct {
	store      RecordStore
	iterations int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

type Option func(*Vault)

// WithIterations overrides the PBKDF2 count used for new records. Existing
// records always open with the count stored inside them.
func WithIterations(n int) Option {
	return func(v *Vault) {
		if n > 0 {
			v.iterations = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) {
		v.metrics = m
	}
}

func New(store RecordStore, opts ...Option) *Vault {
	v := &Vault{
		store:      store,
		iterations: kdf.PinIterations,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// DeriveKEK turns a PIN into a key-encryption key.
func (v *Vault) DeriveKEK(ctx context.Context, pin string, salt []byte, iterations int) ([]byte, error) {
	started := time.Now()
	key, err := kdf.Derive(ctx, []byte(pin), salt, iterations)
	if err == nil {
		v.metrics.ObserveKDF("pin", time.Since(started))
	}
	return key, err
}

// Store wraps secret under pin and replaces any existing record.
func (v *Vault) Store(ctx context.Context, secret []byte, pin, publicID string) (*Record, error) {
	if !ValidatePinFormat(pin) {
		return nil, ErrInvalidPin
	}
	if err := checkPublicID(secret, publicID); err != nil {
		return nil, err
	}
	salt, err := kdf.NewSalt()
	if err != nil {
		return nil, err
	}
	kek, err := v.DeriveKEK(ctx, pin, salt, v.iterations)
	if err != nil {
		return nil, err
	}
	defer securestore.ZeroBytes(kek)

	env, err := securestore.SealEnvelope(kek, salt, v.iterations, secret)
	if err != nil {
		return nil, err
	}
	rec := &Record{Version: recordVersion, PublicID: publicID, Envelope: *env}
	if err := v.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	v.logger.Info("device key stored", "public_id", publicID, "iterations", v.iterations)
	return rec, nil
}

// ReEncrypt is a PIN change: the record is rewritten in full with a new salt.
func (v *Vault) ReEncrypt(ctx context.Context, secret []byte, newPin, publicID string) (*Record, error) {
	return v.Store(ctx, secret, newPin, publicID)
}

// Unlock returns the raw secret. A missing record is ErrNoRecord; every other
// failure to produce the secret is ErrWrongPinOrCorrupt.
func (v *Vault) Unlock(ctx context.Context, pin string) ([]byte, error) {
	if !ValidatePinFormat(pin) {
		return nil, ErrInvalidPin
	}
	rec, err := v.store.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil, ErrNoRecord
		}
		if errors.Is(err, ErrCorruptRecord) {
			v.logger.Warn("device key record unreadable", "err", err)
			return nil, ErrWrongPinOrCorrupt
		}
		return nil, err
	}
	if err := rec.validate(); err != nil {
		v.logger.Warn("device key record invalid", "err", err)
		return nil, ErrWrongPinOrCorrupt
	}

	kek, err := v.DeriveKEK(ctx, pin, rec.Salt, rec.Iterations)
	if err != nil {
		return nil, err
	}
	defer securestore.ZeroBytes(kek)

	secret, err := securestore.OpenEnvelope(kek, &rec.Envelope)
	if err != nil {
		return nil, ErrWrongPinOrCorrupt
	}
	if err := checkPublicID(secret, rec.PublicID); err != nil {
		securestore.ZeroBytes(secret)
		return nil, ErrWrongPinOrCorrupt
	}
	return secret, nil
}

// Identify returns the stored public id without touching the ciphertext.
func (v *Vault) Identify(ctx context.Context) (string, bool, error) {
	var (
		publicID string
		err      error
	)
	if r, ok := v.store.(PublicIDReader); ok {
		publicID, err = r.LoadPublicID(ctx)
	} else {
		var rec *Record
		rec, err = v.store.Load(ctx)
		if rec != nil {
			publicID = rec.PublicID
		}
	}
	if errors.Is(err, ErrNoRecord) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return publicID, publicID != "", nil
}

// Wipe deletes the record. It succeeds when nothing is stored.
func (v *Vault) Wipe(ctx context.Context) error {
	if err := v.store.Delete(ctx); err != nil {
		return fmt.Errorf("wipe device key: %w", err)
	}
	v.logger.Warn("device key wiped")
	return nil
}

func checkPublicID(secret []byte, publicID string) error {
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return ErrPublicIDMismatch
	}
	defer kp.Zero()
	if subtle.ConstantTimeCompare([]byte(kp.PublicID()), []byte(publicID)) != 1 {
		return ErrPublicIDMismatch
	}
	return nil
}
