// Package backup creates and restores the portable key backup file. The
// secret is always wrapped under the PIN and optionally a second time under
// a recovery key.
package backup

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
	"hotline/keycore/internal/pinvault"
	"hotline/keycore/internal/securestore"
)

// recoverySalt is public and fixed. The recovery key itself carries the
// entropy, so there is no per-file salt on that branch.
var recoverySalt = []byte("hotline:recovery-key/v1")

var (
	ErrNoRecoveryBranch = errors.New("backup has no recovery key branch")
	ErrDecryptionFailed = errors.New("backup could not be decrypted")
)

const (
	opCreate          = "create"
	opRestorePin      = "restore_pin"
	opRestoreRecovery = "restore_recovery"
)

type Codec struct {
	pinIterations      int
	recoveryIterations int
	now                func() time.Time
	logger             *slog.Logger
	metrics            *metrics.Metrics
}

type Option func(*Codec)

// WithIterations overrides both KDF counts for new files. Restores always use
// the counts stored in the file.
func WithIterations(pin, recovery int) Option {
	return func(c *Codec) {
		if pin > 0 {
			c.pinIterations = pin
		}
		if recovery > 0 {
			c.recoveryIterations = recovery
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Codec) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Codec) { c.metrics = m }
}

func New(opts ...Option) *Codec {
	c := &Codec{
		pinIterations:      kdf.PinIterations,
		recoveryIterations: kdf.RecoveryIterations,
		now:                time.Now,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create builds a backup of secret. recoveryKey may be empty.
func (c *Codec) Create(ctx context.Context, secret []byte, pin, publicID, recoveryKey string) (*File, error) {
	f, err := c.create(ctx, secret, pin, publicID, recoveryKey)
	if err != nil {
		c.metrics.Backup(opCreate, metrics.OutcomeError)
		return nil, err
	}
	c.metrics.Backup(opCreate, metrics.OutcomeSuccess)
	c.logger.Info("backup created", "public_id", publicID, "dual_branch", f.HasRecovery())
	return f, nil
}

func (c *Codec) create(ctx context.Context, secret []byte, pin, publicID, recoveryKey string) (*File, error) {
	if !pinvault.ValidatePinFormat(pin) {
		return nil, pinvault.ErrInvalidPin
	}
	if recoveryKey != "" && !ValidRecoveryKey(recoveryKey) {
		return nil, ErrInvalidRecoveryKey
	}
	if !matchesPublicID(secret, publicID) {
		return nil, pinvault.ErrPublicIDMismatch
	}

	salt, err := kdf.NewSalt()
	if err != nil {
		return nil, err
	}
	pinEnv, err := c.seal(ctx, "pin", []byte(pin), salt, c.pinIterations, secret)
	if err != nil {
		return nil, err
	}
	f := &File{
		Version:   FileVersion,
		Format:    FormatTag,
		PublicID:  publicID,
		CreatedAt: c.now().UTC(),
		Encrypted: *pinEnv,
	}
	if recoveryKey != "" {
		normalized := NormalizeRecoveryKey(recoveryKey)
		f.Recovery, err = c.seal(ctx, "recovery", []byte(normalized), recoverySalt, c.recoveryIterations, secret)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

// RestoreWithPin opens the PIN branch using the file's salt and iterations.
func (c *Codec) RestoreWithPin(ctx context.Context, f *File, pin string) ([]byte, error) {
	if !pinvault.ValidatePinFormat(pin) {
		return nil, pinvault.ErrInvalidPin
	}
	return c.restore(ctx, opRestorePin, "pin", f, &f.Encrypted, []byte(pin))
}

// RestoreWithRecoveryKey fails with ErrNoRecoveryBranch before deriving
// anything when the file has no recovery branch.
func (c *Codec) RestoreWithRecoveryKey(ctx context.Context, f *File, recoveryKey string) ([]byte, error) {
	if !f.HasRecovery() {
		c.metrics.Backup(opRestoreRecovery, metrics.OutcomeRejected)
		return nil, ErrNoRecoveryBranch
	}
	if !ValidRecoveryKey(recoveryKey) {
		c.metrics.Backup(opRestoreRecovery, metrics.OutcomeRejected)
		return nil, ErrInvalidRecoveryKey
	}
	return c.restore(ctx, opRestoreRecovery, "recovery", f, f.Recovery, []byte(NormalizeRecoveryKey(recoveryKey)))
}

func (c *Codec) restore(ctx context.Context, op, purpose string, f *File, env *securestore.Envelope, password []byte) ([]byte, error) {
	if err := env.Validate(); err != nil {
		c.metrics.Backup(op, metrics.OutcomeRejected)
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	kek, err := c.derive(ctx, purpose, password, env.Salt, env.Iterations)
	if err != nil {
		c.metrics.Backup(op, metrics.OutcomeError)
		return nil, err
	}
	defer securestore.ZeroBytes(kek)

	secret, err := securestore.OpenEnvelope(kek, env)
	if err != nil {
		c.metrics.Backup(op, metrics.OutcomeWrongPin)
		return nil, ErrDecryptionFailed
	}
	if !matchesPublicID(secret, f.PublicID) {
		securestore.ZeroBytes(secret)
		c.metrics.Backup(op, metrics.OutcomeWrongPin)
		c.logger.Warn("backup decrypted to a different identity", "public_id", f.PublicID)
		return nil, ErrDecryptionFailed
	}
	c.metrics.Backup(op, metrics.OutcomeSuccess)
	return secret, nil
}

func (c *Codec) seal(ctx context.Context, purpose string, password, salt []byte, iterations int, secret []byte) (*securestore.Envelope, error) {
	kek, err := c.derive(ctx, purpose, password, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer securestore.ZeroBytes(kek)
	return securestore.SealEnvelope(kek, salt, iterations, secret)
}

func (c *Codec) derive(ctx context.Context, purpose string, password, salt []byte, iterations int) ([]byte, error) {
	started := time.Now()
	key, err := kdf.Derive(ctx, password, salt, iterations)
	if err == nil {
		c.metrics.ObserveKDF(purpose, time.Since(started))
	}
	return key, err
}

func matchesPublicID(secret []byte, publicID string) bool {
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return false
	}
	defer kp.Zero()
	return subtle.ConstantTimeCompare([]byte(kp.PublicID()), []byte(publicID)) == 1
}
