// Package lockout gates PIN unlocks behind an escalating cooldown and wipes
// the device key once the attempt limit is reached.
package lockout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"hotline/keycore/internal/metrics"
	"hotline/keycore/internal/pinvault"
)

var (
	ErrWrongPin        = errors.New("wrong pin")
	ErrCoolingDown     = errors.New("pin entry is cooling down")
	ErrWiped           = errors.New("device key wiped after too many failed attempts")
	ErrAlreadyUnlocked = errors.New("already unlocked")
	ErrBusy            = errors.New("unlock already in progress")
)

// Unlocker is the PIN-protected key source being guarded.
type Unlocker interface {
	Unlock(ctx context.Context, pin string) ([]byte, error)
	Wipe(ctx context.Context) error
}

// AttemptStore persists the failed-attempt counter across restarts.
type AttemptStore interface {
	LoadAttempts(ctx context.Context) (failed int, cooldownUntil time.Time, err error)
	SaveAttempts(ctx context.Context, failed int, cooldownUntil time.Time) error
}

type Phase int

const (
	AwaitingPin Phase = iota
	Cooldown
	Unlocked
	Wiped
)

func (p Phase) String() string {
	switch p {
	case AwaitingPin:
		return "awaiting_pin"
	case Cooldown:
		return "cooldown"
	case Unlocked:
		return "unlocked"
	case Wiped:
		return "wiped"
	default:
		return "unknown"
	}
}

// State is a point-in-time view for the lock screen.
type State struct {
	Phase             Phase
	FailedAttempts    int
	RemainingAttempts int
	CooldownUntil     time.Time
}

type Guard struct {
	mu       sync.Mutex
	unlocker Unlocker
	policy   Policy
	now      func() time.Time
	attempts AttemptStore
	logger   *slog.Logger
	metrics  *metrics.Metrics

	failed        int
	cooldownUntil time.Time
	unlocked      bool
	wiped         bool
	inFlight      bool
}

type Option func(*Guard)

func WithPolicy(p Policy) Option {
	return func(g *Guard) { g.policy = p }
}

// WithClock replaces time.Now, mainly so tests can step through cooldowns.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func WithAttemptStore(s AttemptStore) Option {
	return func(g *Guard) { g.attempts = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

func NewGuard(unlocker Unlocker, opts ...Option) (*Guard, error) {
	g := &Guard{
		unlocker: unlocker,
		policy:   DefaultPolicy(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if err := g.policy.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Restore loads a persisted counter. A counter already at the limit means a
// previous run stopped between the last failure and the wipe, so the wipe is
// finished here.
func (g *Guard) Restore(ctx context.Context) error {
	if g.attempts == nil {
		return nil
	}
	failed, until, err := g.attempts.LoadAttempts(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failed = failed
	g.cooldownUntil = until
	if g.failed >= g.policy.MaxAttempts {
		return g.wipeLocked(ctx)
	}
	return nil
}

// State is recomputed from the clock on every call.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked()
}

// Submit tries pin against the unlocker. During a cooldown, or for a PIN that
// is not 4-6 digits, the unlocker is not called at all.
func (g *Guard) Submit(ctx context.Context, pin string) ([]byte, State, error) {
	g.mu.Lock()
	st := g.stateLocked()
	switch st.Phase {
	case Wiped:
		g.mu.Unlock()
		return nil, st, ErrWiped
	case Unlocked:
		g.mu.Unlock()
		return nil, st, ErrAlreadyUnlocked
	case Cooldown:
		g.mu.Unlock()
		g.metrics.UnlockAttempt(metrics.OutcomeRejected)
		return nil, st, ErrCoolingDown
	}
	if g.inFlight {
		g.mu.Unlock()
		return nil, st, ErrBusy
	}
	if !pinvault.ValidatePinFormat(pin) {
		g.mu.Unlock()
		return nil, st, pinvault.ErrInvalidPin
	}
	g.inFlight = true
	g.mu.Unlock()

	secret, err := g.unlocker.Unlock(ctx, pin)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight = false

	switch {
	case err == nil:
		g.failed = 0
		g.cooldownUntil = time.Time{}
		g.unlocked = true
		g.persistLocked(ctx)
		g.metrics.UnlockAttempt(metrics.OutcomeSuccess)
		g.logger.Info("device key unlocked")
		return secret, g.stateLocked(), nil
	case errors.Is(err, pinvault.ErrWrongPinOrCorrupt):
		failure := g.recordFailureLocked(ctx)
		return nil, g.stateLocked(), failure
	default:
		g.metrics.UnlockAttempt(metrics.OutcomeError)
		return nil, g.stateLocked(), err
	}
}

// Lock returns an unlocked guard to AwaitingPin, e.g. when a session ends.
func (g *Guard) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlocked = false
}

// recordFailureLocked counts a wrong PIN and applies the policy. The counter
// is persisted before any wipe so an interrupted wipe resumes on Restore.
func (g *Guard) recordFailureLocked(ctx context.Context) error {
	g.failed++
	g.metrics.UnlockAttempt(metrics.OutcomeWrongPin)
	if g.failed >= g.policy.MaxAttempts {
		g.persistLocked(ctx)
		return g.wipeLocked(ctx)
	}
	if d := g.policy.cooldownFor(g.failed); d > 0 {
		g.cooldownUntil = g.now().Add(d)
		g.metrics.CooldownStarted()
	}
	g.persistLocked(ctx)
	g.logger.Warn("wrong pin", "failed_attempts", g.failed, "remaining_attempts", g.policy.MaxAttempts-g.failed)
	return ErrWrongPin
}

func (g *Guard) wipeLocked(ctx context.Context) error {
	g.wiped = true
	g.unlocked = false
	g.cooldownUntil = time.Time{}
	ctx = context.WithoutCancel(ctx)
	g.metrics.Wiped()
	g.logger.Error("attempt limit reached, wiping device key", "failed_attempts", g.failed)
	if err := g.unlocker.Wipe(ctx); err != nil {
		return errors.Join(ErrWiped, err)
	}
	if g.attempts != nil {
		if err := g.attempts.SaveAttempts(ctx, 0, time.Time{}); err != nil {
			g.logger.Warn("failed to reset attempt counter after wipe", "err", err)
		}
	}
	return ErrWiped
}

func (g *Guard) persistLocked(ctx context.Context) {
	if g.attempts == nil {
		return
	}
	if err := g.attempts.SaveAttempts(context.WithoutCancel(ctx), g.failed, g.cooldownUntil); err != nil {
		g.logger.Warn("failed to persist attempt counter", "err", err)
	}
}

func (g *Guard) stateLocked() State {
	st := State{
		FailedAttempts:    g.failed,
		RemainingAttempts: max(g.policy.MaxAttempts-g.failed, 0),
	}
	switch {
	case g.wiped:
		st.Phase = Wiped
		st.RemainingAttempts = 0
	case g.unlocked:
		st.Phase = Unlocked
	case !g.cooldownUntil.IsZero() && g.now().Before(g.cooldownUntil):
		st.Phase = Cooldown
		st.CooldownUntil = g.cooldownUntil
	default:
		st.Phase = AwaitingPin
	}
	return st
}
