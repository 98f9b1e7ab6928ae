package authtoken

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"hotline/keycore/internal/metrics"
	"hotline/keycore/internal/platform/ratelimiter"
)

const DefaultFreshness = 5 * time.Minute

var (
	ErrStaleToken   = errors.New("auth token outside freshness window")
	ErrInvalidProof = errors.New("auth token proof mismatch")
	ErrRateLimited  = errors.New("too many auth attempts for this key")
)

// Verification results as reported to metrics.
const (
	resultOK          = "ok"
	resultMalformed   = "malformed"
	resultStale       = "stale"
	resultBadProof    = "bad_proof"
	resultRateLimited = "rate_limited"
)

// Verifier is the server half of the token contract: it recomputes the proof
// and enforces the freshness window in both directions.
type Verifier struct {
	freshness time.Duration
	now       func() time.Time
	limiter   *ratelimiter.Keyed
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type VerifierOption func(*Verifier)

func WithFreshness(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.freshness = d
		}
	}
}

func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithRateLimit caps verifications per public key. Non-positive values
// disable limiting.
func WithRateLimit(rps float64, burst int) VerifierOption {
	return func(v *Verifier) {
		v.limiter = ratelimiter.NewKeyed(rps, burst, 0)
	}
}

func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithVerifierMetrics(m *metrics.Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		freshness: DefaultFreshness,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks a decoded token and returns its public id.
func (v *Verifier) Verify(t Token) (string, error) {
	now := v.now()
	if !v.limiter.Allow(t.PublicKey, now) {
		v.metrics.TokenVerified(resultRateLimited)
		v.logger.Warn("auth verification rate limited", "pubkey", t.PublicKey)
		return "", ErrRateLimited
	}
	issued := time.UnixMilli(t.Timestamp)
	if skew := now.Sub(issued); skew > v.freshness || skew < -v.freshness {
		v.metrics.TokenVerified(resultStale)
		return "", ErrStaleToken
	}
	want := ComputeProof(t.PublicKey, t.Timestamp)
	if subtle.ConstantTimeCompare([]byte(want), []byte(t.Proof)) != 1 {
		v.metrics.TokenVerified(resultBadProof)
		v.logger.Warn("auth token proof mismatch", "pubkey", t.PublicKey)
		return "", ErrInvalidProof
	}
	v.metrics.TokenVerified(resultOK)
	return t.PublicKey, nil
}

// VerifyHeader decodes and verifies an Authorization header value.
func (v *Verifier) VerifyHeader(header string) (string, error) {
	t, err := Decode(header)
	if err != nil {
		v.metrics.TokenVerified(resultMalformed)
		return "", err
	}
	return v.Verify(t)
}
