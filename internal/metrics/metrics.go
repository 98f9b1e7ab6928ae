// Package metrics exposes Prometheus counters for the key-handling core.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hotline_keycore"

const (
	OutcomeSuccess  = "success"
	OutcomeWrongPin = "wrong_pin"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Metrics struct {
	unlockAttempts *prometheus.CounterVec
	cooldowns      prometheus.Counter
	wipes          prometheus.Counter
	tokensMinted   prometheus.Counter
	tokenChecks    *prometheus.CounterVec
	backups        *prometheus.CounterVec
	kdfSeconds     *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		unlockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_attempts_total",
			Help:      "PIN unlock attempts by outcome.",
		}, []string{"outcome"}),
		cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockout_cooldowns_total",
			Help:      "Cooldowns entered after repeated wrong PINs.",
		}),
		wipes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockout_wipes_total",
			Help:      "Device key records wiped after the attempt limit.",
		}),
		tokensMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_tokens_minted_total",
			Help:      "Auth tokens minted.",
		}),
		tokenChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_token_verifications_total",
			Help:      "Auth token verifications by result.",
		}, []string{"result"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_operations_total",
			Help:      "Backup create/restore operations by method and outcome.",
		}, []string{"op", "outcome"}),
		kdfSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kdf_duration_seconds",
			Help:      "Time spent deriving key-encryption keys.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"purpose"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.unlockAttempts, m.cooldowns, m.wipes, m.tokensMinted, m.tokenChecks, m.backups, m.kdfSeconds,
	}
}

func (m *Metrics) UnlockAttempt(outcome string) {
	if m == nil {
		return
	}
	m.unlockAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CooldownStarted() {
	if m == nil {
		return
	}
	m.cooldowns.Inc()
}

func (m *Metrics) Wiped() {
	if m == nil {
		return
	}
	m.wipes.Inc()
}

func (m *Metrics) TokenMinted() {
	if m == nil {
		return
	}
	m.tokensMinted.Inc()
}

func (m *Metrics) TokenVerified(result string) {
	if m == nil {
		return
	}
	m.tokenChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) Backup(op, outcome string) {
	if m == nil {
		return
	}
	m.backups.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveKDF(purpose string, d time.Duration) {
	if m == nil {
		return
	}
	m.kdfSeconds.WithLabelValues(purpose).Observe(d.Seconds())
}
