package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.UnlockAttempt(OutcomeSuccess)
	m.CooldownStarted()
	m.Wiped()
	m.TokenMinted()
	m.TokenVerified("ok")
	m.Backup("create", OutcomeSuccess)
	m.ObserveKDF("pin", time.Second)
}

func TestCountersRecord(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.UnlockAttempt(OutcomeWrongPin)
	m.UnlockAttempt(OutcomeWrongPin)
	m.UnlockAttempt(OutcomeSuccess)
	m.Wiped()

	if got := testutil.ToFloat64(m.unlockAttempts.WithLabelValues(OutcomeWrongPin)); got != 2 {
		t.Fatalf("expected 2 wrong pin attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.wipes); got != 1 {
		t.Fatalf("expected 1 wipe, got %v", got)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}
