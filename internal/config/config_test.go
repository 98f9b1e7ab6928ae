package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hotline/keycore/internal/kdf"
	"hotline/keycore/internal/lockout"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keycore.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.PinIterations != kdf.PinIterations || cfg.Store != StoreFile {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFromPathMergesYAML(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, `
dataDir: `+dataDir+`
store: sqlite
logLevel: debug
pin:
  iterations: 750000
lockout:
  maxAttempts: 8
  steps:
    - after: 2
      cooldown: 10s
    - after: 6
      cooldown: 15m
auth:
  freshness: 2m
  verifyRPS: 1.5
  verifyBurst: 3
metrics:
  enabled: true
`)
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != dataDir || cfg.Store != StoreSQLite || cfg.PinIterations != 750000 {
		t.Fatalf("unexpected core fields: %+v", cfg)
	}
	want := lockout.Policy{MaxAttempts: 8, Steps: []lockout.Step{
		{After: 2, Cooldown: 10 * time.Second},
		{After: 6, Cooldown: 15 * time.Minute},
	}}
	if cfg.Lockout.MaxAttempts != want.MaxAttempts || len(cfg.Lockout.Steps) != 2 ||
		cfg.Lockout.Steps[0] != want.Steps[0] || cfg.Lockout.Steps[1] != want.Steps[1] {
		t.Fatalf("unexpected lockout policy: %+v", cfg.Lockout)
	}
	if cfg.AuthFreshness != 2*time.Minute || cfg.VerifyRPS != 1.5 || cfg.VerifyBurst != 3 || !cfg.MetricsEnabled {
		t.Fatalf("unexpected auth/metrics fields: %+v", cfg)
	}
	if level, _ := cfg.SlogLevel(); level != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", level)
	}
	if cfg.DatabasePath() != filepath.Join(dataDir, "keycore.db") || cfg.RecordPath() != filepath.Join(dataDir, "device-key.json") {
		t.Fatal("unexpected derived paths")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "store: file\nlogLevel: info\n")
	envDir := t.TempDir()
	t.Setenv("HOTLINE_DATA_DIR", envDir)
	t.Setenv("HOTLINE_STORE", "SQLite")
	t.Setenv("HOTLINE_LOG_LEVEL", "warn")
	t.Setenv("HOTLINE_PIN_ITERATIONS", "1000")
	t.Setenv("HOTLINE_METRICS", "yes")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != envDir || cfg.Store != StoreSQLite || cfg.LogLevel != "warn" || cfg.PinIterations != 1000 || !cfg.MetricsEnabled {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestInvalidEnvNumbersFallBack(t *testing.T) {
	t.Setenv("HOTLINE_PIN_ITERATIONS", "lots")
	t.Setenv("HOTLINE_METRICS", "maybe")
	cfg := Default()
	ApplyEnvOverrides(&cfg)
	if cfg.PinIterations != kdf.PinIterations || cfg.MetricsEnabled {
		t.Fatalf("unparsable env values must be ignored: %+v", cfg)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad yaml":      "store: [",
		"bad store":     "store: postgres\n",
		"bad level":     "logLevel: chatty\n",
		"bad lockout":   "lockout:\n  maxAttempts: 3\n  steps:\n    - after: 4\n      cooldown: 1s\n",
		"bad duration":  "auth:\n  freshness: soon\n",
		"neg freshness": "auth:\n  freshness: -1s\n",
		"huge iters":    "pin:\n  iterations: 7000000\n",
	}
	for name, body := range cases {
		if _, err := LoadFromPath(writeConfig(t, body)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("a named config file that does not exist must fail")
	}
}

func TestDefaultCandidateInEnvDataDir(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("HOTLINE_DATA_DIR", dataDir)
	if err := os.WriteFile(filepath.Join(dataDir, "config.yaml"), []byte("store: sqlite\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFromPath("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreSQLite || cfg.DataDir != dataDir {
		t.Fatalf("config.yaml in the env data dir was not used: %+v", cfg)
	}
}

func TestDefaultCandidateWithBadYAMLFails(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("HOTLINE_DATA_DIR", dataDir)
	if err := os.WriteFile(filepath.Join(dataDir, "config.yaml"), []byte("store: ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromPath(""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for a broken default file, got %v", err)
	}
}

func TestDefaultCandidatesMissingIsFine(t *testing.T) {
	t.Setenv("HOTLINE_DATA_DIR", t.TempDir())
	if _, err := LoadFromPath(""); err != nil {
		t.Fatalf("missing default files must not fail: %v", err)
	}
}

func TestMergeKeepsDefaultsForUnsetFields(t *testing.T) {
	cfg := Default()
	Merge(&cfg, FileConfig{Store: StoreSQLite})
	if cfg.Store != StoreSQLite {
		t.Fatal("store not merged")
	}
	if cfg.Lockout.MaxAttempts != 6 || len(cfg.Lockout.Steps) != 2 || cfg.VerifyBurst != 10 {
		t.Fatalf("unset fields must keep defaults: %+v", cfg)
	}
}
