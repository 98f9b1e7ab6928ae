// Package config loads keycore settings from YAML with environment
// overrides on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hotline/keycore/internal/authtoken"
	"hotline/keycore/internal/kdf"
	"hotline/keycore/internal/lockout"
)

const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"

	recordFileName   = "device-key.json"
	databaseFileName = "keycore.db"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	DataDir        string
	Store          string
	LogLevel       string
	PinIterations  int
	Lockout        lockout.Policy
	AuthFreshness  time.Duration
	VerifyRPS      float64
	VerifyBurst    int
	MetricsEnabled bool
}

// FileConfig mirrors the YAML layout. Unset fields keep their defaults.
type FileConfig struct {
	DataDir  string        `yaml:"dataDir"`
	Store    string        `yaml:"store"`
	LogLevel string        `yaml:"logLevel"`
	Pin      PinConfig     `yaml:"pin"`
	Lockout  LockoutConfig `yaml:"lockout"`
	Auth     AuthConfig    `yaml:"auth"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

type PinConfig struct {
	Iterations int `yaml:"iterations"`
}

type LockoutConfig struct {
	MaxAttempts int            `yaml:"maxAttempts"`
	Steps       []lockout.Step `yaml:"steps"`
}

type AuthConfig struct {
	Freshness   time.Duration `yaml:"freshness"`
	VerifyRPS   float64       `yaml:"verifyRPS"`
	VerifyBurst int           `yaml:"verifyBurst"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		DataDir:       defaultDataDir(),
		Store:         StoreFile,
		LogLevel:      "info",
		PinIterations: kdf.PinIterations,
		Lockout:       lockout.DefaultPolicy(),
		AuthFreshness: authtoken.DefaultFreshness,
		VerifyRPS:     5,
		VerifyBurst:   10,
	}
}

// LoadFromPath reads configPath, or the first default candidate that exists
// when configPath is empty. A missing default file is skipped. A named file
// that cannot be read, or any file that exists but does not parse, fails.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	if configPath != "" {
		parsed, err := readFile(configPath)
		if err != nil {
			return Config{}, err
		}
		Merge(&cfg, parsed)
	} else {
		dataDir := cfg.DataDir
		if v := envString("HOTLINE_DATA_DIR"); v != "" {
			dataDir = v
		}
		for _, path := range []string{"configs/keycore.yaml", filepath.Join(dataDir, "config.yaml")} {
			parsed, err := readFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return Config{}, err
			}
			Merge(&cfg, parsed)
			break
		}
	}

	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	var parsed FileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return FileConfig{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return parsed, nil
}

func Merge(dst *Config, src FileConfig) {
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Store != "" {
		dst.Store = src.Store
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Pin.Iterations != 0 {
		dst.PinIterations = src.Pin.Iterations
	}
	if src.Lockout.MaxAttempts != 0 {
		dst.Lockout.MaxAttempts = src.Lockout.MaxAttempts
	}
	if src.Lockout.Steps != nil {
		dst.Lockout.Steps = src.Lockout.Steps
	}
	if src.Auth.Freshness != 0 {
		dst.AuthFreshness = src.Auth.Freshness
	}
	if src.Auth.VerifyRPS != 0 {
		dst.VerifyRPS = src.Auth.VerifyRPS
	}
	if src.Auth.VerifyBurst != 0 {
		dst.VerifyBurst = src.Auth.VerifyBurst
	}
	if src.Metrics.Enabled != nil {
		dst.MetricsEnabled = *src.Metrics.Enabled
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := envString("HOTLINE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := envString("HOTLINE_STORE"); v != "" {
		cfg.Store = strings.ToLower(v)
	}
	if v := envString("HOTLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.PinIterations = envIntWithFallback("HOTLINE_PIN_ITERATIONS", cfg.PinIterations)
	cfg.MetricsEnabled = envBoolWithFallback("HOTLINE_METRICS", cfg.MetricsEnabled)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("%w: dataDir is required", ErrInvalidConfig)
	}
	if c.Store != StoreFile && c.Store != StoreSQLite {
		return fmt.Errorf("%w: store must be %q or %q, got %q", ErrInvalidConfig, StoreFile, StoreSQLite, c.Store)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.PinIterations <= 0 || c.PinIterations > kdf.MaxIterations {
		return fmt.Errorf("%w: pin.iterations must be in [1, %d]", ErrInvalidConfig, kdf.MaxIterations)
	}
	if err := c.Lockout.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.AuthFreshness <= 0 {
		return fmt.Errorf("%w: auth.freshness must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: logLevel %q", ErrInvalidConfig, c.LogLevel)
	}
	return level, nil
}

func (c Config) RecordPath() string {
	return filepath.Join(c.DataDir, recordFileName)
}

func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, databaseFileName)
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "hotline-keycore")
	}
	return ".hotline-keycore"
}
