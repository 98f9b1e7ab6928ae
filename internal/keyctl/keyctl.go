// Package keyctl implements the keyctl command line: device key setup,
// unlock, auth tokens, backups and local drafts.
package keyctl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hotline/keycore/internal/authtoken"
	"hotline/keycore/internal/backup"
	"hotline/keycore/internal/config"
	"hotline/keycore/internal/drafts"
	"hotline/keycore/internal/identity"
	"hotline/keycore/internal/kdf"
	"hotline/keycore/internal/lockout"
	"hotline/keycore/internal/metrics"
	"hotline/keycore/internal/pinvault"
	"hotline/keycore/internal/platform/privacylog"
	"hotline/keycore/internal/securestore"
)

const (
	exitOK           = 0
	exitInternal     = 1
	exitInvalidInput = 10
	exitWrongPin     = 20
	exitCoolingDown  = 21
	exitWiped        = 30
	exitNoRecord     = 40
	exitDecryption   = 50
	exitRejected     = 60
)

const metricsFileName = "metrics.prom"

// Streams are the process stdio. Prompts and logs go to Err so Out stays
// machine-readable.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{}

func register(c command) {
	commands[c.name] = c
}

// Run executes one keyctl invocation and returns the process exit code.
func Run(ctx context.Context, args []string, streams Streams) int {
	if len(args) == 0 {
		printUsage(streams.Err)
		return exitInvalidInput
	}
	cmd, ok := commands[args[0]]
	if !ok {
		printUsage(streams.Err)
		return exitInvalidInput
	}

	configPath, rest := splitConfigFlag(args[1:])
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		fmt.Fprintln(streams.Err, err)
		return exitInvalidInput
	}
	a, err := newApp(ctx, cfg, streams)
	if err != nil {
		fmt.Fprintln(streams.Err, err)
		return exitInternal
	}
	defer a.close()

	err = cmd.run(ctx, a, rest)
	a.flushMetrics()
	if err != nil {
		code := exitCode(err)
		fmt.Fprintln(streams.Err, userMessage(err))
		return code
	}
	return exitOK
}

// splitConfigFlag pulls -config out of args so every subcommand accepts it
// without declaring it.
func splitConfigFlag(args []string) (string, []string) {
	var path string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				path = args[i+1]
				i++
			}
		case len(a) > 8 && a[:8] == "-config=":
			path = a[8:]
		case len(a) > 9 && a[:9] == "--config=":
			path = a[9:]
		default:
			rest = append(rest, a)
		}
	}
	return path, rest
}

type app struct {
	cfg      config.Config
	streams  Streams
	prompt   *prompter
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store    pinvault.RecordStore
	attempts lockout.AttemptStore
	vault    *pinvault.Vault
	db       *sql.DB
	now      func() time.Time
}

func newApp(ctx context.Context, cfg config.Config, streams Streams) (*app, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		streams: streams,
		prompt:  newPrompter(streams.In, streams.Err),
		logger:  privacylog.New(streams.Err, level),
		now:     time.Now,
	}
	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		if a.metrics, err = metrics.New(a.registry); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	switch cfg.Store {
	case config.StoreSQLite:
		db, err := a.database()
		if err != nil {
			return nil, err
		}
		s, err := pinvault.NewSQLiteStore(ctx, db)
		if err != nil {
			return nil, err
		}
		a.store, a.attempts = s, s
	default:
		s := pinvault.NewFileStore(cfg.RecordPath())
		a.store, a.attempts = s, s
	}
	a.vault = pinvault.New(a.store,
		pinvault.WithIterations(cfg.PinIterations),
		pinvault.WithLogger(a.logger),
		pinvault.WithMetrics(a.metrics),
	)
	return a, nil
}

// database opens the sqlite file on first use. Drafts always live there,
// whichever store holds the device key.
func (a *app) database() (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	path := a.cfg.DatabasePath()
	db, err := pinvault.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.db = db
	return db, nil
}

func (a *app) guard(ctx context.Context) (*lockout.Guard, error) {
	g, err := lockout.NewGuard(a.vault,
		lockout.WithPolicy(a.cfg.Lockout),
		lockout.WithAttemptStore(a.attempts),
		lockout.WithClock(a.now),
		lockout.WithLogger(a.logger),
		lockout.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	if err := g.Restore(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

func (a *app) codec() *backup.Codec {
	recovery := kdf.RecoveryIterations
	if a.cfg.PinIterations < recovery {
		recovery = a.cfg.PinIterations
	}
	return backup.New(
		backup.WithIterations(a.cfg.PinIterations, recovery),
		backup.WithClock(a.now),
		backup.WithLogger(a.logger),
		backup.WithMetrics(a.metrics),
	)
}

// unlock prompts for the device PIN through the lockout guard.
func (a *app) unlock(ctx context.Context) ([]byte, error) {
	g, err := a.guard(ctx)
	if err != nil {
		return nil, err
	}
	if st := g.State(); st.Phase == lockout.Cooldown {
		return nil, cooldownError{until: st.CooldownUntil}
	}
	pin, err := a.prompt.secret("PIN")
	if err != nil {
		return nil, err
	}
	secret, st, err := g.Submit(ctx, pin)
	switch {
	case err == nil:
		return secret, nil
	case errors.Is(err, lockout.ErrWrongPin):
		return nil, wrongPinError{remaining: st.RemainingAttempts, until: st.CooldownUntil}
	case errors.Is(err, lockout.ErrCoolingDown):
		return nil, cooldownError{until: st.CooldownUntil}
	}
	return nil, err
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.streams.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) flushMetrics() {
	if a.registry == nil {
		return
	}
	path := filepath.Join(a.cfg.DataDir, metricsFileName)
	if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
		a.logger.Warn("failed to write metrics textfile", "err", err)
	}
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
}

type wrongPinError struct {
	remaining int
	until     time.Time
}

func (e wrongPinError) Error() string {
	msg := fmt.Sprintf("wrong PIN, %d attempts remaining", e.remaining)
	if !e.until.IsZero() {
		msg += fmt.Sprintf(", try again after %s", e.until.Local().Format(time.Kitchen))
	}
	return msg
}

func (e wrongPinError) Unwrap() error { return lockout.ErrWrongPin }

type cooldownError struct {
	until time.Time
}

func (e cooldownError) Error() string {
	return fmt.Sprintf("PIN entry locked until %s", e.until.Local().Format(time.Kitchen))
}

func (e cooldownError) Unwrap() error { return lockout.ErrCoolingDown }

func exitCode(err error) int {
	switch {
	case errors.Is(err, lockout.ErrWiped):
		return exitWiped
	case errors.Is(err, lockout.ErrCoolingDown):
		return exitCoolingDown
	case errors.Is(err, lockout.ErrWrongPin):
		return exitWrongPin
	case errors.Is(err, pinvault.ErrNoRecord), errors.Is(err, drafts.ErrNotFound):
		return exitNoRecord
	case errors.Is(err, backup.ErrDecryptionFailed), errors.Is(err, securestore.ErrDecryptionFailed):
		return exitDecryption
	case errors.Is(err, authtoken.ErrMalformedToken),
		errors.Is(err, authtoken.ErrStaleToken),
		errors.Is(err, authtoken.ErrInvalidProof),
		errors.Is(err, authtoken.ErrRateLimited):
		return exitRejected
	case errors.Is(err, errUsage),
		errors.Is(err, errMismatch),
		errors.Is(err, pinvault.ErrInvalidPin),
		errors.Is(err, identity.ErrInvalidFormat),
		errors.Is(err, backup.ErrInvalidFormat),
		errors.Is(err, backup.ErrInvalidRecoveryKey),
		errors.Is(err, backup.ErrNoRecoveryBranch),
		errors.Is(err, drafts.ErrInvalidCallID),
		errors.Is(err, errRecordExists):
		return exitInvalidInput
	}
	return exitInternal
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, lockout.ErrWiped):
		return "too many wrong PINs: the key on this device has been erased. Restore from a backup or recovery key."
	case errors.Is(err, pinvault.ErrNoRecord):
		return "no identity is saved on this device"
	case errors.Is(err, identity.ErrInvalidFormat), errors.Is(err, backup.ErrInvalidFormat):
		return "please check the value: " + err.Error()
	}
	return err.Error()
}

func printUsage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "usage: keyctl <command> [-config path] [flags]")
	fmt.Fprintln(w)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].usage)
	}
}
