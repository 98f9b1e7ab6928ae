package keyctl

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"hotline/keycore/internal/authtoken"
	"hotline/keycore/internal/backup"
	"hotline/keycore/internal/drafts"
	"hotline/keycore/internal/identity"
	"hotline/keycore/internal/securestore"
	"hotline/keycore/internal/session"
)

var (
	errUsage        = errors.New("invalid arguments")
	errRecordExists = errors.New("an identity is already saved on this device, pass -force to replace it")
)

func init() {
	register(command{name: "generate", usage: "create a new identity and print its keys", run: runGenerate})
	register(command{name: "setup-pin", usage: "save an nsec key on this device under a PIN", run: runSetupPin})
	register(command{name: "unlock", usage: "check the PIN and show the unlocked identity", run: runUnlock})
	register(command{name: "change-pin", usage: "re-encrypt the device key under a new PIN", run: runChangePin})
	register(command{name: "identify", usage: "show which identity is saved, no PIN needed", run: runIdentify})
	register(command{name: "wipe", usage: "erase the device key and local drafts", run: runWipe})
	register(command{name: "token", usage: "unlock and print an Authorization header", run: runToken})
	register(command{name: "verify-token", usage: "check an Authorization header value", run: runVerifyToken})
	register(command{name: "backup-export", usage: "write an encrypted backup file", run: runBackupExport})
	register(command{name: "backup-restore", usage: "restore the device key from a backup file", run: runBackupRestore})
	register(command{name: "recovery-key", usage: "print a fresh recovery key", run: runRecoveryKey})
	register(command{name: "draft", usage: "save, show, list or delete encrypted call-note drafts", run: runDraft})
}

func newFlagSet(name string, a *app) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.streams.Err)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	return nil
}

func describe(kp *identity.KeyPair) map[string]any {
	return map[string]any{
		"public_id":   kp.PublicID(),
		"npub":        kp.PublicDisplay(),
		"fingerprint": kp.Fingerprint(),
	}
}

func runGenerate(_ context.Context, a *app, args []string) error {
	fs := newFlagSet("generate", a)
	if err := parse(fs, args); err != nil {
		return err
	}
	kp := identity.Generate()
	defer kp.Zero()
	out := describe(kp)
	out["nsec"] = kp.SecretDisplay()
	return a.printJSON(out)
}

func runSetupPin(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("setup-pin", a)
	force := fs.Bool("force", false, "replace an identity already saved on this device")
	if err := parse(fs, args); err != nil {
		return err
	}
	if _, ok, err := a.vault.Identify(ctx); err != nil {
		return err
	} else if ok && !*force {
		return errRecordExists
	}

	nsec, err := a.prompt.secret("Secret key (nsec)")
	if err != nil {
		return err
	}
	kp, err := identity.Parse(nsec)
	if err != nil {
		return err
	}
	defer kp.Zero()
	pin, err := a.prompt.confirmed("New PIN")
	if err != nil {
		return err
	}
	if err := storeDeviceKey(ctx, a, kp, pin); err != nil {
		return err
	}
	return a.printJSON(describe(kp))
}

// storeDeviceKey writes a fresh record and clears any leftover attempt count.
func storeDeviceKey(ctx context.Context, a *app, kp *identity.KeyPair, pin string) error {
	secret := kp.Secret()
	defer securestore.ZeroBytes(secret)
	if _, err := a.vault.Store(ctx, secret, pin, kp.PublicID()); err != nil {
		return err
	}
	return a.attempts.SaveAttempts(ctx, 0, time.Time{})
}

func runUnlock(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("unlock", a)
	if err := parse(fs, args); err != nil {
		return err
	}
	secret, err := a.unlock(ctx)
	if err != nil {
		return err
	}
	kp, err := identity.FromSecret(secret)
	securestore.ZeroBytes(secret)
	if err != nil {
		return err
	}
	defer kp.Zero()
	out := describe(kp)
	out["unlocked"] = true
	return a.printJSON(out)
}

func runChangePin(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("change-pin", a)
	if err := parse(fs, args); err != nil {
		return err
	}
	secret, err := a.unlock(ctx)
	if err != nil {
		return err
	}
	defer securestore.ZeroBytes(secret)
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return err
	}
	defer kp.Zero()
	pin, err := a.prompt.confirmed("New PIN")
	if err != nil {
		return err
	}
	if _, err := a.vault.ReEncrypt(ctx, secret, pin, kp.PublicID()); err != nil {
		return err
	}
	return a.printJSON(map[string]any{"public_id": kp.PublicID(), "pin_changed": true})
}

func runIdentify(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("identify", a)
	if err := parse(fs, args); err != nil {
		return err
	}
	publicID, ok, err := a.vault.Identify(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return a.printJSON(map[string]any{"saved": false})
	}
	out := map[string]any{"saved": true, "public_id": publicID}
	if npub, err := identity.EncodePublicID(publicID); err == nil {
		out["npub"] = npub
	}
	if raw, err := identity.DecodePublicID(publicID); err == nil {
		out["fingerprint"] = identity.FingerprintPublicKey(raw)
	}
	failed, until, err := a.attempts.LoadAttempts(ctx)
	if err == nil {
		out["failed_attempts"] = failed
		if !until.IsZero() && a.now().Before(until) {
			out["locked_until"] = until
		}
	}
	return a.printJSON(out)
}

func runWipe(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("wipe", a)
	yes := fs.Bool("yes", false, "confirm erasing the device key")
	if err := parse(fs, args); err != nil {
		return err
	}
	if !*yes {
		return fmt.Errorf("%w: wipe is irreversible, pass -yes to confirm", errUsage)
	}
	if err := a.vault.Wipe(ctx); err != nil {
		return err
	}
	if err := a.attempts.SaveAttempts(ctx, 0, time.Time{}); err != nil {
		return err
	}
	if err := purgeDrafts(ctx, a); err != nil {
		return err
	}
	return a.printJSON(map[string]any{"wiped": true})
}

func runToken(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("token", a)
	if err := parse(fs, args); err != nil {
		return err
	}
	sess, err := a.unlockSession(ctx)
	if err != nil {
		return err
	}
	defer sess.End()
	tok, err := sess.Token(a.now())
	if err != nil {
		return err
	}
	header, err := tok.Header()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.streams.Out, header)
	return err
}

func runVerifyToken(_ context.Context, a *app, args []string) error {
	fs := newFlagSet("verify-token", a)
	header := fs.String("header", "", "Authorization header value, read from stdin when empty")
	if err := parse(fs, args); err != nil {
		return err
	}
	value := *header
	if value == "" {
		raw, err := io.ReadAll(io.LimitReader(a.prompt.in, 4096))
		if err != nil {
			return err
		}
		value = string(raw)
	}
	v := authtoken.NewVerifier(
		authtoken.WithFreshness(a.cfg.AuthFreshness),
		authtoken.WithRateLimit(a.cfg.VerifyRPS, a.cfg.VerifyBurst),
		authtoken.WithVerifierClock(a.now),
		authtoken.WithVerifierLogger(a.logger),
		authtoken.WithVerifierMetrics(a.metrics),
	)
	publicID, err := v.VerifyHeader(value)
	if err != nil {
		return err
	}
	return a.printJSON(map[string]any{"valid": true, "public_id": publicID})
}

func runBackupExport(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("backup-export", a)
	out := fs.String("out", "", "backup file to write")
	withRecovery := fs.Bool("recovery", false, "also protect the backup with a new recovery key")
	if err := parse(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*out) == "" {
		return fmt.Errorf("%w: -out is required", errUsage)
	}
	secret, err := a.unlock(ctx)
	if err != nil {
		return err
	}
	defer securestore.ZeroBytes(secret)
	kp, err := identity.FromSecret(secret)
	if err != nil {
		return err
	}
	defer kp.Zero()
	pin, err := a.prompt.confirmed("Backup PIN")
	if err != nil {
		return err
	}

	var recoveryKey string
	if *withRecovery {
		if recoveryKey, err = backup.GenerateRecoveryKey(); err != nil {
			return err
		}
	}
	f, err := a.codec().Create(ctx, secret, pin, kp.PublicID(), recoveryKey)
	if err != nil {
		return err
	}
	if err := backup.WriteFile(*out, f); err != nil {
		return err
	}
	result := map[string]any{"path": *out, "public_id": kp.PublicID()}
	if recoveryKey != "" {
		// Shown once; the file cannot be opened with it unless it is written down.
		result["recovery_key"] = recoveryKey
	}
	return a.printJSON(result)
}

func runBackupRestore(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("backup-restore", a)
	in := fs.String("in", "", "backup file to read")
	useRecovery := fs.Bool("recovery", false, "open the backup with its recovery key instead of the PIN")
	force := fs.Bool("force", false, "replace an identity already saved on this device")
	if err := parse(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(*in) == "" {
		return fmt.Errorf("%w: -in is required", errUsage)
	}
	if _, ok, err := a.vault.Identify(ctx); err != nil {
		return err
	} else if ok && !*force {
		return errRecordExists
	}
	f, err := backup.ReadFile(*in)
	if err != nil {
		return err
	}

	var secret []byte
	codec := a.codec()
	if *useRecovery {
		if !f.HasRecovery() {
			return backup.ErrNoRecoveryBranch
		}
		key, err := a.prompt.secret("Recovery key")
		if err != nil {
			return err
		}
		secret, err = codec.RestoreWithRecoveryKey(ctx, f, key)
		if err != nil {
			return err
		}
	} else {
		pin, err := a.prompt.secret("Backup PIN")
		if err != nil {
			return err
		}
		secret, err = codec.RestoreWithPin(ctx, f, pin)
		if err != nil {
			return err
		}
	}
	defer securestore.ZeroBytes(secret)

	kp, err := identity.FromSecret(secret)
	if err != nil {
		return err
	}
	defer kp.Zero()
	pin, err := a.prompt.confirmed("New device PIN")
	if err != nil {
		return err
	}
	if err := storeDeviceKey(ctx, a, kp, pin); err != nil {
		return err
	}
	out := describe(kp)
	out["restored"] = true
	return a.printJSON(out)
}

func runRecoveryKey(_ context.Context, a *app, args []string) error {
	fs := newFlagSet("recovery-key", a)
	if err := parse(fs, args); err != nil {
		return err
	}
	key, err := backup.GenerateRecoveryKey()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.streams.Out, key)
	return err
}

func runDraft(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("draft", a)
	save := fs.String("save", "", "call id to save a draft for, text read from stdin after the PIN")
	show := fs.String("show", "", "call id to print")
	del := fs.String("delete", "", "call id to delete")
	list := fs.Bool("list", false, "list all drafts")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *del != "" {
		store, err := a.drafts(ctx, nil)
		if err != nil {
			return err
		}
		return store.Delete(ctx, *del)
	}
	if *save == "" && *show == "" && !*list {
		return fmt.Errorf("%w: one of -save, -show, -list or -delete is required", errUsage)
	}

	sess, err := a.unlockSession(ctx)
	if err != nil {
		return err
	}
	defer sess.End()
	store, err := a.drafts(ctx, sess)
	if err != nil {
		return err
	}
	switch {
	case *save != "":
		text, err := io.ReadAll(io.LimitReader(a.prompt.in, 1<<20))
		if err != nil {
			return err
		}
		if err := store.Save(ctx, *save, strings.TrimRight(string(text), "\n")); err != nil {
			return err
		}
		return a.printJSON(map[string]any{"saved": true, "call_id": *save})
	case *show != "":
		d, err := store.Get(ctx, *show)
		if err != nil {
			return err
		}
		return a.printJSON(draftJSON(d))
	default:
		all, err := store.List(ctx)
		if err != nil {
			return err
		}
		out := make([]map[string]any, 0, len(all))
		for _, d := range all {
			out = append(out, draftJSON(d))
		}
		return a.printJSON(out)
	}
}

func draftJSON(d drafts.Draft) map[string]any {
	return map[string]any{
		"call_id":    d.CallID,
		"text":       d.Text,
		"updated_at": d.UpdatedAt,
		"failed":     d.Failed,
	}
}

func (a *app) unlockSession(ctx context.Context) (*session.Session, error) {
	secret, err := a.unlock(ctx)
	if err != nil {
		return nil, err
	}
	defer securestore.ZeroBytes(secret)
	return session.FromSecret(secret, session.WithMetrics(a.metrics))
}

// drafts opens the draft store. sealer may be nil for operations that never
// touch payloads.
func (a *app) drafts(ctx context.Context, sealer drafts.Sealer) (*drafts.Store, error) {
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	return drafts.New(ctx, db, sealer, drafts.WithClock(a.now))
}

func purgeDrafts(ctx context.Context, a *app) error {
	store, err := a.drafts(ctx, nil)
	if err != nil {
		return err
	}
	return store.Purge(ctx)
}
