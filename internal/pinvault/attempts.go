package pinvault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"hotline/keycore/internal/securestore"
)

// Both device stores can also persist the failed-PIN counter so that
// restarting the app does not hand out a fresh set of attempts.

const lockoutSchema = `CREATE TABLE IF NOT EXISTS lockout_state (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	failed_attempts INTEGER NOT NULL,
	cooldown_until  INTEGER NOT NULL
)`

type attemptsFile struct {
	FailedAttempts int   `json:"failedAttempts"`
	CooldownUntil  int64 `json:"cooldownUntil,omitempty"`
}

func (s *FileStore) attemptsPath() string {
	return s.path + ".attempts"
}

func (s *FileStore) LoadAttempts(_ context.Context) (int, time.Time, error) {
	raw, err := os.ReadFile(s.attemptsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}
	var st attemptsFile
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: attempts file: %v", ErrCorruptRecord, err)
	}
	return st.FailedAttempts, unixMilliOrZero(st.CooldownUntil), nil
}

func (s *FileStore) SaveAttempts(_ context.Context, failed int, cooldownUntil time.Time) error {
	if failed == 0 && cooldownUntil.IsZero() {
		return securestore.RemoveFile(s.attemptsPath())
	}
	return securestore.WriteJSON(s.attemptsPath(), attemptsFile{
		FailedAttempts: failed,
		CooldownUntil:  milliOrZero(cooldownUntil),
	})
}

func (s *SQLiteStore) ensureLockoutTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, lockoutSchema); err != nil {
		return fmt.Errorf("failed to create lockout_state table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadAttempts(ctx context.Context) (int, time.Time, error) {
	if err := s.ensureLockoutTable(ctx); err != nil {
		return 0, time.Time{}, err
	}
	var failed int
	var until int64
	err := s.db.QueryRowContext(ctx, `SELECT failed_attempts, cooldown_until FROM lockout_state WHERE id = 1`).Scan(&failed, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to load lockout state: %w", err)
	}
	return failed, unixMilliOrZero(until), nil
}

func (s *SQLiteStore) SaveAttempts(ctx context.Context, failed int, cooldownUntil time.Time) error {
	if err := s.ensureLockoutTable(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO lockout_state (id, failed_attempts, cooldown_until)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET failed_attempts = excluded.failed_attempts,
			cooldown_until = excluded.cooldown_until`,
		failed, milliOrZero(cooldownUntil))
	if err != nil {
		return fmt.Errorf("failed to save lockout state: %w", err)
	}
	return nil
}

func milliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func unixMilliOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
