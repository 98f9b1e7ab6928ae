// Package drafts autosaves call-note drafts on the device, sealed under the
// session's drafts key.
package drafts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hotline/keycore/internal/securestore"
)

const schema = `CREATE TABLE IF NOT EXISTS drafts (
	call_id    TEXT    PRIMARY KEY,
	payload    BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
)`

var (
	ErrNotFound      = errors.New("draft not found")
	ErrInvalidCallID = errors.New("call id is required")
)

// Sealer is satisfied by *session.Session.
type Sealer interface {
	Seal(ctx securestore.Context, plaintext []byte) ([]byte, error)
	Open(ctx securestore.Context, blob []byte) ([]byte, error)
}

// Draft is one decrypted entry. Failed is set when the payload could not be
// opened; Text then holds the placeholder.
type Draft struct {
	CallID    string
	Text      string
	UpdatedAt time.Time
	Failed    bool
}

type Store struct {
	db     *sql.DB
	sealer Sealer
	now    func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(ctx context.Context, db *sql.DB, sealer Sealer, opts ...Option) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create drafts table: %w", err)
	}
	s := &Store{db: db, sealer: sealer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save seals text and replaces any previous draft for callID.
func (s *Store) Save(ctx context.Context, callID, text string) error {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return ErrInvalidCallID
	}
	blob, err := s.sealer.Seal(securestore.ContextDrafts, []byte(text))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO drafts (call_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET payload = excluded.payload,
			updated_at = excluded.updated_at`,
		callID, blob, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

// Get returns the draft for callID. Unlike List it reports decryption
// failures as errors.
func (s *Store) Get(ctx context.Context, callID string) (Draft, error) {
	var (
		blob    []byte
		updated int64
	)
	callID = strings.TrimSpace(callID)
	err := s.db.QueryRowContext(ctx, `SELECT payload, updated_at FROM drafts WHERE call_id = ?`,
		callID).Scan(&blob, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("failed to load draft: %w", err)
	}
	plain, err := s.sealer.Open(securestore.ContextDrafts, blob)
	if err != nil {
		return Draft{}, err
	}
	return Draft{CallID: callID, Text: string(plain), UpdatedAt: time.UnixMilli(updated).UTC()}, nil
}

// List returns every draft, newest first. Entries that fail to open are kept
// with the placeholder text.
func (s *Store) List(ctx context.Context) ([]Draft, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT call_id, payload, updated_at FROM drafts ORDER BY updated_at DESC, call_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer rows.Close()

	var out []Draft
	for rows.Next() {
		var (
			d       Draft
			blob    []byte
			updated int64
		)
		if err := rows.Scan(&d.CallID, &blob, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		d.UpdatedAt = time.UnixMilli(updated).UTC()
		if plain, err := s.sealer.Open(securestore.ContextDrafts, blob); err != nil {
			d.Text = securestore.DecryptionFailedPlaceholder
			d.Failed = true
		} else {
			d.Text = string(plain)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, callID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE call_id = ?`, strings.TrimSpace(callID)); err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	return nil
}

// Purge removes all drafts, e.g. after the device key is wiped.
func (s *Store) Purge(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts`); err != nil {
		return fmt.Errorf("failed to purge drafts: %w", err)
	}
	return nil
}
