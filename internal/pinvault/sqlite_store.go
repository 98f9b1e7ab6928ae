package pinvault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const deviceKeySchema = `CREATE TABLE IF NOT EXISTS device_key (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	public_id  TEXT    NOT NULL,
	record     BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps the record in a single-row table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) a database file with the pure-Go driver.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, deviceKeySchema); err != nil {
		return nil, fmt.Errorf("failed to create device_key table: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*Record, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM device_key WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device key: %w", err)
	}
	return unmarshalRecord(raw)
}

func (s *SQLiteStore) LoadPublicID(ctx context.Context) (string, error) {
	var publicID string
	err := s.db.QueryRowContext(ctx, `SELECT public_id FROM device_key WHERE id = 1`).Scan(&publicID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRecord
	}
	if err != nil {
		return "", fmt.Errorf("failed to load device public id: %w", err)
	}
	return publicID, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *Record) error {
	raw, err := marshalRecord(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO device_key (id, public_id, record, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET public_id = excluded.public_id,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		r.PublicID, raw, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save device key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_key`); err != nil {
		return fmt.Errorf("failed to delete device key: %w", err)
	}
	return nil
}
