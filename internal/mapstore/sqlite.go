package mapstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gonkalabs/gonka-redact/internal/sanitize"
	"github.com/gonkalabs/gonka-redact/internal/seal"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	signer     TEXT NOT NULL DEFAULT '',
	signature  TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS mapping_entries (
	session_id  TEXT NOT NULL,
	placeholder TEXT NOT NULL,
	original    TEXT NOT NULL,
	PRIMARY KEY (session_id, placeholder)
);
`

// SQLiteStore keeps mappings in a SQLite database, one row per entry.
// Originals are sealed individually when the sealer encrypts; signatures
// cover the canonical plaintext entries.
type SQLiteStore struct {
	db     *sql.DB
	sealer *seal.Sealer
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string, sealer *seal.Sealer) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mapstore: open %s: %w", path, err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("mapstore: init schema: %w", err)
	}
	return &SQLiteStore{db: db, sealer: sealer}, nil
}

// Save replaces the mapping stored under id.
func (s *SQLiteStore) Save(ctx context.Context, id string, m sanitize.Mapping) error {
	if err := checkID(id); err != nil {
		return err
	}
	entries := Entries(m)
	payload, err := canonical(entries)
	if err != nil {
		return fmt.Errorf("mapstore: encode entries: %w", err)
	}
	sig, signer, err := s.sealer.Sign(payload)
	if err != nil {
		return fmt.Errorf("mapstore: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mapstore: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at, signer, signature)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at,
			signer = excluded.signer, signature = excluded.signature
	`, id, now, now, signer, sig); err != nil {
		return fmt.Errorf("mapstore: upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mapping_entries WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("mapstore: clear entries: %w", err)
	}
	for _, e := range entries {
		orig := e.Original
		if s.sealer.Encrypts() {
			if orig, err = s.sealer.SealString(orig); err != nil {
				return fmt.Errorf("mapstore: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mapping_entries (session_id, placeholder, original) VALUES (?, ?, ?)
		`, id, e.Placeholder, orig); err != nil {
			return fmt.Errorf("mapstore: insert entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mapstore: commit: %w", err)
	}
	return nil
}

// Load reads the mapping stored under id.
func (s *SQLiteStore) Load(ctx context.Context, id string) (sanitize.Mapping, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var signer, sig string
	err := s.db.QueryRowContext(ctx,
		`SELECT signer, signature FROM sessions WHERE id = ?`, id).Scan(&signer, &sig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mapstore: load session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT placeholder, original FROM mapping_entries WHERE session_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("mapstore: load entries: %w", err)
	}
	defer rows.Close()

	m := make(sanitize.Mapping)
	for rows.Next() {
		var tok, orig string
		if err := rows.Scan(&tok, &orig); err != nil {
			return nil, fmt.Errorf("mapstore: scan entry: %w", err)
		}
		if s.sealer.Encrypts() {
			if orig, err = s.sealer.OpenString(orig); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
			}
		}
		if _, dup := m[orig]; dup {
			return nil, fmt.Errorf("%w: original listed twice", ErrCorrupt)
		}
		m[orig] = tok
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mapstore: load entries: %w", err)
	}

	payload, err := canonical(Entries(m))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := checkSignature(payload, sig, signer, s.sealer); err != nil {
		return nil, err
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete removes the mapping stored under id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mapstore: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mapstore: delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mapping_entries WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("mapstore: delete entries: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
