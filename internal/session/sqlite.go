package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	secret     TEXT PRIMARY KEY,
	code       TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL,
	last_seen  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_last_seen ON sessions (last_seen);
`

// SQLiteStore persists sessions in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// SQLite allows a single writer; serialising here avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.Get.
func (s *SQLiteStore) Get(ctx context.Context, secret string) (Session, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT secret, code, created_at, last_seen FROM sessions WHERE secret = ?`, secret)
	st, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return st, true, nil
}

// Put implements Store.Put. The insert runs in its own transaction so a
// concurrent reader never observes a partial row.
func (s *SQLiteStore) Put(ctx context.Context, st Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (secret, code, created_at, last_seen) VALUES (?, ?, ?, ?)`,
		st.Secret, st.Code, st.CreatedAt.UnixNano(), st.LastSeen.UnixNano())
	if err != nil {
		_ = tx.Rollback()
		if isConstraint(err) {
			return ErrDuplicate
		}
		return err
	}
	return tx.Commit()
}

// Touch implements Store.Touch.
func (s *SQLiteStore) Touch(ctx context.Context, secret string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen = ? WHERE secret = ?`, at.UnixNano(), secret)
	return err
}

// Delete implements Store.Delete.
func (s *SQLiteStore) Delete(ctx context.Context, secret string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE secret = ?`, secret)
	return err
}

// ListIdleSince implements Store.ListIdleSince.
func (s *SQLiteStore) ListIdleSince(ctx context.Context, cutoff time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT secret, code, created_at, last_seen FROM sessions WHERE last_seen < ?`, cutoff.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		st, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Count implements Store.Count.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// Close implements Store.Close.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		st                Session
		created, lastSeen int64
	)
	if err := row.Scan(&st.Secret, &st.Code, &created, &lastSeen); err != nil {
		return Session{}, err
	}
	st.CreatedAt = time.Unix(0, created).UTC()
	st.LastSeen = time.Unix(0, lastSeen).UTC()
	return st, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
