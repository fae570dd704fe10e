package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS audit_events (
  id TEXT PRIMARY KEY,
  action TEXT NOT NULL,
  category TEXT NOT NULL,
  details TEXT NOT NULL DEFAULT '{}',
  user_id TEXT NOT NULL,
  ts INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_category ON audit_events(category, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Send(ctx context.Context, r Record) error {
	details := []byte("{}")
	if len(r.Details) > 0 {
		b, err := json.Marshal(r.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, category, details, user_id, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Action, r.Category, string(details), r.UserID, r.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns matching records newest first.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]Record, error) {
	var where []string
	var args []any
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if q.Action != "" {
		where = append(where, "action = ?")
		args = append(args, q.Action)
	}
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UnixNano())
	}
	query := `SELECT id, action, category, details, user_id, ts FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var details string
		var ts int64
		if err := rows.Scan(&r.ID, &r.Action, &r.Category, &details, &r.UserID, &ts); err != nil {
			return nil, err
		}
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &r.Details); err != nil {
				return nil, fmt.Errorf("decode details of %s: %w", r.ID, err)
			}
		}
		r.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
