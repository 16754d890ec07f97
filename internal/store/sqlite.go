// Package store persists forwarding rules in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/treykane/fwdctl/internal/model"
)

// ErrNotFound is returned by Save when updating an id that no longer exists
// for the rule's host.
var ErrNotFound = errors.New("port forward not found")

// Store is the durable rule set, scoped by host id.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS port_forwards (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	host_id     INTEGER NOT NULL,
	nickname    TEXT    NOT NULL DEFAULT '',
	type        TEXT    NOT NULL CHECK (type IN ('local', 'remote', 'dynamic')),
	source_port INTEGER NOT NULL CHECK (source_port BETWEEN 1 AND 65535),
	dest_addr   TEXT    NOT NULL DEFAULT '',
	dest_port   INTEGER NOT NULL DEFAULT 0 CHECK (dest_port BETWEEN 0 AND 65535)
);

CREATE INDEX IF NOT EXISTS idx_port_forwards_host ON port_forwards(host_id);
`

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		f, ferr := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
		if ferr == nil {
			_ = f.Close()
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// A serve process and CLI commands share the file.
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	slog.Debug("rule store opened", "path", path)
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const selectColumns = `SELECT id, host_id, nickname, type, source_port, dest_addr, dest_port FROM port_forwards`

// LoadForHost returns the host's rules in insertion order.
func (s *Store) LoadForHost(ctx context.Context, hostID int64) ([]model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(ctx, selectColumns+` WHERE host_id = ? ORDER BY id`, hostID)
}

// LoadAll returns every stored rule ordered by host, then insertion order.
func (s *Store) LoadAll(ctx context.Context) ([]model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(ctx, selectColumns+` ORDER BY host_id, id`)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query port forwards: %w", err)
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		var (
			r   model.Rule
			typ string
		)
		if err := rows.Scan(&r.ID, &r.HostID, &r.Nickname, &typ, &r.SourcePort, &r.DestAddr, &r.DestPort); err != nil {
			return nil, fmt.Errorf("failed to scan port forward row: %w", err)
		}
		r.Type = model.Type(typ)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read port forwards: %w", err)
	}
	return out, nil
}

// Save inserts rule when it has no id yet, otherwise updates it in place.
// The returned rule carries the assigned id and is never marked enabled.
func (s *Store) Save(ctx context.Context, rule model.Rule) (model.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule.Enabled = false
	if !rule.Persisted() {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO port_forwards (host_id, nickname, type, source_port, dest_addr, dest_port)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rule.HostID, rule.Nickname, string(rule.Type), rule.SourcePort, rule.DestAddr, rule.DestPort)
		if err != nil {
			return rule, fmt.Errorf("failed to insert port forward: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return rule, fmt.Errorf("failed to read inserted id: %w", err)
		}
		rule.ID = id
		slog.Debug("port forward inserted", "id", id, "host_id", rule.HostID)
		return rule, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE port_forwards
		 SET nickname = ?, type = ?, source_port = ?, dest_addr = ?, dest_port = ?
		 WHERE id = ? AND host_id = ?`,
		rule.Nickname, string(rule.Type), rule.SourcePort, rule.DestAddr, rule.DestPort, rule.ID, rule.HostID)
	if err != nil {
		return rule, fmt.Errorf("failed to update port forward %d: %w", rule.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return rule, fmt.Errorf("failed to update port forward %d: %w", rule.ID, err)
	}
	if n == 0 {
		return rule, fmt.Errorf("update port forward %d for host %d: %w", rule.ID, rule.HostID, ErrNotFound)
	}
	return rule, nil
}

// Delete removes rule. Unsaved rules and unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, rule model.Rule) error {
	if !rule.Persisted() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM port_forwards WHERE id = ? AND host_id = ?`, rule.ID, rule.HostID); err != nil {
		return fmt.Errorf("failed to delete port forward %d: %w", rule.ID, err)
	}
	return nil
}
