// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package snapshot persists the last known good copy of the synced
// collections in a local SQLite database, so the application can present
// cached data immediately on startup and survive a fully offline run.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-chatsync/chatsync"
)

// Store is a SQLite-backed chatsync.SnapshotStore. Save replaces the whole
// snapshot atomically; Load never fails, a corrupt or missing database yields
// empty collections.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

var migrations = []string{
	/*language=sqlite*/ `CREATE TABLE IF NOT EXISTS accounts (
		id         TEXT PRIMARY KEY,
		handle     TEXT NOT NULL,
		secret     TEXT NOT NULL,
		privilege  TEXT NOT NULL,
		active     INTEGER NOT NULL,
		online     INTEGER NOT NULL,
		last_seen  TEXT NOT NULL,
		can_post   INTEGER NOT NULL,
		avatar_url TEXT NOT NULL,
		sync       TEXT NOT NULL
	)`,
	/*language=sqlite*/ `CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		sender_id    TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		body         TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		status       TEXT NOT NULL,
		is_system    INTEGER NOT NULL,
		sync         TEXT NOT NULL
	)`,
}

// Open opens (or creates) the snapshot database at path. A database that
// fails schema setup is treated as corrupt: it is removed and recreated once,
// since the snapshot is a cache and the backend remains the source of truth.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openAndMigrate(path)
	if err != nil {
		logger.Warn("snapshot database unusable, recreating", "path", path, "error", err)
		// WAL sidecars must go too, or they re-corrupt the fresh file.
		for _, stale := range []string{path, path + "-wal", path + "-shm"} {
			if rmErr := os.Remove(stale); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, fmt.Errorf("failed to remove corrupt snapshot %s: %w", stale, rmErr)
			}
		}
		db, err = openAndMigrate(path)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate snapshot database: %w", err)
		}
	}

	return &Store{db: db, logger: logger}, nil
}

func openAndMigrate(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	for _, ddl := range migrations {
		if _, err := db.Exec(ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply snapshot schema: %w", err)
		}
	}
	return db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads both collections in their saved order. Any failure is logged and
// the affected collection comes back empty; the caller proceeds to bootstrap
// fresh state from the backend.
func (s *Store) Load(ctx context.Context) ([]chatsync.Account, []chatsync.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.loadAccounts(ctx)
	if err != nil {
		s.logger.Warn("failed to load account snapshot", "error", err)
		accounts = nil
	}
	messages, err := s.loadMessages(ctx)
	if err != nil {
		s.logger.Warn("failed to load message snapshot", "error", err)
		messages = nil
	}
	return accounts, messages
}

func (s *Store) loadAccounts(ctx context.Context) ([]chatsync.Account, error) {
	rows, err := s.db.QueryContext(ctx, /*language=sqlite*/
		`SELECT id, handle, secret, privilege, active, online, last_seen, can_post, avatar_url, sync
		 FROM accounts ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatsync.Account
	for rows.Next() {
		var a chatsync.Account
		var lastSeen string
		if err := rows.Scan(&a.ID, &a.Handle, &a.Secret, &a.Privilege, &a.Active,
			&a.Online, &lastSeen, &a.CanPost, &a.AvatarURL, &a.Sync); err != nil {
			return nil, err
		}
		a.LastSeen = parseTime(lastSeen)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) loadMessages(ctx context.Context) ([]chatsync.Message, error) {
	rows, err := s.db.QueryContext(ctx, /*language=sqlite*/
		`SELECT id, sender_id, recipient_id, body, created_at, status, is_system, sync
		 FROM messages ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatsync.Message
	for rows.Next() {
		var m chatsync.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body,
			&createdAt, &m.Status, &m.System, &m.Sync); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Save replaces the stored snapshot with the given collections in one
// transaction.
func (s *Store) Save(ctx context.Context, accounts []chatsync.Account, messages []chatsync.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts`); err != nil {
		return fmt.Errorf("failed to clear account snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return fmt.Errorf("failed to clear message snapshot: %w", err)
	}

	for _, a := range accounts {
		if _, err := tx.ExecContext(ctx, /*language=sqlite*/
			`INSERT INTO accounts (id, handle, secret, privilege, active, online, last_seen, can_post, avatar_url, sync)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Handle, a.Secret, string(a.Privilege), a.Active, a.Online,
			formatTime(a.LastSeen), a.CanPost, a.AvatarURL, string(a.Sync)); err != nil {
			return fmt.Errorf("failed to save account %s: %w", a.ID, err)
		}
	}
	for _, m := range messages {
		if _, err := tx.ExecContext(ctx, /*language=sqlite*/
			`INSERT INTO messages (id, sender_id, recipient_id, body, created_at, status, is_system, sync)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SenderID, m.RecipientID, m.Body,
			formatTime(m.CreatedAt), string(m.Status), m.System, string(m.Sync)); err != nil {
			return fmt.Errorf("failed to save message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
