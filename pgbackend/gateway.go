// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package pgbackend implements the chatsync gateway and change feed against a
// PostgreSQL backend. Rows travel as JSON (row_to_json on every read path and
// in the notification payload), so bulk fetches, write confirmations and feed
// events all share one decoding path.
package pgbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-chatsync/chatsync"
)

// Gateway is a chatsync.Gateway backed by a pgx connection pool.
type Gateway struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu          sync.Mutex
	schemaReady bool
}

// NewGateway creates the gateway and ensures the backend schema exists. An
// unreachable backend is not fatal here; schema setup is retried on the first
// successful call so the engine can start fully offline.
func NewGateway(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Gateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{pool: pool, logger: logger}
	if err := g.ensureSchema(ctx); err != nil {
		if !errors.Is(err, chatsync.ErrUnreachable) {
			return nil, err
		}
		logger.Warn("backend unreachable, deferring schema setup", "error", err)
	}
	return g, nil
}

func (g *Gateway) ensureSchema(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.schemaReady {
		return nil
	}
	if err := EnsureSchema(ctx, g.pool); err != nil {
		return classify("ensure schema", err)
	}
	g.schemaReady = true
	return nil
}

// FetchAccounts returns every account, mapped to the domain model.
func (g *Gateway) FetchAccounts(ctx context.Context) ([]chatsync.Account, error) {
	if err := g.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := g.pool.Query(ctx, /*language=postgresql*/
		`SELECT row_to_json(u) FROM users u ORDER BY u.username`)
	if err != nil {
		return nil, classify("fetch accounts", err)
	}
	defer rows.Close()

	var out []chatsync.Account
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, classify("fetch accounts", err)
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, fmt.Errorf("fetch accounts: bad row: %w", err)
		}
		out = append(out, accountFromRow(row))
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch accounts", err)
	}
	return out, nil
}

// FetchMessages returns every message ordered by creation timestamp.
func (g *Gateway) FetchMessages(ctx context.Context) ([]chatsync.Message, error) {
	if err := g.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := g.pool.Query(ctx, /*language=postgresql*/
		`SELECT row_to_json(m) FROM messages m ORDER BY m."timestamp"`)
	if err != nil {
		return nil, classify("fetch messages", err)
	}
	defer rows.Close()

	var out []chatsync.Message
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, classify("fetch messages", err)
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, fmt.Errorf("fetch messages: bad row: %w", err)
		}
		out = append(out, messageFromRow(row))
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch messages", err)
	}
	return out, nil
}

// Login authenticates by handle. The lookup is by handle alone so the three
// failure reasons (unknown handle, wrong secret, suspended) stay
// distinguishable.
func (g *Gateway) Login(ctx context.Context, handle, secret string) (*chatsync.Account, error) {
	if err := g.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := g.pool.QueryRow(ctx, /*language=postgresql*/
		`SELECT row_to_json(u) FROM users u WHERE u.username = $1`, handle).Scan(&data)
	if err != nil {
		cerr := classify("login", err)
		if errors.Is(cerr, chatsync.ErrNotFound) {
			return nil, &chatsync.AuthError{Reason: chatsync.AuthUnknownHandle}
		}
		return nil, cerr
	}
	row, err := decodeRow(data)
	if err != nil {
		return nil, fmt.Errorf("login: bad row: %w", err)
	}
	acct := accountFromRow(row)
	if acct.Secret != secret {
		return nil, &chatsync.AuthError{Reason: chatsync.AuthWrongSecret}
	}
	if !acct.Active {
		return nil, &chatsync.AuthError{Reason: chatsync.AuthSuspended}
	}
	return &acct, nil
}

// CreateAccount inserts a new account and returns the stored row.
func (g *Gateway) CreateAccount(ctx context.Context, na chatsync.NewAccount) (*chatsync.Account, error) {
	if err := g.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var data []byte
	err := g.execReturning(ctx, &data, /*language=postgresql*/
		`WITH ins AS (
			INSERT INTO users (id, username, password, role, is_online, is_active, last_seen, can_post, avatar_url)
			VALUES ($1, $2, $3, $4, FALSE, TRUE, now(), $5, $6)
			RETURNING *
		) SELECT row_to_json(ins) FROM ins`,
		uuid.NewString(), na.Handle, na.Secret, roleFromPrivilege(na.Privilege), na.CanPost, na.AvatarURL)
	if err != nil {
		return nil, classify("create account", err)
	}
	row, err := decodeRow(data)
	if err != nil {
		return nil, fmt.Errorf("create account: bad row: %w", err)
	}
	acct := accountFromRow(row)
	return &acct, nil
}

// MutateAccount applies a sparse update and returns the stored row.
func (g *Gateway) MutateAccount(ctx context.Context, id string, patch chatsync.AccountPatch) (*chatsync.Account, error) {
	if err := g.ensureSchema(ctx); err != nil {
		return nil, err
	}
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)
	args = append(args, id)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Secret != nil {
		add("password", *patch.Secret)
	}
	if patch.Privilege != nil {
		add("role", roleFromPrivilege(*patch.Privilege))
	}
	if patch.Active != nil {
		add("is_active", *patch.Active)
	}
	if patch.Online != nil {
		add("is_online", *patch.Online)
	}
	if patch.LastSeen != nil {
		add("last_seen", *patch.LastSeen)
	}
	if patch.CanPost != nil {
		add("can_post", *patch.CanPost)
	}
	if patch.AvatarURL != nil {
		add("avatar_url", *patch.AvatarURL)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("mutate account: empty patch")
	}

	query := fmt.Sprintf( /*language=postgresql*/
		`WITH upd AS (
			UPDATE users SET %s WHERE id = $1
			RETURNING *
		) SELECT row_to_json(upd) FROM upd`, strings.Join(sets, ", "))

	var data []byte
	if err := g.execReturning(ctx, &data, query, args...); err != nil {
		return nil, classify("mutate account", err)
	}
	row, err := decodeRow(data)
	if err != nil {
		return nil, fmt.Errorf("mutate account: bad row: %w", err)
	}
	acct := accountFromRow(row)
	return &acct, nil
}

// SendMessage inserts a message and returns the stored row. A non-zero
// CreatedAt in the draft preserves the original (offline) creation time.
func (g *Gateway) SendMessage(ctx context.Context, draft chatsync.MessageDraft) (*chatsync.Message, error) {
	if err := g.ensureSchema(ctx); err != nil {
		return nil, err
	}
	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var recipient any
	if draft.RecipientID != "" {
		recipient = draft.RecipientID
	}

	var data []byte
	err := g.execReturning(ctx, &data, /*language=postgresql*/
		`WITH ins AS (
			INSERT INTO messages (id, sender_id, receiver_id, content, "timestamp", status, is_system)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING *
		) SELECT row_to_json(ins) FROM ins`,
		uuid.NewString(), draft.SenderID, recipient, draft.Body, createdAt, statusSent, draft.System)
	if err != nil {
		return nil, classify("send message", err)
	}
	row, err := decodeRow(data)
	if err != nil {
		return nil, fmt.Errorf("send message: bad row: %w", err)
	}
	msg := messageFromRow(row)
	return &msg, nil
}

// MarkRead bulk-advances one conversation direction to read. Already-read
// rows are left alone so the triggers fire only for actual changes.
func (g *Gateway) MarkRead(ctx context.Context, senderID, recipientID string) error {
	if err := g.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := g.pool.Exec(ctx, /*language=postgresql*/
		`UPDATE messages SET status = $3
		 WHERE sender_id = $1 AND COALESCE(receiver_id, '') = $2 AND status <> $3`,
		senderID, recipientID, statusRead)
	return classify("mark read", err)
}

// DeleteMessage removes a message row.
func (g *Gateway) DeleteMessage(ctx context.Context, id string) error {
	if err := g.ensureSchema(ctx); err != nil {
		return err
	}
	tag, err := g.pool.Exec(ctx, /*language=postgresql*/
		`DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return classify("delete message", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete message %q: %w", id, chatsync.ErrNotFound)
	}
	return nil
}

// execReturning runs a single-row write-returning statement, retrying once on
// transient transaction errors (serialization failures, deadlocks).
func (g *Gateway) execReturning(ctx context.Context, dest *[]byte, query string, args ...any) error {
	err := g.pool.QueryRow(ctx, query, args...).Scan(dest)
	if err != nil && isRetryablePGTxError(err) {
		g.logger.Debug("retrying transient backend error", "error", err)
		err = g.pool.QueryRow(ctx, query, args...).Scan(dest)
	}
	return err
}
