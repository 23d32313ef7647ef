// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-chatsync/chatsync"
)

// Feed is a chatsync.FeedSource backed by LISTEN/NOTIFY. The schema triggers
// publish every row change on a single channel with the full row in the
// payload, so no follow-up query is needed to materialize an event.
type Feed struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewFeed creates the change feed source.
func NewFeed(pool *pgxpool.Pool, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{pool: pool, logger: logger}
}

// Listen holds a dedicated connection on the notification channel and
// delivers mapped events until ctx ends or the connection drops. Malformed
// payloads are logged and skipped; the periodic refresh repairs any event the
// feed loses.
func (f *Feed) Listen(ctx context.Context, apply func(chatsync.FeedEvent)) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return classify("feed acquire", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return classify("feed listen", err)
	}
	f.logger.Debug("change feed attached", "channel", notifyChannel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classify("feed wait", err)
		}
		ev, err := eventFromPayload([]byte(notification.Payload))
		if err != nil {
			f.logger.Warn("skipping malformed feed payload", "error", err)
			continue
		}
		apply(ev)
	}
}

// notifyPayload mirrors the JSON built by the chatsync_notify trigger.
type notifyPayload struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	Row   json.RawMessage `json:"row"`
}

func eventFromPayload(data []byte) (chatsync.FeedEvent, error) {
	var p notifyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return chatsync.FeedEvent{}, fmt.Errorf("bad notification envelope: %w", err)
	}
	switch p.Op {
	case chatsync.OpInsert, chatsync.OpUpdate, chatsync.OpDelete:
	default:
		return chatsync.FeedEvent{}, fmt.Errorf("unknown op %q", p.Op)
	}

	row, err := decodeRow(p.Row)
	if err != nil {
		return chatsync.FeedEvent{}, fmt.Errorf("bad notification row: %w", err)
	}

	switch p.Table {
	case "users":
		acct := accountFromRow(row)
		return chatsync.FeedEvent{Op: p.Op, Account: &acct}, nil
	case "messages":
		msg := messageFromRow(row)
		return chatsync.FeedEvent{Op: p.Op, Message: &msg}, nil
	default:
		return chatsync.FeedEvent{}, fmt.Errorf("unknown table %q", p.Table)
	}
}
