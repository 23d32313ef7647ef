// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgbackend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying row-level change events.
const notifyChannel = "chatsync_changes"

// EnsureSchema creates the backend tables and the change-notification
// triggers if they don't exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS users (
				id         TEXT PRIMARY KEY,
				username   TEXT NOT NULL UNIQUE,
				password   TEXT NOT NULL,
				role       TEXT NOT NULL CHECK (role IN ('ADMIN','MEMBER')),
				is_online  BOOLEAN NOT NULL DEFAULT FALSE,
				is_active  BOOLEAN NOT NULL DEFAULT TRUE,
				last_seen  TIMESTAMPTZ NOT NULL DEFAULT now(),
				can_post   BOOLEAN NOT NULL DEFAULT TRUE,
				avatar_url TEXT NOT NULL DEFAULT ''
			)`,

			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS messages (
				id          TEXT PRIMARY KEY,
				sender_id   TEXT NOT NULL,
				receiver_id TEXT,
				content     TEXT NOT NULL,
				"timestamp" TIMESTAMPTZ NOT NULL DEFAULT now(),
				status      TEXT NOT NULL DEFAULT 'SENT' CHECK (status IN ('SENT','DELIVERED','READ')),
				is_system   BOOLEAN NOT NULL DEFAULT FALSE
			)`,

			/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_messages_timestamp
				ON messages ("timestamp")`,

			// Row-level change feed. The whole row rides in the notification
			// payload; pg_notify caps payloads at 8000 bytes, which short chat
			// rows stay well under.
			/*language=postgresql*/ `CREATE OR REPLACE FUNCTION chatsync_notify() RETURNS trigger AS $$
			DECLARE
				rec RECORD;
			BEGIN
				IF TG_OP = 'DELETE' THEN
					rec := OLD;
				ELSE
					rec := NEW;
				END IF;
				PERFORM pg_notify('chatsync_changes', json_build_object(
					'table', TG_TABLE_NAME,
					'op', TG_OP,
					'row', row_to_json(rec)
				)::text);
				RETURN rec;
			END;
			$$ LANGUAGE plpgsql`,

			/*language=postgresql*/ `DROP TRIGGER IF EXISTS users_chatsync_notify ON users`,
			/*language=postgresql*/ `CREATE TRIGGER users_chatsync_notify
				AFTER INSERT OR UPDATE OR DELETE ON users
				FOR EACH ROW EXECUTE FUNCTION chatsync_notify()`,

			/*language=postgresql*/ `DROP TRIGGER IF EXISTS messages_chatsync_notify ON messages`,
			/*language=postgresql*/ `CREATE TRIGGER messages_chatsync_notify
				AFTER INSERT OR UPDATE OR DELETE ON messages
				FOR EACH ROW EXECUTE FUNCTION chatsync_notify()`,
		}

		for i, migration := range migrations {
			if _, err := tx.Exec(ctx, migration); err != nil {
				return fmt.Errorf("failed to execute schema migration %d: %w", i+1, err)
			}
		}
		return nil
	})
}
