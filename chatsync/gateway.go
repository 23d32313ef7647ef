// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package chatsync

import "context"

// Gateway issues CRUD operations and bulk reads against the remote backend
// and maps backend rows to the domain model. Every call must fail fast with
// an error wrapping ErrUnreachable when the backend cannot be reached, so the
// orchestrator can demote to offline mode immediately instead of hanging.
type Gateway interface {
	// FetchAccounts returns the full account collection.
	FetchAccounts(ctx context.Context) ([]Account, error)

	// FetchMessages returns the full message collection ordered by creation
	// timestamp ascending.
	FetchMessages(ctx context.Context) ([]Message, error)

	// Login looks an account up by handle and checks the secret and the
	// activity flag. Failures are *AuthError with a distinct reason for
	// unknown handle, wrong secret, and suspended account.
	Login(ctx context.Context, handle, secret string) (*Account, error)

	// CreateAccount persists a new account and returns the authoritative
	// stored record. Fails with ErrDuplicateHandle when the handle is
	// already confirmed-unique.
	CreateAccount(ctx context.Context, acct NewAccount) (*Account, error)

	// MutateAccount applies a sparse update; only fields present in the
	// patch are changed. Fails with ErrNotFound on an unknown id.
	MutateAccount(ctx context.Context, id string, patch AccountPatch) (*Account, error)

	// SendMessage persists a message remotely and returns the authoritative
	// stored record with its canonical id and timestamp.
	SendMessage(ctx context.Context, draft MessageDraft) (*Message, error)

	// MarkRead bulk-advances delivery status to read for one conversation
	// direction.
	MarkRead(ctx context.Context, senderID, recipientID string) error

	// DeleteMessage removes a message (administrator action). Fails with
	// ErrNotFound on an unknown id.
	DeleteMessage(ctx context.Context, id string) error
}

// FeedSource is a server-pushed stream of row-level change events. Listen
// blocks, delivering mapped events to apply, until ctx is canceled or the
// transport drops; a non-nil return while ctx is still live means the feed is
// gone and the orchestrator should fall back to polling.
type FeedSource interface {
	Listen(ctx context.Context, apply func(FeedEvent)) error
}

// SnapshotStore persists the last known good copy of both collections.
// Load never fails: corrupt or missing data yields empty collections so the
// orchestrator can proceed to bootstrap fresh state. Save failures are
// logged by the caller and not propagated, since the in-memory state remains
// authoritative for the session.
type SnapshotStore interface {
	Load(ctx context.Context) ([]Account, []Message)
	Save(ctx context.Context, accounts []Account, messages []Message) error
}
