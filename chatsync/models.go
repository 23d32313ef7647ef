// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package chatsync provides a client-side data layer for a small-team chat
// application. It keeps an in-memory mirror of two collections (accounts and
// messages) synchronized with a remote relational backend, applies optimistic
// local mutations before server confirmation, reconciles optimistic and
// server-confirmed records without duplication, and falls back to a persisted
// local snapshot while the backend is unreachable.
package chatsync

import (
	"time"

	"github.com/google/uuid"
)

// Privilege is an account's privilege tier.
type Privilege string

const (
	PrivilegeStandard Privilege = "standard"
	PrivilegeAdmin    Privilege = "administrator"
)

// SyncState marks whether the remote backend has acknowledged a record.
// Records created locally start as SyncPending and become SyncConfirmed
// exactly once, during reconciliation.
type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncConfirmed SyncState = "confirmed"
)

// DeliveryStatus is a message's delivery state. It only ever moves forward
// (sent -> delivered -> read), never backward.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// rank orders delivery statuses for the forward-only invariant.
// Unknown statuses rank lowest so they never clobber a known one.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// maxStatus returns the further-advanced of two delivery statuses.
func maxStatus(a, b DeliveryStatus) DeliveryStatus {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Account represents a team member.
type Account struct {
	ID        string
	Handle    string
	Secret    string // plaintext, mirrors the backend "password" column
	Privilege Privilege
	Active    bool // false = suspended; accounts are never hard-deleted
	Online    bool
	LastSeen  time.Time
	CanPost   bool
	AvatarURL string
	Sync      SyncState
}

// Message represents one chat utterance.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string // empty = broadcast to all
	Body        string
	CreatedAt   time.Time
	Status      DeliveryStatus
	System      bool // automated/broadcast notice rather than a user message
	Sync        SyncState
}

// Broadcast reports whether the message has no specific recipient.
func (m *Message) Broadcast() bool { return m.RecipientID == "" }

// NewLocalID mints an id for a locally originated, not-yet-confirmed record.
// The permanent backend-assigned id replaces it exactly once, during
// reconciliation; nothing about the id's shape is significant.
func NewLocalID() string {
	return uuid.NewString()
}

// MessageDraft carries the caller-supplied fields of a send operation.
type MessageDraft struct {
	SenderID    string
	RecipientID string // empty = broadcast
	Body        string
	System      bool
	// CreatedAt, when non-zero, asks the backend to store this creation time
	// instead of its own clock. The engine sets it when pushing records that
	// were created while offline, so ordering survives the reconnect.
	CreatedAt time.Time
}

// NewAccount carries the caller-supplied fields of an account creation.
type NewAccount struct {
	Handle    string
	Secret    string
	Privilege Privilege
	CanPost   bool
	AvatarURL string
}

// AccountPatch is a sparse account update; only non-nil fields are changed.
type AccountPatch struct {
	Secret    *string
	Privilege *Privilege
	Active    *bool
	Online    *bool
	LastSeen  *time.Time
	CanPost   *bool
	AvatarURL *string
}

// IsZero reports whether the patch changes nothing.
func (p *AccountPatch) IsZero() bool {
	return p.Secret == nil && p.Privilege == nil && p.Active == nil &&
		p.Online == nil && p.LastSeen == nil && p.CanPost == nil && p.AvatarURL == nil
}

// FeedEvent is one row-level change delivered by the backend's change feed,
// already mapped into the domain model. Exactly one of Account or Message is
// set. For OpDelete events only the record id is meaningful.
type FeedEvent struct {
	Op      string // OpInsert, OpUpdate or OpDelete
	Account *Account
	Message *Message
}
