// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgbackend

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mobiletoly/go-chatsync/chatsync"
)

// Row decoding for the backend's JSON row representation. Every read path
// (bulk fetch, write-returning and the change feed) goes through row_to_json,
// so this is the single place where backend rows become domain records.

// Backend enum spellings. The domain keeps its own vocabulary; translation
// happens only here.
const (
	roleAdmin  = "ADMIN"
	roleMember = "MEMBER"

	statusSent      = "SENT"
	statusDelivered = "DELIVERED"
	statusRead      = "READ"
)

func privilegeFromRole(role string) chatsync.Privilege {
	if role == roleAdmin {
		return chatsync.PrivilegeAdmin
	}
	return chatsync.PrivilegeStandard
}

func roleFromPrivilege(p chatsync.Privilege) string {
	if p == chatsync.PrivilegeAdmin {
		return roleAdmin
	}
	return roleMember
}

func statusFromBackend(s string) chatsync.DeliveryStatus {
	switch s {
	case statusDelivered:
		return chatsync.StatusDelivered
	case statusRead:
		return chatsync.StatusRead
	default:
		return chatsync.StatusSent
	}
}

func backendStatus(s chatsync.DeliveryStatus) string {
	switch s {
	case chatsync.StatusDelivered:
		return statusDelivered
	case chatsync.StatusRead:
		return statusRead
	default:
		return statusSent
	}
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// Values above it cannot be a plausible seconds timestamp.
const epochMillisThreshold = int64(1e12)

// normalizeTime accepts every timestamp encoding the backend has been
// observed to emit (RFC 3339 strings with or without sub-second precision,
// "YYYY-MM-DD hh:mm:ss" strings, epoch numbers in seconds or milliseconds,
// and numeric strings) and returns a canonical time. Unparseable or absent
// values yield the zero time; callers treat that as "unknown".
func normalizeTime(v any) time.Time {
	switch t := v.(type) {
	case nil:
		return time.Time{}
	case time.Time:
		return t
	case string:
		return timeFromString(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return timeFromEpoch(n)
		}
		if f, err := t.Float64(); err == nil {
			return timeFromEpoch(int64(f))
		}
		return time.Time{}
	case float64:
		return timeFromEpoch(int64(t))
	case int64:
		return timeFromEpoch(t)
	case int:
		return timeFromEpoch(int64(t))
	default:
		return time.Time{}
	}
}

func timeFromString(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	// Numeric string, e.g. "1700000000000".
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return timeFromEpoch(n)
	}
	return time.Time{}
}

func timeFromEpoch(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n >= epochMillisThreshold {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

// accountFromRow maps one users row (as decoded JSON) to a domain account.
func accountFromRow(row map[string]any) chatsync.Account {
	return chatsync.Account{
		ID:        asString(row["id"]),
		Handle:    asString(row["username"]),
		Secret:    asString(row["password"]),
		Privilege: privilegeFromRole(asString(row["role"])),
		Active:    asBool(row["is_active"]),
		Online:    asBool(row["is_online"]),
		LastSeen:  normalizeTime(row["last_seen"]),
		CanPost:   asBool(row["can_post"]),
		AvatarURL: asString(row["avatar_url"]),
		Sync:      chatsync.SyncConfirmed,
	}
}

// messageFromRow maps one messages row (as decoded JSON) to a domain message.
// A NULL receiver_id means broadcast; the creation time may ride under either
// "timestamp" or "created_at" depending on the backend's age.
func messageFromRow(row map[string]any) chatsync.Message {
	createdAt := normalizeTime(row["timestamp"])
	if createdAt.IsZero() {
		createdAt = normalizeTime(row["created_at"])
	}
	return chatsync.Message{
		ID:          asString(row["id"]),
		SenderID:    asString(row["sender_id"]),
		RecipientID: asString(row["receiver_id"]),
		Body:        asString(row["content"]),
		CreatedAt:   createdAt,
		Status:      statusFromBackend(asString(row["status"])),
		System:      asBool(row["is_system"]),
		Sync:        chatsync.SyncConfirmed,
	}
}

func decodeRow(data []byte) (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
