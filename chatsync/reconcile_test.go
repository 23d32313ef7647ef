// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func pendingMsg(id, sender, recipient, body string, at time.Time) Message {
	return Message{
		ID: id, SenderID: sender, RecipientID: recipient, Body: body,
		CreatedAt: at, Status: StatusSent, Sync: SyncPending,
	}
}

func confirmedMsg(id, sender, recipient, body string, at time.Time) Message {
	return Message{
		ID: id, SenderID: sender, RecipientID: recipient, Body: body,
		CreatedAt: at, Status: StatusSent, Sync: SyncConfirmed,
	}
}

func TestDeliveryStatusRank(t *testing.T) {
	tests := []struct {
		a, b DeliveryStatus
		want DeliveryStatus
	}{
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusRead, StatusSent, StatusRead},
		{StatusDelivered, StatusDelivered, StatusDelivered},
		{StatusRead, "bogus", StatusRead},
		{"", StatusSent, StatusSent},
	}
	for _, tt := range tests {
		if got := maxStatus(tt.a, tt.b); got != tt.want {
			t.Errorf("maxStatus(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMatchesPlaceholder(t *testing.T) {
	local := pendingMsg("local-1", "u1", "", "hello", baseTime)
	tolerance := 5 * time.Second

	tests := []struct {
		name      string
		confirmed Message
		want      bool
	}{
		{"exact match", confirmedMsg("srv-1", "u1", "", "hello", baseTime), true},
		{"within tolerance", confirmedMsg("srv-1", "u1", "", "hello", baseTime.Add(3*time.Second)), true},
		{"server clock behind", confirmedMsg("srv-1", "u1", "", "hello", baseTime.Add(-3*time.Second)), true},
		{"outside tolerance", confirmedMsg("srv-1", "u1", "", "hello", baseTime.Add(6*time.Second)), false},
		{"different body", confirmedMsg("srv-1", "u1", "", "hi", baseTime), false},
		{"different sender", confirmedMsg("srv-1", "u2", "", "hello", baseTime), false},
		{"different recipient", confirmedMsg("srv-1", "u1", "u3", "hello", baseTime), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesPlaceholder(&local, &tt.confirmed, tolerance); got != tt.want {
				t.Errorf("matchesPlaceholder() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("confirmed local never matches", func(t *testing.T) {
		settled := confirmedMsg("srv-0", "u1", "", "hello", baseTime)
		dup := confirmedMsg("srv-1", "u1", "", "hello", baseTime)
		if matchesPlaceholder(&settled, &dup, tolerance) {
			t.Error("a confirmed record must not be treated as a placeholder")
		}
	})
}

func TestReconcileMessageReplacesPlaceholder(t *testing.T) {
	msgs := []Message{
		confirmedMsg("srv-1", "u1", "", "earlier", baseTime.Add(-time.Minute)),
		pendingMsg("local-1", "u2", "", "hello", baseTime),
	}

	confirmed := confirmedMsg("srv-2", "u2", "", "hello", baseTime.Add(time.Second))
	msgs, changed := reconcileMessage(msgs, confirmed, 5*time.Second)

	require.True(t, changed)
	require.Len(t, msgs, 2)
	require.Equal(t, "srv-2", msgs[1].ID)
	require.Equal(t, SyncConfirmed, msgs[1].Sync)
}

func TestReconcileMessageDuplicateDelivery(t *testing.T) {
	msgs := []Message{pendingMsg("local-1", "u2", "", "hello", baseTime)}
	confirmed := confirmedMsg("srv-2", "u2", "", "hello", baseTime)

	// Direct confirmation first, then the same record replayed via the feed.
	msgs, changed := reconcileMessage(msgs, confirmed, 5*time.Second)
	require.True(t, changed)
	msgs, changed = reconcileMessage(msgs, confirmed, 5*time.Second)
	require.False(t, changed, "second delivery must be a no-op")
	require.Len(t, msgs, 1)
	require.Equal(t, "srv-2", msgs[0].ID)
}

func TestReconcileMessageReplayLeavesTwinPlaceholderAlone(t *testing.T) {
	// Two identical quick sends produce two placeholders with matching
	// content. A replayed confirmation of the first must hit its permanent
	// id in place, not consume the second placeholder.
	msgs := []Message{
		pendingMsg("local-1", "u2", "", "hello", baseTime),
		pendingMsg("local-2", "u2", "", "hello", baseTime.Add(time.Second)),
	}
	confirmed := confirmedMsg("srv-1", "u2", "", "hello", baseTime)

	msgs, changed := reconcileMessage(msgs, confirmed, 5*time.Second)
	require.True(t, changed)

	msgs, changed = reconcileMessage(msgs, confirmed, 5*time.Second)
	require.False(t, changed, "replayed confirmation must be a no-op")
	require.Len(t, msgs, 2)

	ids := map[string]int{}
	for _, m := range msgs {
		ids[m.ID]++
	}
	require.Equal(t, 1, ids["srv-1"], "permanent id must appear exactly once")
	require.Equal(t, 1, ids["local-2"], "second placeholder must survive the replay")

	// The twin's own confirmation still lands on its placeholder.
	second := confirmedMsg("srv-2", "u2", "", "hello", baseTime.Add(time.Second))
	msgs, changed = reconcileMessage(msgs, second, 5*time.Second)
	require.True(t, changed)
	require.Len(t, msgs, 2)
	require.Equal(t, "srv-1", msgs[0].ID)
	require.Equal(t, "srv-2", msgs[1].ID)
}

func TestReconcileMessageStatusNeverRegresses(t *testing.T) {
	msgs := []Message{confirmedMsg("srv-1", "u1", "", "hello", baseTime)}
	msgs[0].Status = StatusRead

	stale := confirmedMsg("srv-1", "u1", "", "hello", baseTime)
	stale.Status = StatusSent
	msgs, _ = reconcileMessage(msgs, stale, 5*time.Second)

	require.Equal(t, StatusRead, msgs[0].Status)
}

func TestReconcileMessageUnknownAppendsSorted(t *testing.T) {
	msgs := []Message{
		confirmedMsg("srv-1", "u1", "", "a", baseTime),
		confirmedMsg("srv-3", "u1", "", "c", baseTime.Add(2*time.Minute)),
	}
	middle := confirmedMsg("srv-2", "u2", "", "b", baseTime.Add(time.Minute))
	msgs, changed := reconcileMessage(msgs, middle, 5*time.Second)

	require.True(t, changed)
	require.Equal(t, []string{"srv-1", "srv-2", "srv-3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestSortMessagesStableOnTies(t *testing.T) {
	msgs := []Message{
		confirmedMsg("first", "u1", "", "a", baseTime),
		confirmedMsg("second", "u1", "", "b", baseTime),
		confirmedMsg("third", "u1", "", "c", baseTime),
	}
	sortMessages(msgs)
	require.Equal(t, "first", msgs[0].ID)
	require.Equal(t, "second", msgs[1].ID)
	require.Equal(t, "third", msgs[2].ID)
}

func TestRemoveMessage(t *testing.T) {
	msgs := []Message{
		confirmedMsg("srv-1", "u1", "", "a", baseTime),
		confirmedMsg("srv-2", "u1", "", "b", baseTime.Add(time.Second)),
	}
	msgs, removed := removeMessage(msgs, "srv-1")
	require.True(t, removed)
	require.Len(t, msgs, 1)

	msgs, removed = removeMessage(msgs, "nope")
	require.False(t, removed)
	require.Len(t, msgs, 1)
}

func TestReconcileAccount(t *testing.T) {
	accts := []Account{
		{ID: "local-1", Handle: "bob", Secret: "pw", Active: true, Sync: SyncPending},
	}

	confirmed := Account{ID: "srv-1", Handle: "bob", Secret: "pw", Active: true, Sync: SyncConfirmed}
	accts, changed := reconcileAccount(accts, confirmed)
	require.True(t, changed)
	require.Len(t, accts, 1)
	require.Equal(t, "srv-1", accts[0].ID)

	// Replay is idempotent.
	accts, changed = reconcileAccount(accts, confirmed)
	require.False(t, changed)
	require.Len(t, accts, 1)

	// Unknown accounts append.
	other := Account{ID: "srv-2", Handle: "carol", Sync: SyncConfirmed}
	accts, changed = reconcileAccount(accts, other)
	require.True(t, changed)
	require.Len(t, accts, 2)
}

func TestMergeFetchedMessages(t *testing.T) {
	tolerance := 5 * time.Second
	local := []Message{
		confirmedMsg("srv-1", "u1", "", "a", baseTime),
		pendingMsg("local-1", "u2", "", "offline note", baseTime.Add(time.Minute)),
		pendingMsg("local-2", "u2", "", "confirmed meanwhile", baseTime.Add(2*time.Minute)),
	}
	local[0].Status = StatusRead // advanced locally, fetch still says sent

	fetched := []Message{
		confirmedMsg("srv-1", "u1", "", "a", baseTime),
		confirmedMsg("srv-2", "u2", "", "confirmed meanwhile", baseTime.Add(2*time.Minute)),
	}

	merged := mergeFetchedMessages(local, fetched, tolerance)

	require.Len(t, merged, 3)
	require.Equal(t, "srv-1", merged[0].ID)
	require.Equal(t, StatusRead, merged[0].Status, "locally advanced status must survive a stale fetch")
	require.Equal(t, "local-1", merged[1].ID, "unmatched pending record must survive")
	require.Equal(t, "srv-2", merged[2].ID, "matched pending record must be replaced, not duplicated")
}

func TestMergeFetchedAccounts(t *testing.T) {
	local := []Account{
		{ID: "srv-1", Handle: "admin", Sync: SyncConfirmed},
		{ID: "local-1", Handle: "dave", Sync: SyncPending},
		{ID: "local-2", Handle: "erin", Sync: SyncPending},
	}
	fetched := []Account{
		{ID: "srv-1", Handle: "admin"},
		{ID: "srv-9", Handle: "erin"}, // claimed remotely while offline
	}

	merged := mergeFetchedAccounts(local, fetched)

	require.Len(t, merged, 3)
	require.Equal(t, "srv-1", merged[0].ID)
	require.Equal(t, SyncConfirmed, merged[0].Sync)
	require.Equal(t, "srv-9", merged[1].ID)
	require.Equal(t, "local-1", merged[2].ID, "only the still-unknown pending account survives")
}
