// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"sort"
	"time"
)

// Reconciliation merges server-confirmed records into the in-memory
// collections. Confirmed copies arrive from two producers (direct gateway
// responses and the change feed), possibly more than once and out of order,
// so every rule here is idempotent and order-tolerant.

// matchesPlaceholder reports whether a local optimistic record is the
// placeholder for a confirmed record: same sender, same recipient (or both
// broadcast), same body, and creation timestamps within the tolerance window.
// The match is content-based because a placeholder's locally minted id can
// never equal a server-assigned id.
func matchesPlaceholder(local, confirmed *Message, tolerance time.Duration) bool {
	if local.Sync != SyncPending {
		return false
	}
	if local.SenderID != confirmed.SenderID ||
		local.RecipientID != confirmed.RecipientID ||
		local.Body != confirmed.Body {
		return false
	}
	d := confirmed.CreatedAt.Sub(local.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// messageEqual compares two messages field by field, tolerating timestamps
// that differ only in wall-clock representation.
func messageEqual(a, b *Message) bool {
	return a.ID == b.ID &&
		a.SenderID == b.SenderID &&
		a.RecipientID == b.RecipientID &&
		a.Body == b.Body &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.Status == b.Status &&
		a.System == b.System &&
		a.Sync == b.Sync
}

func accountEqual(a, b *Account) bool {
	return a.ID == b.ID &&
		a.Handle == b.Handle &&
		a.Secret == b.Secret &&
		a.Privilege == b.Privilege &&
		a.Active == b.Active &&
		a.Online == b.Online &&
		a.LastSeen.Equal(b.LastSeen) &&
		a.CanPost == b.CanPost &&
		a.AvatarURL == b.AvatarURL &&
		a.Sync == b.Sync
}

// sortMessages orders by creation timestamp ascending; the stable sort keeps
// insertion order for ties.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// reconcileMessage folds one server-confirmed message into the collection.
// It returns the updated slice and whether anything changed.
//
//  1. A record with the same permanent id is overwritten in place (duplicate
//     delivery, e.g. replay after reconnect) rather than duplicated. This
//     check runs first: a replayed confirmation must never content-match a
//     second identical placeholder (two quick sends of the same text) and
//     consume it.
//  2. Otherwise a matching optimistic placeholder is replaced in place,
//     preserving its position in the ordered sequence. This is the only way
//     a temporary id transitions to a permanent one.
//  3. Otherwise the record is appended and the collection re-sorted.
//
// Delivery status only ever advances, regardless of what the confirmed copy
// claims.
func reconcileMessage(msgs []Message, confirmed Message, tolerance time.Duration) ([]Message, bool) {
	confirmed.Sync = SyncConfirmed

	for i := range msgs {
		if msgs[i].ID == confirmed.ID {
			confirmed.Status = maxStatus(msgs[i].Status, confirmed.Status)
			if messageEqual(&msgs[i], &confirmed) {
				return msgs, false
			}
			msgs[i] = confirmed
			return msgs, true
		}
	}

	for i := range msgs {
		if matchesPlaceholder(&msgs[i], &confirmed, tolerance) {
			confirmed.Status = maxStatus(msgs[i].Status, confirmed.Status)
			msgs[i] = confirmed
			return msgs, true
		}
	}

	msgs = append(msgs, confirmed)
	sortMessages(msgs)
	return msgs, true
}

// removeMessage drops a message by id (administrator delete, or a DELETE feed
// event). Unknown ids are a no-op.
func removeMessage(msgs []Message, id string) ([]Message, bool) {
	for i := range msgs {
		if msgs[i].ID == id {
			return append(msgs[:i], msgs[i+1:]...), true
		}
	}
	return msgs, false
}

// reconcileAccount folds one server-confirmed account into the collection.
// Accounts match by permanent id first, then by handle against a pending
// placeholder (the confirmed counterpart of an account created while
// offline). Unmatched records are appended.
func reconcileAccount(accts []Account, confirmed Account) ([]Account, bool) {
	confirmed.Sync = SyncConfirmed

	for i := range accts {
		if accts[i].ID == confirmed.ID {
			if accountEqual(&accts[i], &confirmed) {
				return accts, false
			}
			accts[i] = confirmed
			return accts, true
		}
	}

	for i := range accts {
		if accts[i].Sync == SyncPending && accts[i].Handle == confirmed.Handle {
			accts[i] = confirmed
			return accts, true
		}
	}

	return append(accts, confirmed), true
}

// mergeFetchedMessages rebuilds the collection from a full remote fetch.
// The fetched rows are authoritative; local pending records survive unless a
// fetched row content-matches them (in which case the fetched row already is
// their confirmed counterpart). Locally advanced delivery statuses are kept
// so a stale fetch cannot regress them.
func mergeFetchedMessages(local, fetched []Message, tolerance time.Duration) []Message {
	statusByID := make(map[string]DeliveryStatus, len(local))
	for i := range local {
		statusByID[local[i].ID] = local[i].Status
	}

	merged := make([]Message, 0, len(fetched)+4)
	for _, m := range fetched {
		m.Sync = SyncConfirmed
		if st, ok := statusByID[m.ID]; ok {
			m.Status = maxStatus(m.Status, st)
		}
		merged = append(merged, m)
	}

	for i := range local {
		if local[i].Sync != SyncPending {
			continue
		}
		matched := false
		for j := range merged {
			if matchesPlaceholder(&local[i], &merged[j], tolerance) {
				matched = true
				break
			}
		}
		if !matched {
			merged = append(merged, local[i])
		}
	}

	sortMessages(merged)
	return merged
}

// mergeFetchedAccounts rebuilds the account collection from a full remote
// fetch, keeping local pending accounts whose handle the backend does not
// know yet.
func mergeFetchedAccounts(local, fetched []Account) []Account {
	handles := make(map[string]bool, len(fetched))
	merged := make([]Account, 0, len(fetched)+2)
	for _, a := range fetched {
		a.Sync = SyncConfirmed
		handles[a.Handle] = true
		merged = append(merged, a)
	}

	for i := range local {
		if local[i].Sync == SyncPending && !handles[local[i].Handle] {
			merged = append(merged, local[i])
		}
	}
	return merged
}
