// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-chatsync/chatsync"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	store, err := Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	lastSeen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	accounts := []chatsync.Account{
		{
			ID: "srv-a", Handle: "admin", Secret: "pw",
			Privilege: chatsync.PrivilegeAdmin, Active: true, Online: true,
			LastSeen: lastSeen, CanPost: true, AvatarURL: "https://example.com/a.png",
			Sync: chatsync.SyncConfirmed,
		},
		{
			ID: "local-1", Handle: "dave", Secret: "dw",
			Privilege: chatsync.PrivilegeStandard, Active: true,
			LastSeen: lastSeen, CanPost: true, Sync: chatsync.SyncPending,
		},
	}
	messages := []chatsync.Message{
		{
			ID: "srv-m", SenderID: "srv-a", Body: "hello",
			CreatedAt: lastSeen, Status: chatsync.StatusRead,
			Sync: chatsync.SyncConfirmed,
		},
		{
			ID: "local-m", SenderID: "local-1", RecipientID: "srv-a", Body: "offline",
			CreatedAt: lastSeen.Add(time.Minute), Status: chatsync.StatusSent,
			System: false, Sync: chatsync.SyncPending,
		},
	}

	require.NoError(t, store.Save(ctx, accounts, messages))

	gotAccounts, gotMessages := store.Load(ctx)
	require.Len(t, gotAccounts, 2)
	require.Len(t, gotMessages, 2)

	require.Equal(t, "srv-a", gotAccounts[0].ID, "saved order must be preserved")
	require.Equal(t, chatsync.PrivilegeAdmin, gotAccounts[0].Privilege)
	require.True(t, gotAccounts[0].LastSeen.Equal(lastSeen))
	require.Equal(t, chatsync.SyncPending, gotAccounts[1].Sync)

	require.Equal(t, chatsync.StatusRead, gotMessages[0].Status)
	require.True(t, gotMessages[0].Broadcast())
	require.Equal(t, "srv-a", gotMessages[1].RecipientID)
}

func TestStoreSaveReplacesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	store, err := Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Save(ctx,
		[]chatsync.Account{{ID: "a1", Handle: "one"}},
		[]chatsync.Message{{ID: "m1", SenderID: "a1", Body: "x"}}))
	require.NoError(t, store.Save(ctx,
		[]chatsync.Account{{ID: "a2", Handle: "two"}},
		nil))

	accounts, messages := store.Load(ctx)
	require.Len(t, accounts, 1)
	require.Equal(t, "a2", accounts[0].ID)
	require.Empty(t, messages)
}

func TestStoreLoadEmptyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	store, err := Open(path, nil)
	require.NoError(t, err)
	defer store.Close()

	accounts, messages := store.Load(context.Background())
	require.Empty(t, accounts)
	require.Empty(t, messages)
}

func TestOpenRemovesStaleSidecarFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, os.WriteFile(path, []byte("garbage main file"), 0o644))
	require.NoError(t, os.WriteFile(path+"-wal", []byte("garbage wal"), 0o644))
	require.NoError(t, os.WriteFile(path+"-shm", []byte("garbage shm"), 0o644))

	store, err := Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(),
		[]chatsync.Account{{ID: "a1", Handle: "one"}}, nil))
	accounts, _ := store.Load(context.Background())
	require.Len(t, accounts, 1)
	require.NoError(t, store.Close())

	// A reopen must see the recreated database, not the stale sidecars.
	store, err = Open(path, nil)
	require.NoError(t, err)
	defer store.Close()
	accounts, _ = store.Load(context.Background())
	require.Len(t, accounts, 1)
}

func TestOpenRecreatesCorruptDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite database at all"), 0o644))

	store, err := Open(path, nil)
	require.NoError(t, err, "a corrupt snapshot must be discarded, not fatal")
	defer store.Close()

	accounts, messages := store.Load(context.Background())
	require.Empty(t, accounts)
	require.Empty(t, messages)

	// The recreated database is fully usable.
	require.NoError(t, store.Save(context.Background(),
		[]chatsync.Account{{ID: "a1", Handle: "one"}}, nil))
	accounts, _ = store.Load(context.Background())
	require.Len(t, accounts, 1)
}
