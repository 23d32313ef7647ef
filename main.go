// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-chatsync - Client-Side Chat Synchronization Engine")
	fmt.Println("========================================================")
	fmt.Println()
	fmt.Println("go-chatsync keeps a local mirror of a small team's accounts and messages")
	fmt.Println("synchronized with a PostgreSQL backend, with optimistic local mutations,")
	fmt.Println("duplicate-free reconciliation, and an offline snapshot fallback.")
	fmt.Println()

	fmt.Println("📚 Packages:")
	fmt.Println()
	fmt.Println("1. 🔄 chatsync/ - the sync orchestrator")
	fmt.Println("   In-memory mirror, optimistic mutations, reconciliation, change notifier")
	fmt.Println()
	fmt.Println("2. 🐘 pgbackend/ - PostgreSQL gateway and change feed")
	fmt.Println("   Row CRUD over pgx, LISTEN/NOTIFY change stream, tolerant row decoding")
	fmt.Println()
	fmt.Println("3. 💾 snapshot/ - SQLite offline snapshot store")
	fmt.Println("   Last known good copy of both collections for cold starts and offline runs")
	fmt.Println()

	fmt.Println("▶️  Example:")
	fmt.Println()
	fmt.Println("   Team chat demo (examples/teamchat/)")
	fmt.Println("   Run: go run ./examples/teamchat -db postgres://localhost:5432/chatsync")
	fmt.Println()
}
