// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package chatsync

// Operation constants for change feed events
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// State constants for the sync orchestrator
const (
	StateBootstrapping State = "bootstrapping"
	StateOnline        State = "online"
	StateDegraded      State = "degraded" // change feed lost, polling backstop active
	StateOffline       State = "offline"
)

// State is the orchestrator's lifecycle state.
type State string
