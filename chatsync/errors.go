// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package chatsync

import "errors"

// Error taxonomy surfaced by the engine and its gateway implementations.
// Gateway implementations wrap these sentinels with %w so callers can use
// errors.Is; AuthError is matched with errors.As.
var (
	// ErrUnreachable marks transport/network failure. It flips the engine
	// into offline mode and is not surfaced to end users beyond a status
	// indicator.
	ErrUnreachable = errors.New("backend unreachable")

	// ErrNotFound is returned for a mutate/read on an unknown record id.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateHandle is returned when creating an account whose handle
	// is already confirmed-unique on the backend.
	ErrDuplicateHandle = errors.New("handle already taken")

	// ErrSelfSuspension guards the invariant that an administrator cannot
	// clear its own activity flag.
	ErrSelfSuspension = errors.New("administrator cannot suspend itself")

	// ErrPostingDisabled is returned when the sending account's
	// write-permission flag is cleared.
	ErrPostingDisabled = errors.New("account is not permitted to post")
)

// AuthReason distinguishes login failures so callers can present distinct
// messages.
type AuthReason string

const (
	AuthUnknownHandle AuthReason = "no such handle"
	AuthWrongSecret   AuthReason = "wrong secret"
	AuthSuspended     AuthReason = "account suspended"
)

// AuthError is a failed login, surfaced verbatim to the caller.
type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	return "authentication failed: " + string(e.Reason)
}
