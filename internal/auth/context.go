// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	accountIDKey contextKey = "account_id"
	handleKey    contextKey = "handle"
)

// WithAccountID sets the acting account ID in the context
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// AccountIDFromContext retrieves the acting account ID from the context
func AccountIDFromContext(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(accountIDKey).(string)
	return accountID, ok
}

// WithHandle sets the acting account handle in the context
func WithHandle(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, handleKey, handle)
}

// HandleFromContext retrieves the acting account handle from the context
func HandleFromContext(ctx context.Context) (string, bool) {
	handle, ok := ctx.Value(handleKey).(string)
	return handle, ok
}

// WithSession sets both the account ID and handle in the context
func WithSession(ctx context.Context, accountID, handle string) context.Context {
	ctx = WithAccountID(ctx, accountID)
	return WithHandle(ctx, handle)
}
