// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	svc := NewTokenService("test-secret")

	token, err := svc.Mint("acct-1", "admin", "administrator", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "acct-1", claims.Subject)
	require.Equal(t, "admin", claims.Handle)
	require.Equal(t, "administrator", claims.Role)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := NewTokenService("test-secret")

	token, err := svc.Mint("acct-1", "admin", "administrator", -time.Minute)
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	minter := NewTokenService("secret-a")
	verifier := NewTokenService("secret-b")

	token, err := minter.Mint("acct-1", "admin", "standard", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc := NewTokenService("test-secret")
	_, err := svc.Verify("not.a.token")
	require.Error(t, err)
}

func TestSessionContext(t *testing.T) {
	ctx := WithSession(context.Background(), "acct-1", "admin")

	id, ok := AccountIDFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "acct-1", id)

	handle, ok := HandleFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "admin", handle)

	_, ok = AccountIDFromContext(context.Background())
	require.False(t, ok)
}
