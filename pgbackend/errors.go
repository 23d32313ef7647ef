// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package pgbackend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mobiletoly/go-chatsync/chatsync"
)

// classify translates driver-level failures into the domain's error
// vocabulary. Connectivity failures wrap chatsync.ErrUnreachable so the
// orchestrator demotes to offline mode; everything else passes through with
// the operation name attached.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, chatsync.ErrNotFound)
	}
	if isUnreachable(err) {
		return fmt.Errorf("%s: %v: %w", op, err, chatsync.ErrUnreachable)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
		return fmt.Errorf("%s: %w", op, chatsync.ErrDuplicateHandle)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		state := pgErr.SQLState()
		// Class 08 = connection exceptions, 57P01 = admin shutdown.
		return strings.HasPrefix(state, "08") || state == "57P01"
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}
