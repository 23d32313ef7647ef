// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package chatsync

import "time"

// Config holds the engine's tunables.
type Config struct {
	BootstrapTimeout  time.Duration // bound on the initial full fetch
	CallTimeout       time.Duration // bound on individual gateway calls
	RefreshInterval   time.Duration // periodic re-fetch cadence while online
	ReconnectInterval time.Duration // reconnect attempt cadence while offline/degraded
	RetryDelay        time.Duration // pause before the single automatic retry
	MatchTolerance    time.Duration // timestamp window for placeholder content matching

	SessionSecret string        // HMAC secret for session tokens (random if empty)
	SessionTTL    time.Duration // session token lifetime

	// SeedIfEmpty seeds a default administrator and one member when both the
	// backend and the local snapshot turn out empty, so a first offline run
	// is still usable.
	SeedIfEmpty bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		BootstrapTimeout:  5 * time.Second,
		CallTimeout:       3 * time.Second,
		RefreshInterval:   5 * time.Second,
		ReconnectInterval: 5 * time.Second,
		RetryDelay:        250 * time.Millisecond,
		MatchTolerance:    5 * time.Second,
		SessionTTL:        12 * time.Hour,
		SeedIfEmpty:       true,
	}
}
