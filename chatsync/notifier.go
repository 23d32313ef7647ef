// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package chatsync

import "sync"

// Notifier is a minimal observer registry. Consumers subscribe to learn that
// "something changed" and re-read the current snapshot synchronously; callbacks
// fire only after the collections and the local snapshot store are already
// consistent, so a consumer never observes a partially-updated state.
type Notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]func()
}

// Subscribe registers a callback and returns its unsubscribe function.
// Both are safe for concurrent use.
func (n *Notifier) Subscribe(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func())
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// Notify invokes every registered callback synchronously.
func (n *Notifier) Notify() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
