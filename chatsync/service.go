// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiletoly/go-chatsync/internal/auth"
)

// Service is the sync orchestrator. It exclusively owns the two in-memory
// collections; every other component receives read-only copies or well-defined
// mutation requests. Construct it once at application start, Start it, and
// pass it by reference to consumers.
type Service struct {
	gateway Gateway
	feed    FeedSource // may be nil; polling then carries all deltas
	store   SnapshotStore
	tokens  *auth.TokenService
	config  *Config
	logger  *slog.Logger

	mu       sync.Mutex
	state    State
	accounts []Account
	messages []Message

	// Offline mutations of already-confirmed records, replayed on reconnect.
	// Pending-sync records need no queue; pushPending re-upserts them whole.
	pendingReads   map[string]struct{}     // readKey(sender, recipient)
	pendingPatches map[string]AccountPatch // account id -> merged sparse update

	notifier Notifier

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewService creates the engine. The gateway, snapshot store and config are
// required; feed may be nil when the backend offers no push stream, in which
// case the periodic refresh carries all deltas.
func NewService(gateway Gateway, feed FeedSource, store SnapshotStore, config *Config, logger *slog.Logger) (*Service, error) {
	if gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("snapshot store cannot be nil")
	}
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	secret := config.SessionSecret
	if secret == "" {
		secret = uuid.NewString()
	}

	return &Service{
		gateway:        gateway,
		feed:           feed,
		store:          store,
		tokens:         auth.NewTokenService(secret),
		config:         config,
		logger:         logger,
		state:          StateBootstrapping,
		pendingReads:   make(map[string]struct{}),
		pendingPatches: make(map[string]AccountPatch),
	}, nil
}

// Start restores the local snapshot (so reads work immediately), attempts a
// bounded full remote fetch, and launches the background sync loops. A failed
// fetch is not an error: the engine starts in offline mode and reconnects on
// its own. ctx bounds the lifetime of the background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("service already started")
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	accounts, messages := s.store.Load(ctx)
	s.mu.Lock()
	s.accounts = accounts
	s.messages = messages
	s.mu.Unlock()
	s.notifier.Notify()

	fetchCtx, cancel := context.WithTimeout(s.runCtx, s.config.BootstrapTimeout)
	err := s.refreshFromRemote(fetchCtx)
	cancel()
	if err != nil {
		s.logger.Warn("bootstrap fetch failed, starting offline", "error", err)
		s.setState(StateOffline)
		s.seedIfEmpty(ctx)
	} else {
		s.pushPending(s.runCtx)
		s.setState(StateOnline)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.runCtx)
	}()
	return nil
}

// Close stops the background loops and writes a final snapshot. Safe to call
// multiple times.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed || !s.started {
		s.closed = true
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), s.config.CallTimeout)
	defer done()
	accounts, messages := s.copies()
	if err := s.store.Save(ctx, accounts, messages); err != nil {
		s.logger.Warn("final snapshot save failed", "error", err)
	}
	s.logger.Debug("chatsync service closed")
	return nil
}

// State returns the orchestrator's current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Accounts returns a snapshot copy of the account collection.
func (s *Service) Accounts() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}

// Messages returns a snapshot copy of the message collection, ordered by
// creation timestamp.
func (s *Service) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Subscribe registers a change callback; it fires synchronously after every
// successful mutation, once collections and snapshot are consistent.
func (s *Service) Subscribe(fn func()) func() {
	return s.notifier.Subscribe(fn)
}

// Session describes a validated session token.
type Session struct {
	AccountID string
	Handle    string
	Privilege Privilege
	ExpiresAt time.Time
}

// VerifySession validates a session token previously returned by Login.
func (s *Service) VerifySession(token string) (*Session, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		AccountID: claims.Subject,
		Handle:    claims.Handle,
		Privilege: Privilege(claims.Role),
	}
	if claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Time
	}
	return sess, nil
}

// ---- mutations ----

// Login authenticates against the backend and marks the account online.
// While the backend is unreachable it fails closed: only a locally created,
// still-pending account (the one case where this client is authoritative for
// the credential) can log in offline. On success it returns the account and a
// signed session token.
func (s *Service) Login(ctx context.Context, handle, secret string) (*Account, string, error) {
	if !s.online() {
		return s.loginOffline(ctx, handle, secret)
	}

	var acct *Account
	err := s.retryOnce(ctx, func(cctx context.Context) error {
		var err error
		acct, err = s.gateway.Login(cctx, handle, secret)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUnreachable) {
			s.demote(StateOffline, err)
			return s.loginOffline(ctx, handle, secret)
		}
		return nil, "", err
	}

	// Presence side effect; best-effort, the feed or refresh will converge it.
	now := time.Now()
	online := true
	if _, err := s.gateway.MutateAccount(ctx, acct.ID, AccountPatch{Online: &online, LastSeen: &now}); err != nil {
		s.logger.Warn("presence update failed", "account", acct.ID, "error", err)
	}
	acct.Online = true
	acct.LastSeen = now

	s.mu.Lock()
	s.accounts, _ = reconcileAccount(s.accounts, *acct)
	s.mu.Unlock()
	s.persistAndNotify(ctx)

	token, err := s.mintSession(acct)
	if err != nil {
		return nil, "", err
	}
	return acct, token, nil
}

func (s *Service) loginOffline(_ context.Context, handle, secret string) (*Account, string, error) {
	s.mu.Lock()
	var found *Account
	for i := range s.accounts {
		if s.accounts[i].Sync == SyncPending && s.accounts[i].Handle == handle {
			found = &s.accounts[i]
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return nil, "", fmt.Errorf("offline login for %q: %w", handle, ErrUnreachable)
	}
	if found.Secret != secret {
		s.mu.Unlock()
		return nil, "", &AuthError{Reason: AuthWrongSecret}
	}
	if !found.Active {
		s.mu.Unlock()
		return nil, "", &AuthError{Reason: AuthSuspended}
	}
	found.Online = true
	found.LastSeen = time.Now()
	acct := *found
	s.mu.Unlock()

	s.persistAndNotify(context.Background())
	token, err := s.mintSession(&acct)
	if err != nil {
		return nil, "", err
	}
	return &acct, token, nil
}

func (s *Service) mintSession(acct *Account) (string, error) {
	token, err := s.tokens.Mint(acct.ID, acct.Handle, string(acct.Privilege), s.config.SessionTTL)
	if err != nil {
		return "", fmt.Errorf("failed to mint session token: %w", err)
	}
	return token, nil
}

// Logout clears the account's presence flag. Unknown ids are a no-op.
func (s *Service) Logout(ctx context.Context, accountID string) {
	now := time.Now()
	online := false
	patch := AccountPatch{Online: &online, LastSeen: &now}

	s.mu.Lock()
	changed := false
	for i := range s.accounts {
		if s.accounts[i].ID == accountID && s.accounts[i].Online {
			s.accounts[i].Online = false
			s.accounts[i].LastSeen = now
			changed = true
			if s.accounts[i].Sync == SyncConfirmed {
				s.pendingPatches[accountID] = mergePatch(s.pendingPatches[accountID], patch)
			}
		}
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	s.persistAndNotify(ctx)

	if s.online() {
		s.confirmAsync("logout", func(cctx context.Context) error {
			_, err := s.gateway.MutateAccount(cctx, accountID, patch)
			if err != nil {
				return err
			}
			s.clearPendingPatch(accountID)
			return nil
		})
	}
}

// CreateAccount applies the new account optimistically, then attempts the
// backend write. While reachable, a DuplicateHandle rolls the optimistic
// record back and is surfaced to the caller; while unreachable, the record
// stays pending and is pushed on reconnect.
func (s *Service) CreateAccount(ctx context.Context, na NewAccount) (*Account, error) {
	if na.Handle == "" {
		return nil, fmt.Errorf("handle is required")
	}
	if na.Privilege == "" {
		na.Privilege = PrivilegeStandard
	}

	s.mu.Lock()
	for i := range s.accounts {
		if s.accounts[i].Handle == na.Handle {
			s.mu.Unlock()
			return nil, fmt.Errorf("handle %q: %w", na.Handle, ErrDuplicateHandle)
		}
	}
	acct := Account{
		ID:        NewLocalID(),
		Handle:    na.Handle,
		Secret:    na.Secret,
		Privilege: na.Privilege,
		Active:    true,
		LastSeen:  time.Now(),
		CanPost:   na.CanPost,
		AvatarURL: na.AvatarURL,
		Sync:      SyncPending,
	}
	s.accounts = append(s.accounts, acct)
	s.mu.Unlock()
	s.persistAndNotify(ctx)

	if !s.online() {
		return &acct, nil
	}

	confirmed, err := s.createRemote(ctx, na)
	if err != nil {
		if errors.Is(err, ErrUnreachable) {
			s.demote(StateOffline, err)
			return &acct, nil // stays pending, pushed on reconnect
		}
		// Roll the optimistic record back; the backend rejected it.
		s.mu.Lock()
		for i := range s.accounts {
			if s.accounts[i].ID == acct.ID {
				s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		s.persistAndNotify(ctx)
		return nil, err
	}

	s.mu.Lock()
	s.accounts, _ = reconcileAccount(s.accounts, *confirmed)
	s.mu.Unlock()
	s.persistAndNotify(ctx)

	s.announceJoin(ctx, confirmed.Handle)
	return confirmed, nil
}

func (s *Service) createRemote(ctx context.Context, na NewAccount) (*Account, error) {
	var confirmed *Account
	err := s.retryOnce(ctx, func(cctx context.Context) error {
		var err error
		confirmed, err = s.gateway.CreateAccount(cctx, na)
		return err
	})
	return confirmed, err
}

// announceJoin emits the broadcast system notice for a newly confirmed
// account.
func (s *Service) announceJoin(ctx context.Context, handle string) {
	if _, err := s.SendMessage(ctx, MessageDraft{
		SenderID: "system",
		Body:     handle + " joined the team",
		System:   true,
	}); err != nil {
		s.logger.Warn("join notice failed", "handle", handle, "error", err)
	}
}

// UpdateAccount applies a sparse update optimistically and confirms it
// asynchronously. An administrator cannot clear its own activity flag; the
// acting account is taken from ctx (see internal/auth.WithAccountID).
func (s *Service) UpdateAccount(ctx context.Context, id string, patch AccountPatch) (*Account, error) {
	if patch.IsZero() {
		return nil, fmt.Errorf("empty patch")
	}

	s.mu.Lock()
	idx := -1
	for i := range s.accounts {
		if s.accounts[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("account %q: %w", id, ErrNotFound)
	}
	if patch.Active != nil && !*patch.Active && s.accounts[idx].Privilege == PrivilegeAdmin {
		if actor, ok := auth.AccountIDFromContext(ctx); ok && actor == id {
			s.mu.Unlock()
			return nil, ErrSelfSuspension
		}
	}
	applyPatch(&s.accounts[idx], patch)
	acct := s.accounts[idx]
	if acct.Sync == SyncConfirmed {
		// Queue for replay in case this confirmation never lands; a pending
		// account carries the edit in its own upsert.
		s.pendingPatches[id] = mergePatch(s.pendingPatches[id], patch)
	}
	s.mu.Unlock()
	s.persistAndNotify(ctx)

	if s.online() && acct.Sync == SyncConfirmed {
		s.confirmAsync("update account", func(cctx context.Context) error {
			confirmed, err := s.gateway.MutateAccount(cctx, id, patch)
			if err != nil {
				return err
			}
			s.clearPendingPatch(id)
			s.applyConfirmedAccount(*confirmed)
			return nil
		})
	}
	return &acct, nil
}

func (s *Service) clearPendingPatch(id string) {
	s.mu.Lock()
	delete(s.pendingPatches, id)
	s.mu.Unlock()
}

// mergePatch folds a later sparse update over an earlier one.
func mergePatch(base, next AccountPatch) AccountPatch {
	if next.Secret != nil {
		base.Secret = next.Secret
	}
	if next.Privilege != nil {
		base.Privilege = next.Privilege
	}
	if next.Active != nil {
		base.Active = next.Active
	}
	if next.Online != nil {
		base.Online = next.Online
	}
	if next.LastSeen != nil {
		base.LastSeen = next.LastSeen
	}
	if next.CanPost != nil {
		base.CanPost = next.CanPost
	}
	if next.AvatarURL != nil {
		base.AvatarURL = next.AvatarURL
	}
	return base
}

func applyPatch(a *Account, p AccountPatch) {
	if p.Secret != nil {
		a.Secret = *p.Secret
	}
	if p.Privilege != nil {
		a.Privilege = *p.Privilege
	}
	if p.Active != nil {
		a.Active = *p.Active
	}
	if p.Online != nil {
		a.Online = *p.Online
	}
	if p.LastSeen != nil {
		a.LastSeen = *p.LastSeen
	}
	if p.CanPost != nil {
		a.CanPost = *p.CanPost
	}
	if p.AvatarURL != nil {
		a.AvatarURL = *p.AvatarURL
	}
}

// ChangeSecret resets an account's credential (administrator action).
func (s *Service) ChangeSecret(ctx context.Context, id, newSecret string) error {
	_, err := s.UpdateAccount(ctx, id, AccountPatch{Secret: &newSecret})
	return err
}

// SendMessage appends an optimistic message with a locally minted id and
// confirms it asynchronously; the confirmed copy replaces the placeholder
// through reconciliation whether it arrives via the direct response or the
// change feed.
func (s *Service) SendMessage(ctx context.Context, draft MessageDraft) (*Message, error) {
	if draft.Body == "" {
		return nil, fmt.Errorf("message body is required")
	}
	if draft.SenderID == "" {
		return nil, fmt.Errorf("sender is required")
	}

	s.mu.Lock()
	if !draft.System {
		for i := range s.accounts {
			if s.accounts[i].ID == draft.SenderID && !s.accounts[i].CanPost {
				s.mu.Unlock()
				return nil, fmt.Errorf("account %q: %w", draft.SenderID, ErrPostingDisabled)
			}
		}
	}
	createdAt := draft.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	msg := Message{
		ID:          NewLocalID(),
		SenderID:    draft.SenderID,
		RecipientID: draft.RecipientID,
		Body:        draft.Body,
		CreatedAt:   createdAt,
		Status:      StatusSent,
		System:      draft.System,
		Sync:        SyncPending,
	}
	s.messages = append(s.messages, msg)
	sortMessages(s.messages)
	s.mu.Unlock()
	s.persistAndNotify(ctx)

	if s.online() {
		confirmDraft := draft
		confirmDraft.CreatedAt = createdAt
		s.confirmAsync("send message", func(cctx context.Context) error {
			confirmed, err := s.gateway.SendMessage(cctx, confirmDraft)
			if err != nil {
				return err
			}
			s.applyConfirmedMessage(*confirmed)
			return nil
		})
	}
	return &msg, nil
}

// MarkRead advances delivery status to read for every message from senderID
// to recipientID, locally first and then on the backend.
func (s *Service) MarkRead(ctx context.Context, senderID, recipientID string) {
	s.mu.Lock()
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID == senderID && m.RecipientID == recipientID && m.Status != StatusRead {
			m.Status = StatusRead
			changed = true
		}
	}
	if changed {
		s.pendingReads[readKey(senderID, recipientID)] = struct{}{}
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	s.persistAndNotify(ctx)

	if s.online() {
		s.confirmAsync("mark read", func(cctx context.Context) error {
			if err := s.gateway.MarkRead(cctx, senderID, recipientID); err != nil {
				return err
			}
			s.mu.Lock()
			delete(s.pendingReads, readKey(senderID, recipientID))
			s.mu.Unlock()
			return nil
		})
	}
}

func readKey(senderID, recipientID string) string {
	return senderID + "\x00" + recipientID
}

// DeleteMessage removes a message (administrator action).
func (s *Service) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	var removed *Message
	for i := range s.messages {
		if s.messages[i].ID == id {
			m := s.messages[i]
			removed = &m
			break
		}
	}
	if removed == nil {
		s.mu.Unlock()
		return fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	s.messages, _ = removeMessage(s.messages, id)
	s.mu.Unlock()
	s.persistAndNotify(ctx)

	if s.online() && removed.Sync == SyncConfirmed {
		s.confirmAsync("delete message", func(cctx context.Context) error {
			err := s.gateway.DeleteMessage(cctx, id)
			if errors.Is(err, ErrNotFound) {
				return nil // already gone remotely
			}
			return err
		})
	}
	return nil
}

// ApplyRemote is the single entry point for server-confirmed changes. Both
// producers (change feed and direct confirmations) funnel through here, which
// is what makes duplicate delivery harmless.
func (s *Service) ApplyRemote(ev FeedEvent) {
	changed := false
	s.mu.Lock()
	switch {
	case ev.Message != nil:
		if ev.Op == OpDelete {
			s.messages, changed = removeMessage(s.messages, ev.Message.ID)
		} else {
			s.messages, changed = reconcileMessage(s.messages, *ev.Message, s.config.MatchTolerance)
		}
	case ev.Account != nil:
		if ev.Op == OpDelete {
			// Accounts are never hard-deleted in this design; a stray event
			// is ignored rather than destroying local state.
			s.logger.Warn("ignoring account delete event", "id", ev.Account.ID)
		} else {
			s.accounts, changed = reconcileAccount(s.accounts, *ev.Account)
		}
	}
	s.mu.Unlock()

	if changed {
		s.persistAndNotify(context.Background())
	}
}

func (s *Service) applyConfirmedMessage(m Message) {
	s.ApplyRemote(FeedEvent{Op: OpUpdate, Message: &m})
}

func (s *Service) applyConfirmedAccount(a Account) {
	s.ApplyRemote(FeedEvent{Op: OpUpdate, Account: &a})
}

// Refresh re-fetches both collections (manual retry, or the host app's
// "window became active" trigger). A successful refresh while offline or
// degraded pushes pending records and re-enters online mode.
func (s *Service) Refresh(ctx context.Context) error {
	if err := s.refreshFromRemote(ctx); err != nil {
		if errors.Is(err, ErrUnreachable) {
			s.demote(StateOffline, err)
		}
		return err
	}
	if s.State() != StateOnline {
		s.pushPending(ctx)
		s.setState(StateOnline)
	}
	return nil
}

// ---- internals ----

func (s *Service) online() bool {
	st := s.State()
	return st == StateOnline
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	old := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.Info("sync state changed", "from", old, "to", st)
	s.notifier.Notify()
}

func (s *Service) demote(st State, err error) {
	if s.State() == st {
		return
	}
	s.logger.Warn("demoting sync state", "to", st, "error", err)
	s.setState(st)
}

func (s *Service) copies() ([]Account, []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts := make([]Account, len(s.accounts))
	copy(accounts, s.accounts)
	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)
	return accounts, messages
}

// persistAndNotify writes the snapshot and then notifies subscribers, in that
// order, so every callback observes a consistent persisted state. Snapshot
// write failures are logged, not propagated; memory stays authoritative.
func (s *Service) persistAndNotify(ctx context.Context) {
	accounts, messages := s.copies()
	if err := s.store.Save(ctx, accounts, messages); err != nil {
		s.logger.Warn("snapshot save failed", "error", err)
	}
	s.notifier.Notify()
}

// refreshFromRemote replaces the confirmed portion of both collections with a
// full fetch, keeping unmatched pending records and locally advanced
// delivery statuses.
func (s *Service) refreshFromRemote(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()

	accounts, err := s.gateway.FetchAccounts(cctx)
	if err != nil {
		return fmt.Errorf("fetch accounts: %w", err)
	}
	messages, err := s.gateway.FetchMessages(cctx)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	s.mu.Lock()
	s.accounts = mergeFetchedAccounts(s.accounts, accounts)
	s.messages = mergeFetchedMessages(s.messages, messages, s.config.MatchTolerance)
	s.mu.Unlock()
	s.persistAndNotify(ctx)
	return nil
}

// pushPending upserts every pending-flagged local record to the gateway.
// Runs on reconnect; each confirmation funnels through reconciliation, so a
// record that meanwhile arrived via fetch or feed is not duplicated.
func (s *Service) pushPending(ctx context.Context) {
	accounts, messages := s.copies()

	for _, a := range accounts {
		if a.Sync != SyncPending {
			continue
		}
		confirmed, err := s.gateway.CreateAccount(ctx, NewAccount{
			Handle:    a.Handle,
			Secret:    a.Secret,
			Privilege: a.Privilege,
			CanPost:   a.CanPost,
			AvatarURL: a.AvatarURL,
		})
		switch {
		case err == nil:
			s.applyConfirmedAccount(*confirmed)
		case errors.Is(err, ErrDuplicateHandle):
			// The handle got claimed remotely while we were offline; the
			// fetch brings the authoritative record, drop the local one.
			s.logger.Warn("pending account lost to remote duplicate", "handle", a.Handle)
			s.dropPendingAccount(ctx, a.ID)
		case errors.Is(err, ErrUnreachable):
			s.demote(StateOffline, err)
			return
		default:
			s.logger.Warn("push pending account failed", "handle", a.Handle, "error", err)
		}
	}

	for _, m := range messages {
		if m.Sync != SyncPending {
			continue
		}
		confirmed, err := s.gateway.SendMessage(ctx, MessageDraft{
			SenderID:    m.SenderID,
			RecipientID: m.RecipientID,
			Body:        m.Body,
			System:      m.System,
			CreatedAt:   m.CreatedAt,
		})
		switch {
		case err == nil:
			s.applyConfirmedMessage(*confirmed)
		case errors.Is(err, ErrUnreachable):
			s.demote(StateOffline, err)
			return
		default:
			s.logger.Warn("push pending message failed", "id", m.ID, "error", err)
		}
	}

	s.replayQueuedMutations(ctx)
}

// replayQueuedMutations re-sends mutations that were applied to confirmed
// records while the backend was unreachable: sparse account updates and
// read-receipt advances. The queue lives in memory only; after a restart the
// snapshot still carries the local effect, but the replay is lost.
func (s *Service) replayQueuedMutations(ctx context.Context) {
	s.mu.Lock()
	patches := make(map[string]AccountPatch, len(s.pendingPatches))
	for id, p := range s.pendingPatches {
		patches[id] = p
	}
	reads := make([]string, 0, len(s.pendingReads))
	for key := range s.pendingReads {
		reads = append(reads, key)
	}
	s.mu.Unlock()

	for id, patch := range patches {
		confirmed, err := s.gateway.MutateAccount(ctx, id, patch)
		switch {
		case err == nil:
			s.clearPendingPatch(id)
			s.applyConfirmedAccount(*confirmed)
		case errors.Is(err, ErrNotFound):
			s.logger.Warn("dropping queued update for unknown account", "id", id)
			s.clearPendingPatch(id)
		case errors.Is(err, ErrUnreachable):
			s.demote(StateOffline, err)
			return
		default:
			s.logger.Warn("replay account update failed", "id", id, "error", err)
		}
	}

	for _, key := range reads {
		senderID, recipientID, _ := strings.Cut(key, "\x00")
		err := s.gateway.MarkRead(ctx, senderID, recipientID)
		switch {
		case err == nil:
			s.mu.Lock()
			delete(s.pendingReads, key)
			s.mu.Unlock()
		case errors.Is(err, ErrUnreachable):
			s.demote(StateOffline, err)
			return
		default:
			s.logger.Warn("replay read receipts failed", "error", err)
		}
	}
}

func (s *Service) dropPendingAccount(ctx context.Context, id string) {
	s.mu.Lock()
	for i := range s.accounts {
		if s.accounts[i].ID == id && s.accounts[i].Sync == SyncPending {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.persistAndNotify(ctx)
}

// seedIfEmpty installs the default administrator and one member when both the
// backend and the snapshot produced nothing, so a first offline run has an
// account to log in with.
func (s *Service) seedIfEmpty(ctx context.Context) {
	if !s.config.SeedIfEmpty {
		return
	}
	s.mu.Lock()
	if len(s.accounts) != 0 {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.accounts = append(s.accounts,
		Account{
			ID: NewLocalID(), Handle: "admin", Secret: "password",
			Privilege: PrivilegeAdmin, Active: true, CanPost: true,
			LastSeen: now, Sync: SyncPending,
		},
		Account{
			ID: NewLocalID(), Handle: "alice", Secret: "password",
			Privilege: PrivilegeStandard, Active: true, CanPost: true,
			LastSeen: now, Sync: SyncPending,
		},
	)
	s.mu.Unlock()
	s.logger.Info("seeded default accounts")
	s.persistAndNotify(ctx)
}

// retryOnce runs one bounded gateway call and retries it a single time after
// a short pause when the failure looks transient. Anything beyond that is the
// caller's problem; the optimistic local application has already succeeded.
func (s *Service) retryOnce(ctx context.Context, fn func(context.Context) error) error {
	call := func() error {
		cctx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
		defer cancel()
		return fn(cctx)
	}

	err := call()
	if err == nil || !errors.Is(err, ErrUnreachable) {
		return err
	}
	if serr := sleepWithContext(ctx, s.config.RetryDelay); serr != nil {
		return err
	}
	return call()
}

// confirmAsync runs a confirmation call in the background against the
// service lifetime context. Unreachable results demote to offline; the
// optimistic record stays pending for the next reconnect. After Close no
// new confirmation may be added: Close sets closed under mu before waiting
// on the group, so checking closed under the same lock keeps wg.Add from
// racing wg.Wait.
func (s *Service) confirmAsync(op string, fn func(context.Context) error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		err := s.retryOnce(s.runCtx, fn)
		if err == nil {
			return
		}
		if errors.Is(err, ErrUnreachable) {
			s.demote(StateOffline, err)
			return
		}
		s.logger.Warn("remote confirmation failed", "op", op, "error", err)
	}()
}

// run supervises the background producers: while online it holds the change
// feed open with a periodic refresh backstop; while degraded or offline it
// polls for reconnection. Both producers feed the same reconciliation entry
// point, so their interleaving needs no special-casing.
func (s *Service) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch s.State() {
		case StateOnline:
			s.runOnline(ctx)
		default:
			if err := sleepWithContext(ctx, s.config.ReconnectInterval); err != nil {
				return
			}
			if err := s.Refresh(ctx); err != nil {
				s.logger.Debug("reconnect attempt failed", "error", err)
			}
		}
	}
}

// runOnline blocks until the feed drops, a refresh fails, or ctx ends.
func (s *Service) runOnline(ctx context.Context) {
	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()

	feedErr := make(chan error, 1)
	if s.feed != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			feedErr <- s.feed.Listen(feedCtx, s.ApplyRemote)
		}()
	}

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-feedErr:
			if ctx.Err() != nil {
				return
			}
			s.demote(StateDegraded, err)
			return
		case <-ticker.C:
			if err := s.refreshFromRemote(ctx); err != nil {
				if errors.Is(err, ErrUnreachable) {
					s.demote(StateOffline, err)
					return
				}
				s.logger.Warn("periodic refresh failed", "error", err)
			}
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
