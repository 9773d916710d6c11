package server

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/chatroom/pkg/protocol"
)

// SessionRegistry is the process-wide directory of live sessions.
// It holds at most one session per account. No network write happens
// while mu is held.
type SessionRegistry struct {
	mu        sync.RWMutex
	pending   map[*Session]struct{}
	byAccount map[string]*Session
	metrics   *Metrics
}

// NewSessionRegistry creates an empty registry; metrics may be nil
func NewSessionRegistry(metrics *Metrics) *SessionRegistry {
	return &SessionRegistry{
		pending:   make(map[*Session]struct{}),
		byAccount: make(map[string]*Session),
		metrics:   metrics,
	}
}

// recordCounts must be called with mu held
func (r *SessionRegistry) recordCounts() {
	r.metrics.RecordSessionCounts(len(r.byAccount), len(r.pending))
}

// AddPending registers a new, unauthenticated session
func (r *SessionRegistry) AddPending(s *Session) {
	r.mu.Lock()
	r.pending[s] = struct{}{}
	r.recordCounts()
	r.mu.Unlock()
}

// Authenticate moves s from the pending set to the account map under
// s.Account(). A different session already holding that account is kicked:
// it is told it was superseded, marked disconnected and its connection closed.
// The kicked session is returned (nil if none).
func (r *SessionRegistry) Authenticate(s *Session) *Session {
	account := s.Account()

	r.mu.Lock()
	delete(r.pending, s)
	old := r.byAccount[account]
	r.byAccount[account] = s
	r.recordCounts()
	r.mu.Unlock()

	if old == nil || old == s {
		return nil
	}

	log.Printf("Session %d: account %s logged in again from session %d, disconnecting old session",
		old.ID, account, s.ID)
	if err := old.Send(protocol.NewErrorMessage(protocol.StatusUnauthorized, "session superseded")); err != nil {
		debugLog.Printf("Session %d: failed to notify superseded session: %v", old.ID, err)
	}
	old.disconnect()
	r.metrics.RecordSessionKicked()
	return old
}

// Demote returns an authenticated session to the pending set.
// It returns the account that went offline, or "" if a newer session
// had already taken the account over.
func (r *SessionRegistry) Demote(s *Session) string {
	account := s.Account()

	r.mu.Lock()
	defer r.mu.Unlock()

	released := ""
	if account != "" && r.byAccount[account] == s {
		delete(r.byAccount, account)
		released = account
	}
	r.pending[s] = struct{}{}
	r.recordCounts()
	return released
}

// Remove drops s from the registry. Like Demote, it returns the account
// that went offline, and never evicts a newer session holding the same account.
func (r *SessionRegistry) Remove(s *Session) string {
	account := s.Account()

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, s)
	released := ""
	if account != "" && r.byAccount[account] == s {
		delete(r.byAccount, account)
		released = account
	}
	r.recordCounts()
	return released
}

// Broadcast sends msg to every authenticated session except excluding.
// Per-recipient failures are logged and do not stop delivery.
// Returns the number of sessions the message was written to.
func (r *SessionRegistry) Broadcast(msg protocol.Message, excluding *Session) int {
	start := time.Now()

	r.mu.RLock()
	targets := make([]*Session, 0, len(r.byAccount))
	for _, sess := range r.byAccount {
		if sess != excluding {
			targets = append(targets, sess)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sess := range targets {
		if !sess.Connected() {
			continue
		}
		if err := sess.Send(msg); err != nil {
			debugLog.Printf("Session %d: broadcast send failed: %v", sess.ID, err)
			continue
		}
		delivered++
	}

	r.metrics.RecordBroadcast(delivered, time.Since(start).Seconds())
	return delivered
}

// Unicast delivers a private message to the session holding msg.Receiver.
// An absent or disconnected receiver drops the message; it never blocks
// waiting for the receiver to appear.
func (r *SessionRegistry) Unicast(msg *protocol.PrivateMessage) bool {
	r.mu.RLock()
	target := r.byAccount[msg.Receiver]
	r.mu.RUnlock()

	if target == nil || !target.Connected() {
		debugLog.Printf("Private message from %s to %s dropped: receiver offline", msg.Sender, msg.Receiver)
		r.metrics.RecordUnicastDropped()
		return false
	}

	if err := target.Send(msg); err != nil {
		debugLog.Printf("Session %d: private message send failed: %v", target.ID, err)
		r.metrics.RecordUnicastDropped()
		return false
	}
	return true
}

// Lookup returns the session holding an account
func (r *SessionRegistry) Lookup(account string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byAccount[account]
	return sess, ok
}

// Count returns the number of registered sessions, pending and authenticated
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending) + len(r.byAccount)
}

func (r *SessionRegistry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

func (r *SessionRegistry) AuthenticatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAccount)
}

// OnlineAccounts returns the authenticated account numbers in sorted order
func (r *SessionRegistry) OnlineAccounts() []string {
	r.mu.RLock()
	accounts := make([]string, 0, len(r.byAccount))
	for account := range r.byAccount {
		accounts = append(accounts, account)
	}
	r.mu.RUnlock()

	sort.Strings(accounts)
	return accounts
}

// CloseAll disconnects every session. Their loops perform their own cleanup.
func (r *SessionRegistry) CloseAll() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.pending)+len(r.byAccount))
	for sess := range r.pending {
		all = append(all, sess)
	}
	for _, sess := range r.byAccount {
		all = append(all, sess)
	}
	r.mu.RUnlock()

	for _, sess := range all {
		sess.disconnect()
	}
}
