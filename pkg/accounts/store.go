// Package accounts implements account registration, authentication and
// online bookkeeping on top of the SQLite account database.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/aeolun/chatroom/pkg/database"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidUsername    = errors.New("username must not be empty")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d bytes", MinPasswordLength)
	ErrAccountIDExhausted = errors.New("could not allocate a unique account number")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountNotFound    = database.ErrAccountNotFound
)

// onlineEntry is an online account and the session that marked it
type onlineEntry struct {
	account *database.Account
	owner   uint64
}

// Store is the credential store. It is safe for concurrent use.
type Store struct {
	db   *database.DB
	cost int

	// regMu makes generate-check-insert atomic across registrations
	regMu sync.Mutex

	onlineMu sync.RWMutex
	online   map[string]onlineEntry

	// newID is swapped in tests to force collisions
	newID func(username string, attempt int) string
}

// NewStore creates a store backed by db. A bcryptCost of 0 selects bcrypt.DefaultCost.
func NewStore(db *database.DB, bcryptCost int) *Store {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Store{
		db:     db,
		cost:   bcryptCost,
		online: make(map[string]onlineEntry),
		newID:  generateAccountID,
	}
}

// RegisterUser creates an account and returns its number.
// The record is persisted before RegisterUser returns.
func (s *Store) RegisterUser(ctx context.Context, username, password string) (string, error) {
	if username == "" {
		return "", ErrInvalidUsername
	}
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}

	hash, err := hashPassword(password, s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := s.newID(username, attempt)

		exists, err := s.db.AccountExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to check account number: %w", err)
		}
		if exists {
			continue
		}

		err = s.db.CreateAccount(ctx, &database.Account{
			Account:      id,
			Username:     username,
			PasswordHash: hash,
		})
		if errors.Is(err, database.ErrAccountExists) {
			continue
		}
		if err != nil {
			return "", err
		}

		if attempt > 0 {
			log.Printf("Account %s allocated for %q after %d collisions", id, username, attempt)
		}
		return id, nil
	}

	return "", ErrAccountIDExhausted
}

// Authenticate checks a password against the stored hash and returns the account.
func (s *Store) Authenticate(ctx context.Context, account, password string) (*database.Account, error) {
	a, err := s.db.GetAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if err := verifyPassword(a.PasswordHash, password); err != nil {
		return nil, err
	}

	if err := s.db.UpdateLastLogin(ctx, account); err != nil {
		log.Printf("Failed to record login for account %s: %v", account, err)
	}
	return a, nil
}

// GetAccount returns the account record, preferring the online cache
func (s *Store) GetAccount(ctx context.Context, account string) (*database.Account, error) {
	s.onlineMu.RLock()
	entry, ok := s.online[account]
	s.onlineMu.RUnlock()
	if ok {
		return entry.account, nil
	}
	return s.db.GetAccount(ctx, account)
}

// MarkOnline records an account as logged in by the session owner,
// replacing any earlier owner
func (s *Store) MarkOnline(a *database.Account, owner uint64) {
	s.onlineMu.Lock()
	s.online[a.Account] = onlineEntry{account: a, owner: owner}
	s.onlineMu.Unlock()
}

// MarkOffline forgets an online account if owner still holds it. A stale
// owner (one replaced by a later login) leaves the entry alone.
func (s *Store) MarkOffline(account string, owner uint64) {
	s.onlineMu.Lock()
	if entry, ok := s.online[account]; ok && entry.owner == owner {
		delete(s.online, account)
	}
	s.onlineMu.Unlock()
}

// IsOnline reports whether an account is marked online
func (s *Store) IsOnline(account string) bool {
	s.onlineMu.RLock()
	defer s.onlineMu.RUnlock()
	_, ok := s.online[account]
	return ok
}

// OnlineAccounts returns the online account numbers in sorted order
func (s *Store) OnlineAccounts() []string {
	s.onlineMu.RLock()
	accounts := make([]string, 0, len(s.online))
	for account := range s.online {
		accounts = append(accounts, account)
	}
	s.onlineMu.RUnlock()

	sort.Strings(accounts)
	return accounts
}
