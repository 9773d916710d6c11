package server

import (
	"context"

	"github.com/aeolun/chatroom/pkg/database"
)

// CredentialStore defines the account operations used by the session handlers.
// *accounts.Store implements it; tests substitute an in-memory double.
type CredentialStore interface {
	RegisterUser(ctx context.Context, username, password string) (string, error)
	Authenticate(ctx context.Context, account, password string) (*database.Account, error)
	GetAccount(ctx context.Context, account string) (*database.Account, error)

	// MarkOnline and MarkOffline take the session ID so that a logout racing
	// a newer login cannot take the newer login offline
	MarkOnline(a *database.Account, owner uint64)
	MarkOffline(account string, owner uint64)
	OnlineAccounts() []string
}
