package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustCreateAccount(t *testing.T, db *DB, account, username string) *Account {
	t.Helper()
	a := &Account{Account: account, Username: username, PasswordHash: "$2a$04$hash-for-" + username}
	if err := db.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return a
}

func TestCreateAndGetAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	created := mustCreateAccount(t, db, "123456789", "alice")
	if created.CreatedAt == 0 {
		t.Fatalf("expected CreatedAt to be stamped")
	}

	got, err := db.GetAccount(ctx, "123456789")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("expected username alice, got %q", got.Username)
	}
	if got.PasswordHash != created.PasswordHash {
		t.Fatalf("expected hash %q, got %q", created.PasswordHash, got.PasswordHash)
	}
	if got.CreatedAt != created.CreatedAt {
		t.Fatalf("expected created_at %d, got %d", created.CreatedAt, got.CreatedAt)
	}
	if got.LastLoginAt != nil {
		t.Fatalf("expected no last login, got %d", *got.LastLoginAt)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetAccount(context.Background(), "999999999")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestCreateAccountDuplicate(t *testing.T) {
	db := newTestDB(t)
	mustCreateAccount(t, db, "123456789", "alice")

	err := db.CreateAccount(context.Background(), &Account{Account: "123456789", Username: "bob", PasswordHash: "x"})
	if !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}

	got, err := db.GetAccount(context.Background(), "123456789")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.Username != "alice" {
		t.Fatalf("original record was overwritten: username %q", got.Username)
	}
}

func TestDuplicateUsernamesAllowed(t *testing.T) {
	db := newTestDB(t)
	mustCreateAccount(t, db, "111111111", "alice")
	mustCreateAccount(t, db, "222222222", "alice")

	count, err := db.CountAccounts(context.Background())
	if err != nil {
		t.Fatalf("CountAccounts failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 accounts, got %d", count)
	}
}

func TestAccountExists(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustCreateAccount(t, db, "123456789", "alice")

	exists, err := db.AccountExists(ctx, "123456789")
	if err != nil || !exists {
		t.Fatalf("expected account to exist (err=%v)", err)
	}
	exists, err = db.AccountExists(ctx, "987654321")
	if err != nil || exists {
		t.Fatalf("expected account to be absent (err=%v)", err)
	}
}

func TestUpdateLastLogin(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	mustCreateAccount(t, db, "123456789", "alice")

	if err := db.UpdateLastLogin(ctx, "123456789"); err != nil {
		t.Fatalf("UpdateLastLogin failed: %v", err)
	}
	got, err := db.GetAccount(ctx, "123456789")
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if got.LastLoginAt == nil || *got.LastLoginAt < got.CreatedAt {
		t.Fatalf("expected last login at or after creation, got %v", got.LastLoginAt)
	}

	if err := db.UpdateLastLogin(ctx, "000000000"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestConcurrentCreateAccount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := &Account{Account: fmt.Sprintf("%d", 100000000+i), Username: "bot", PasswordHash: "x"}
			errs <- db.CreateAccount(ctx, a)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent create failed: %v", err)
		}
	}
	count, err := db.CountAccounts(ctx)
	if err != nil {
		t.Fatalf("CountAccounts failed: %v", err)
	}
	if count != 50 {
		t.Fatalf("expected 50 accounts, got %d", count)
	}
}

func TestReopenPreservesAccounts(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustCreateAccount(t, db, "123456789", "alice")
	db.Close()

	db, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	if _, err := db.GetAccount(context.Background(), "123456789"); err != nil {
		t.Fatalf("account lost after reopen: %v", err)
	}
}

func TestOpenCorruptFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "accounts.db")
	garbage := []byte(strings.Repeat("this is not a sqlite database\n", 200))
	if err := os.WriteFile(dbPath, garbage, 0o600); err != nil {
		t.Fatalf("failed to write garbage file: %v", err)
	}

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open should recover from a corrupt file, got %v", err)
	}
	defer db.Close()

	count, err := db.CountAccounts(context.Background())
	if err != nil {
		t.Fatalf("CountAccounts failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected an empty store, got %d accounts", count)
	}

	matches, err := filepath.Glob(dbPath + ".corrupt-*")
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one quarantined file, found %v", matches)
	}
	kept, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("failed to read quarantined file: %v", err)
	}
	if string(kept) != string(garbage) {
		t.Fatalf("quarantined file content changed")
	}
}

func TestOpenMissingDirectoryFails(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	if err == nil {
		t.Fatalf("expected error opening database in a missing directory")
	}
}
