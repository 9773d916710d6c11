package accounts

import (
	"context"
	"database/sql"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aeolun/chatroom/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) (*Store, *database.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, bcrypt.MinCost), db
}

func TestRegisterAndAuthenticate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	account, err := store.RegisterUser(ctx, "alice", "secret1")
	require.NoError(t, err)
	assert.Len(t, account, 9)

	a, err := store.Authenticate(ctx, account, "secret1")
	require.NoError(t, err)
	assert.Equal(t, "alice", a.Username)
	assert.Equal(t, account, a.Account)
}

func TestRegisterValidation(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	_, err := store.RegisterUser(ctx, "", "secret1")
	assert.ErrorIs(t, err, ErrInvalidUsername)

	_, err = store.RegisterUser(ctx, "bob", "12345")
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	// Only the empty name is rejected; whitespace is a name like any other
	_, err = store.RegisterUser(ctx, "   ", "secret1")
	assert.NoError(t, err)

	// Length counts bytes: three two-byte runes are long enough, two are not
	_, err = store.RegisterUser(ctx, "carol", "\u00e9\u00e9\u00e9")
	assert.NoError(t, err)
	_, err = store.RegisterUser(ctx, "dave", "\u00e9\u00e9")
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	_, err = store.RegisterUser(ctx, "bob", "123456")
	assert.NoError(t, err)

	count, err := db.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestAuthenticateFailures(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	account, err := store.RegisterUser(ctx, "alice", "secret1")
	require.NoError(t, err)

	_, err = store.Authenticate(ctx, account, "secret2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = store.Authenticate(ctx, account, "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = store.Authenticate(ctx, "100000000", "secret1")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAuthenticateRecordsLastLogin(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	account, err := store.RegisterUser(ctx, "alice", "secret1")
	require.NoError(t, err)
	_, err = store.Authenticate(ctx, account, "secret1")
	require.NoError(t, err)

	a, err := db.GetAccount(ctx, account)
	require.NoError(t, err)
	assert.NotNil(t, a.LastLoginAt)
}

func TestPasswordOpacity(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	password := "correct horse battery staple"

	account, err := store.RegisterUser(ctx, "alice", password)
	require.NoError(t, err)

	a, err := db.GetAccount(ctx, account)
	require.NoError(t, err)
	assert.NotContains(t, a.PasswordHash, password)
	assert.True(t, strings.HasPrefix(a.PasswordHash, "$2"), "expected a bcrypt digest, got %q", a.PasswordHash)

	// Raw file scan: the plaintext must not appear anywhere in the row
	conn, err := sql.Open("sqlite", db.Path())
	require.NoError(t, err)
	defer conn.Close()
	var row string
	require.NoError(t, conn.QueryRow(
		"SELECT account || username || password_hash FROM Account WHERE account = ?", account,
	).Scan(&row))
	assert.NotContains(t, row, password)

	for _, wrong := range []string{"correct horse battery stapl", "Correct horse battery staple", password + " "} {
		_, err := store.Authenticate(ctx, account, wrong)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "password %q", wrong)
	}
	_, err = store.Authenticate(ctx, account, password)
	assert.NoError(t, err)
}

func TestLongPasswordsAreDistinct(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Identical for the first 80 bytes; bcrypt alone would truncate at 72
	base := strings.Repeat("x", 80)
	account, err := store.RegisterUser(ctx, "alice", base+"A")
	require.NoError(t, err)

	_, err = store.Authenticate(ctx, account, base+"B")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = store.Authenticate(ctx, account, base+"A")
	assert.NoError(t, err)
}

func TestRegisterRetriesOnCollision(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.RegisterUser(ctx, "alice", "secret1")
	require.NoError(t, err)

	calls := 0
	store.newID = func(username string, attempt int) string {
		calls++
		if attempt < 3 {
			return first
		}
		return generateAccountID(username, attempt)
	}

	second, err := store.RegisterUser(ctx, "bob", "secret1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 4, calls)
}

func TestRegisterExhaustion(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	taken, err := store.RegisterUser(ctx, "alice", "secret1")
	require.NoError(t, err)

	calls := 0
	store.newID = func(string, int) string {
		calls++
		return taken
	}

	_, err = store.RegisterUser(ctx, "bob", "secret1")
	assert.ErrorIs(t, err, ErrAccountIDExhausted)
	assert.Equal(t, maxIDAttempts, calls)

	count, err := db.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGenerateAccountIDRanges(t *testing.T) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := generateAccountID("alice", attempt)
		n, err := strconv.ParseUint(id, 10, 64)
		require.NoError(t, err)

		if attempt < wideRangeAttempt {
			assert.GreaterOrEqual(t, n, uint64(100000000))
			assert.LessOrEqual(t, n, uint64(999999999))
		} else {
			assert.GreaterOrEqual(t, n, uint64(1000000000))
			assert.LessOrEqual(t, n, uint64(9999999999))
		}
	}
}

func TestTenThousandRegistrationsAreDistinct(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping bulk registration in short mode")
	}
	store, db := newTestStore(t)
	ctx := context.Background()

	const total = 10000
	const workers = 8
	ids := make(chan string, total)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < total; i += workers {
				id, err := store.RegisterUser(ctx, "user"+strconv.Itoa(i), "password")
				if err != nil {
					t.Errorf("registration %d failed: %v", i, err)
					return
				}
				ids <- id
			}
		}(w)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, total)
	for id := range ids {
		assert.False(t, seen[id], "duplicate account %s", id)
		seen[id] = true

		n, err := strconv.ParseUint(id, 10, 64)
		require.NoError(t, err)
		assert.True(t, n >= 100000000 && n <= 9999999999, "account %s out of range", id)
	}
	assert.Len(t, seen, total)

	count, err := db.CountAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(total), count)
}

func TestOnlineBookkeeping(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	bob, err := store.RegisterUser(ctx, "bob", "secret1")
	require.NoError(t, err)
	alice, err := store.RegisterUser(ctx, "alice", "secret1")
	require.NoError(t, err)

	assert.Empty(t, store.OnlineAccounts())

	for i, id := range []string{bob, alice} {
		a, err := store.Authenticate(ctx, id, "secret1")
		require.NoError(t, err)
		store.MarkOnline(a, uint64(i+1))
	}

	want := []string{alice, bob}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	assert.Equal(t, want, store.OnlineAccounts())
	assert.True(t, store.IsOnline(alice))

	cached, err := store.GetAccount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", cached.Username)

	store.MarkOffline(alice, 2)
	assert.False(t, store.IsOnline(alice))
	assert.Equal(t, []string{bob}, store.OnlineAccounts())

	// Offline accounts still resolve through the database
	stored, err := store.GetAccount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)

	_, err = store.GetAccount(ctx, "100000000")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMarkOfflineIgnoresStaleOwner(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.RegisterUser(ctx, "alice", "secret1")
	require.NoError(t, err)
	a, err := store.Authenticate(ctx, id, "secret1")
	require.NoError(t, err)

	store.MarkOnline(a, 1)
	// A second login replaces the first before the first logs out
	store.MarkOnline(a, 2)
	store.MarkOffline(id, 1)
	assert.True(t, store.IsOnline(id), "a stale logout must not take the newer login offline")

	store.MarkOffline(id, 2)
	assert.False(t, store.IsOnline(id))
}
