package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/chatroom/pkg/accounts"
	"github.com/aeolun/chatroom/pkg/client"
	"github.com/aeolun/chatroom/pkg/database"
)

// memStore is an in-memory CredentialStore with plain-text passwords
type memStore struct {
	mu        sync.Mutex
	accounts  map[string]*database.Account
	passwords map[string]string
	online    map[string]uint64 // account -> owning session
	nextID    int
}

func newMemStore() *memStore {
	return &memStore{
		accounts:  make(map[string]*database.Account),
		passwords: make(map[string]string),
		online:    make(map[string]uint64),
		nextID:    100000000,
	}
}

func (m *memStore) RegisterUser(ctx context.Context, username, password string) (string, error) {
	if username == "" {
		return "", accounts.ErrInvalidUsername
	}
	if len(password) < accounts.MinPasswordLength {
		return "", accounts.ErrPasswordTooShort
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("%d", m.nextID)
	m.accounts[id] = &database.Account{Account: id, Username: username, CreatedAt: time.Now().UnixMilli()}
	m.passwords[id] = password
	return id, nil
}

func (m *memStore) Authenticate(ctx context.Context, account, password string) (*database.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[account]
	if !ok {
		return nil, accounts.ErrAccountNotFound
	}
	if m.passwords[account] != password {
		return nil, accounts.ErrInvalidCredentials
	}
	return a, nil
}

func (m *memStore) GetAccount(ctx context.Context, account string) (*database.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[account]
	if !ok {
		return nil, accounts.ErrAccountNotFound
	}
	return a, nil
}

func (m *memStore) MarkOnline(a *database.Account, owner uint64) {
	m.mu.Lock()
	m.online[a.Account] = owner
	m.mu.Unlock()
}

func (m *memStore) MarkOffline(account string, owner uint64) {
	m.mu.Lock()
	if current, ok := m.online[account]; ok && current == owner {
		delete(m.online, account)
	}
	m.mu.Unlock()
}

func (m *memStore) IsOnline(account string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.online[account]
	return ok
}

func (m *memStore) OnlineAccounts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.online))
	for a := range m.online {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// quietLogs silences the package loggers for the duration of a test
func quietLogs(t *testing.T) {
	t.Helper()
	prevDebug, prevError := debugLog, errorLog
	prevOutput := log.Writer()
	debugLog = log.New(io.Discard, "", 0)
	errorLog = log.New(io.Discard, "", 0)
	log.SetOutput(io.Discard)
	t.Cleanup(func() {
		debugLog, errorLog = prevDebug, prevError
		log.SetOutput(prevOutput)
	})
}

// newTestServer creates a server on an in-memory store without listeners
func newTestServer(t *testing.T, config ServerConfig) (*Server, *memStore) {
	t.Helper()
	quietLogs(t)

	store := newMemStore()
	srv := NewServerWithStore(store, config)
	t.Cleanup(func() { srv.Stop() })
	return srv, store
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.SSHPort = 0
	cfg.ReadTimeout = 0
	cfg.WriteTimeout = 5 * time.Second
	return cfg
}

// pipeConn runs a session over net.Pipe and returns the client end
func pipeConn(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	srv.sessionsWg.Add(1)
	go func() {
		defer srv.sessionsWg.Done()
		srv.serveConn(serverSide, "tcp")
	}()
	t.Cleanup(func() { clientSide.Close() })
	return clientSide
}

// connect runs a session over net.Pipe and wraps it in a client connection
func connect(t *testing.T, srv *Server) *client.Connection {
	t.Helper()
	c := client.NewConnectionFromConn(pipeConn(t, srv))
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or the test times out
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// expectSilence verifies nothing but the heartbeat echo arrives: the ping
// round trip orders any earlier delivery before the echo
func expectSilence(t *testing.T, c *client.Connection) {
	t.Helper()
	if _, err := c.Ping(testContext(t)); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if msg, err := c.Next(ctx); err == nil {
		t.Fatalf("expected no message, got %s %#v", msg.Type(), msg)
	}
}

// registerUser registers username on a fresh connection and returns both
func registerUser(t *testing.T, srv *Server, username string) (*client.Connection, string) {
	t.Helper()
	c := connect(t, srv)
	resp, err := c.Register(testContext(t), username, "password1")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	if resp.Account == "" {
		t.Fatalf("register %s: %s %q", username, resp.Status, resp.Message)
	}
	return c, resp.Account
}
