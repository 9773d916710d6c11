package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatroom/pkg/protocol"
)

// ErrSessionDisconnected is returned when sending to a session whose connection is gone
var ErrSessionDisconnected = errors.New("session disconnected")

// SessionState is the authentication state of a session
type SessionState int32

const (
	StatePending SessionState = iota
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents an active client connection
type Session struct {
	ID         uint64
	Transport  string // "tcp", "websocket" or "ssh"
	RemoteAddr string

	conn         net.Conn
	writeTimeout time.Duration
	metrics      *Metrics

	writeMu   sync.Mutex  // serializes envelopes on the wire
	connected atomic.Bool // cleared on kick or close; checked before every send

	mu       sync.RWMutex // protects state, account and username
	state    SessionState
	account  string
	username string
}

func newSession(id uint64, transport string, conn net.Conn, writeTimeout time.Duration, metrics *Metrics) *Session {
	sess := &Session{
		ID:           id,
		Transport:    transport,
		RemoteAddr:   conn.RemoteAddr().String(),
		conn:         conn,
		writeTimeout: writeTimeout,
		metrics:      metrics,
		state:        StatePending,
	}
	sess.connected.Store(true)
	return sess
}

// Send writes one message to the session. Concurrent callers are serialized.
func (s *Session) Send(msg protocol.Message) error {
	if !s.connected.Load() {
		return ErrSessionDisconnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := protocol.WriteMessage(s.conn, msg); err != nil {
		// A partial frame leaves the stream unusable; the session's own
		// loop sees the closed conn and cleans up
		s.disconnect()
		return fmt.Errorf("session %d: write failed: %w", s.ID, err)
	}

	s.metrics.RecordMessageSent(msg.Type().String())
	debugLog.Printf("Session %d → SEND: %s", s.ID, msg.Type())
	return nil
}

// Connected reports whether the session can still be written to
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// disconnect marks the session unusable and closes its connection,
// which unblocks a pending read in the session's own loop
func (s *Session) disconnect() {
	if s.connected.Swap(false) {
		s.conn.Close()
	}
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Account returns the authenticated account number, or "" while pending
func (s *Session) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) setAuthenticated(account, username string) {
	s.mu.Lock()
	s.state = StateAuthenticated
	s.account = account
	s.username = username
	s.mu.Unlock()
}

func (s *Session) setPending() {
	s.mu.Lock()
	s.state = StatePending
	s.account = ""
	s.username = ""
	s.mu.Unlock()
}

func (s *Session) setClosed() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}
