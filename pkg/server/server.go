package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/chatroom/pkg/accounts"
	"github.com/aeolun/chatroom/pkg/database"
	"github.com/aeolun/chatroom/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// debugLog traces per-message activity; discarded unless EnableDebugLogging is called
	debugLog = log.New(io.Discard, "[DEBUG] ", log.LstdFlags|log.Lmicroseconds)
	errorLog = log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lmicroseconds)
)

// Server is the chat server: it accepts connections on every configured
// transport and runs one session loop per connection
type Server struct {
	db       *database.DB // nil when the store was supplied by the caller
	store    CredentialStore
	sessions *SessionRegistry
	config   ServerConfig

	metrics         *Metrics
	metricsRegistry *prometheus.Registry

	listener    net.Listener
	sshListener net.Listener
	httpServer  *http.Server
	httpAddr    net.Addr

	nextSessionID atomic.Uint64
	startTime     time.Time
	shutdown      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup // accept loops
	sessionsWg    sync.WaitGroup // session loops
}

// NewServer opens the account database at dbPath and creates a server backed by it
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	srv := NewServerWithStore(accounts.NewStore(db, config.BcryptCost), config)
	srv.db = db
	return srv, nil
}

// NewServerWithStore creates a server using an existing credential store
func NewServerWithStore(store CredentialStore, config ServerConfig) *Server {
	if config.MaxProtocolErrors <= 0 {
		config.MaxProtocolErrors = DefaultConfig().MaxProtocolErrors
	}

	// Dedicated registry so each server (and each test) has its own metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg)

	return &Server{
		store:           store,
		sessions:        NewSessionRegistry(metrics),
		config:          config,
		metrics:         metrics,
		metricsRegistry: reg,
		startTime:       time.Now(),
		shutdown:        make(chan struct{}),
	}
}

// EnableDebugLogging turns on per-message trace logging
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Sessions exposes the session registry
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

// Start starts the TCP, HTTP and SSH listeners
func (s *Server) Start() error {
	// Start TCP listener with socket options applied before bind
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	// Start HTTP server (WebSocket, metrics, health)
	if err := s.startHTTPServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// Start SSH server
	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		if s.httpServer != nil {
			s.httpServer.Close()
		}
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// Start accepting connections
	s.wg.Add(1)
	go s.acceptLoop(listener)

	// Watch the kernel's listen queue for dropped connections
	go s.monitorListenOverflows()

	return nil
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes all listeners, disconnects every session, waits for their
// loops to finish and closes the database
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		// Stop accepting new connections on every transport
		if s.listener != nil {
			s.listener.Close()
		}
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.httpServer.Shutdown(ctx)
			cancel()
		}

		s.wg.Wait()

		// Close all sessions, then wait for their loops to clean up
		s.sessions.CloseAll()
		s.sessionsWg.Wait()

		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		// Handle connection in a goroutine
		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			s.serveConn(conn, "tcp")
		}()
	}
}

// admit enforces max_connections; a refused connection is told why and closed
func (s *Server) admit(conn net.Conn) bool {
	if s.config.MaxConnections <= 0 || s.sessions.Count() < s.config.MaxConnections {
		return true
	}

	log.Printf("Refusing connection from %s: server full (%d sessions)", conn.RemoteAddr(), s.sessions.Count())
	s.metrics.RecordConnectionRejected()
	if s.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	protocol.WriteMessage(conn, protocol.NewErrorMessage(protocol.StatusError, "server full"))
	conn.Close()
	return false
}

// serveConn runs the session loop for one connection until it closes.
// Every transport ends up here.
func (s *Server) serveConn(conn net.Conn, transport string) {
	select {
	case <-s.shutdown:
		conn.Close()
		return
	default:
	}

	if !s.admit(conn) {
		return
	}

	// Create session; it stays pending until register or login succeeds
	sess := newSession(s.nextSessionID.Add(1), transport, conn, s.config.WriteTimeout, s.metrics)
	s.sessions.AddPending(sess)
	s.metrics.RecordSessionCreated(transport)
	defer s.closeSession(sess)

	log.Printf("New %s connection from %s (session %d)", transport, sess.RemoteAddr, sess.ID)

	protocolErrors := 0
	for {
		// Idle sessions are closed after read_timeout
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrDecodeFailure) {
				protocolErrors++
				s.metrics.RecordProtocolError()
				log.Printf("Session %d: dropped undecodable message (%d/%d): %v",
					sess.ID, protocolErrors, s.config.MaxProtocolErrors, err)
				if protocolErrors >= s.config.MaxProtocolErrors {
					log.Printf("Session %d: too many protocol errors, closing", sess.ID)
					return
				}
				continue
			}

			// Frame or transport errors end the session
			switch {
			case errors.Is(err, io.EOF) || !sess.Connected():
				log.Printf("Session %d disconnected", sess.ID)
			case isTimeout(err):
				log.Printf("Session %d idle for %v, closing", sess.ID, s.config.ReadTimeout)
			default:
				log.Printf("Session %d read error: %v", sess.ID, err)
			}
			return
		}
		protocolErrors = 0

		if msg == nil {
			// keep-alive
			continue
		}

		debugLog.Printf("Session %d ← RECV: %s", sess.ID, msg.Type())
		s.metrics.RecordMessageReceived(msg.Type().String())

		if err := s.handleMessage(sess, msg); err != nil {
			if errors.Is(err, errSessionLeft) {
				log.Printf("Session %d left", sess.ID)
				return
			}
			errorLog.Printf("Session %d handle error: %v", sess.ID, err)
		}
	}
}

// closeSession moves a session to Closed and releases everything it holds
func (s *Server) closeSession(sess *Session) {
	if released := s.sessions.Remove(sess); released != "" {
		s.store.MarkOffline(released, sess.ID)
	}
	sess.setClosed()
	sess.disconnect()
	s.metrics.RecordSessionDisconnected()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
