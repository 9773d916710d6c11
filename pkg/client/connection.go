package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatroom/pkg/protocol"
)

// ErrClosed is returned once the connection has been closed or lost
var ErrClosed = errors.New("connection closed")

// ServerError is an ERROR message received while waiting for a response
type ServerError struct {
	Code    protocol.Status
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%s): %s", e.Code, e.Message)
}

// Connection is a client connection to a chatroom server over TCP,
// WebSocket or SSH
type Connection struct {
	addr            string
	dial            func(ctx context.Context) (net.Conn, error)
	securityWarning string

	conn    net.Conn
	writeMu sync.Mutex

	incoming chan protocol.Message
	backlogM sync.Mutex
	backlog  []protocol.Message

	errMu sync.Mutex
	err   error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	closeOnce sync.Once
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// NewConnection creates a connection for addr. Plain host:port dials TCP;
// ws://, wss:// and ssh:// URLs select the other transports.
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:            dialConfig.display,
		dial:            dialConfig.dial,
		securityWarning: dialConfig.warning,
		incoming:        make(chan protocol.Message, 100),
		shutdown:        make(chan struct{}),
	}, nil
}

// NewConnectionFromConn wraps an already established transport
func NewConnectionFromConn(conn net.Conn) *Connection {
	c := &Connection{
		addr:     conn.RemoteAddr().String(),
		incoming: make(chan protocol.Message, 100),
		shutdown: make(chan struct{}),
	}
	c.start(conn)
	return c
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the transport and starts reading messages
func (c *Connection) Connect(ctx context.Context) error {
	if c.conn != nil {
		return errors.New("already connected")
	}
	if c.securityWarning != "" {
		c.logf("WARNING: %s", c.securityWarning)
	}

	c.logf("Connecting to %s...", c.addr)
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	c.start(conn)
	c.logf("Connected to %s", c.addr)
	return nil
}

func (c *Connection) start(conn net.Conn) {
	c.conn = conn
	c.wg.Add(1)
	go c.readLoop()
}

// Close closes the transport and waits for the read loop to exit
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.shutdown)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	c.wg.Wait()
	return err
}

// Address returns the display form of the server address
func (c *Connection) Address() string {
	return c.addr
}

// SecurityWarning describes a weakened transport guarantee, if any
func (c *Connection) SecurityWarning() string {
	return c.securityWarning
}

func (c *Connection) BytesSent() uint64     { return c.bytesSent.Load() }
func (c *Connection) BytesReceived() uint64 { return c.bytesReceived.Load() }

// Incoming delivers every message the server sends. It is closed when the
// connection ends; Err then reports why.
func (c *Connection) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Err returns the error that ended the read loop, or nil while connected
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Connection) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Send writes one message. Safe for concurrent use.
func (c *Connection) Send(msg protocol.Message) error {
	if c.conn == nil {
		return errors.New("not connected")
	}
	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w := &countingWriter{w: c.conn, counter: &c.bytesSent}
	if err := protocol.WriteMessage(w, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	c.logf("→ SEND: %s", msg.Type())
	return nil
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer close(c.incoming)

	reader := &countingReader{r: c.conn, counter: &c.bytesReceived}
	for {
		msg, err := protocol.ReadMessage(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrDecodeFailure) {
				c.logf("Dropping undecodable message: %v", err)
				continue
			}
			select {
			case <-c.shutdown:
				c.setErr(ErrClosed)
			default:
				if errors.Is(err, io.EOF) {
					c.logf("Connection closed by server (EOF)")
					c.setErr(ErrClosed)
				} else {
					c.logf("Read error: %v", err)
					c.setErr(fmt.Errorf("read error: %w", err))
				}
			}
			return
		}
		if msg == nil {
			continue
		}

		c.logf("← RECV: %s", msg.Type())

		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			c.setErr(ErrClosed)
			return
		}
	}
}

// Next returns the next message, serving messages set aside by Await first.
// Next and Await assume a single consumer; do not mix them with reading
// Incoming directly.
func (c *Connection) Next(ctx context.Context) (protocol.Message, error) {
	c.backlogM.Lock()
	if len(c.backlog) > 0 {
		msg := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.backlogM.Unlock()
		return msg, nil
	}
	c.backlogM.Unlock()

	select {
	case msg, ok := <-c.incoming:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await waits for a message of one of the given types. Other messages that
// arrive meanwhile are kept for Next. An ERROR message ends the wait with a
// *ServerError unless TypeErrorMessage is among the awaited types.
func (c *Connection) Await(ctx context.Context, types ...protocol.MessageType) (protocol.Message, error) {
	for {
		var msg protocol.Message
		select {
		case m, ok := <-c.incoming:
			if !ok {
				if err := c.Err(); err != nil {
					return nil, err
				}
				return nil, ErrClosed
			}
			msg = m
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		for _, t := range types {
			if msg.Type() == t {
				return msg, nil
			}
		}
		if e, ok := msg.(*protocol.ErrorMessage); ok {
			return nil, &ServerError{Code: e.ErrorCode, Message: e.ErrorMessage}
		}

		c.backlogM.Lock()
		c.backlog = append(c.backlog, msg)
		c.backlogM.Unlock()
	}
}

// Register creates an account and returns the server's response. On
// success the session is already logged in as the new account.
func (c *Connection) Register(ctx context.Context, username, password string) (*protocol.RegisterResponse, error) {
	if err := c.Send(protocol.NewRegisterRequest(username, password)); err != nil {
		return nil, err
	}
	msg, err := c.Await(ctx, protocol.TypeRegisterResponse)
	if err != nil {
		return nil, err
	}
	return msg.(*protocol.RegisterResponse), nil
}

// Login authenticates as account and returns the server's response
func (c *Connection) Login(ctx context.Context, account, password string) (*protocol.LoginResponse, error) {
	if err := c.Send(protocol.NewLoginRequest(account, password)); err != nil {
		return nil, err
	}
	msg, err := c.Await(ctx, protocol.TypeLoginResponse)
	if err != nil {
		return nil, err
	}
	return msg.(*protocol.LoginResponse), nil
}

// Broadcast sends content to every other logged-in user
func (c *Connection) Broadcast(content string) error {
	return c.Send(protocol.NewBroadcastMessage("", content))
}

// Whisper sends content to the account receiver only
func (c *Connection) Whisper(receiver, content string) error {
	return c.Send(protocol.NewPrivateMessage("", receiver, content))
}

// UserList returns the accounts currently online
func (c *Connection) UserList(ctx context.Context) ([]string, error) {
	if err := c.Send(protocol.NewUserListRequest()); err != nil {
		return nil, err
	}
	msg, err := c.Await(ctx, protocol.TypeUserListResponse)
	if err != nil {
		return nil, err
	}
	return msg.(*protocol.UserListResponse).Users, nil
}

// Ping sends a heartbeat and waits for the echo, returning the round trip time
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.Send(protocol.NewHeartbeat()); err != nil {
		return 0, err
	}
	if _, err := c.Await(ctx, protocol.TypeHeartbeat); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Logout returns the session to the unauthenticated state
func (c *Connection) Logout() error {
	return c.Send(protocol.NewUserStatusUpdate(protocol.ActionLogout))
}

// Leave asks the server to end the session; the server closes the connection
func (c *Connection) Leave() error {
	return c.Send(protocol.NewUserStatusUpdate(protocol.ActionLeave))
}

// countingReader counts bytes read from the wire
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	cr.counter.Add(uint64(n))
	return n, err
}

// countingWriter counts bytes written to the wire
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	cw.counter.Add(uint64(n))
	return n, err
}
