package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH listener if ssh_port is set
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	config, err := s.sshServerConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener
	log.Printf("SSH server listening on %s", addr)

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
	return nil
}

// sshServerConfig builds an anonymous SSH server configuration with the host key
func (s *Server) sshServerConfig() (*ssh.ServerConfig, error) {
	hostKey, err := loadOrGenerateHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}

	// Accounts authenticate in-band with LOGIN_REQUEST; SSH only carries envelopes
	config := &ssh.ServerConfig{NoClientAuth: true}
	config.ServerVersion = "SSH-2.0-Chatroom"
	config.AddHostKey(hostKey)
	return config, nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			log.Printf("SSH accept error: %v", err)
			continue
		}

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			s.handleSSHConnection(conn, config)
		}()
	}
}

// handleSSHConnection performs the handshake and runs one session per "session" channel
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	// Handshakes must not hang forever on a silent peer
	conn.SetDeadline(time.Now().Add(30 * time.Second))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	// chans only closes with the connection, so Stop has to close it
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	var channels sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("Could not accept SSH channel: %v", err)
			continue
		}
		go handleSSHChannelRequests(requests)

		channels.Add(1)
		go func() {
			defer channels.Done()
			s.serveConn(newSSHChannelConn(channel, sshConn), "ssh")
		}()
	}
	channels.Wait()
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn.
// SSH channels have no deadlines, so a read deadline is emulated by
// closing the channel when it expires.
type sshChannelConn struct {
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr

	mu        sync.Mutex
	readTimer *time.Timer
	timedOut  bool
}

func newSSHChannelConn(channel ssh.Channel, conn ssh.ConnMetadata) *sshChannelConn {
	return &sshChannelConn{channel: channel, local: conn.LocalAddr(), remote: conn.RemoteAddr()}
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	n, err := c.channel.Read(b)
	if err != nil {
		c.mu.Lock()
		timedOut := c.timedOut
		c.mu.Unlock()
		if timedOut {
			return n, os.ErrDeadlineExceeded
		}
	}
	return n, err
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshChannelConn) Close() error {
	c.mu.Lock()
	if c.readTimer != nil {
		c.readTimer.Stop()
	}
	c.mu.Unlock()
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.remote }

func (c *sshChannelConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *sshChannelConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if t.IsZero() {
		return nil
	}
	c.readTimer = time.AfterFunc(time.Until(t), func() {
		c.mu.Lock()
		c.timedOut = true
		c.mu.Unlock()
		c.channel.Close()
	})
	return nil
}

func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the SSH host key, generating an ed25519 key
// on first start
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)",
			DefaultConfig().SSHHostKeyPath)
	}
	keyPath, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(privateKey, "chatroom host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	return ssh.NewSignerFromKey(privateKey)
}
