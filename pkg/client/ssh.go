package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const chatroomSSHVersionPrefix = "SSH-2.0-Chatroom"

// hostKeyVerifier checks server keys against known_hosts. A host that is
// not listed is trusted on first use and appended to the first known_hosts
// path; a changed key is always rejected.
type hostKeyVerifier struct {
	host    string
	port    string
	paths   []string
	warning string

	mu    sync.Mutex
	known ssh.HostKeyCallback
}

func newHostKeyVerifier(host, port string) *hostKeyVerifier {
	v := &hostKeyVerifier{host: host, port: port, paths: knownHostPaths()}

	var existing []string
	for _, path := range v.paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		v.warning = "no known_hosts file found; the server's SSH host key will be trusted on first use"
		return v
	}
	if cb, err := knownhosts.New(existing...); err == nil {
		v.known = cb
	} else {
		v.warning = fmt.Sprintf("could not read known_hosts (%v); the server's SSH host key will be trusted on first use", err)
	}
	return v
}

// callback is the ssh.HostKeyCallback for this verifier
func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	v.mu.Lock()
	cb := v.known
	v.mu.Unlock()

	if cb != nil {
		err := cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return v.wrapError(err, key)
		}
	}

	if len(v.paths) > 0 {
		if err := appendKnownHost(v.paths[0], hostname, key); err != nil {
			return fmt.Errorf("failed to record ssh host key for %s: %w", hostname, err)
		}
		if cb, err := knownhosts.New(v.paths[0]); err == nil {
			v.mu.Lock()
			v.known = cb
			v.mu.Unlock()
		}
	}
	return nil
}

func (v *hostKeyVerifier) wrapError(err error, presented ssh.PublicKey) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
		expected := ssh.FingerprintSHA256(keyErr.Want[0].Key)
		return fmt.Errorf("ssh host key verification failed for %s: the server presented key %s but known_hosts (%s:%d) expects %s. Update or remove the entry before retrying",
			net.JoinHostPort(v.host, v.port), ssh.FingerprintSHA256(presented), keyErr.Want[0].Filename, keyErr.Want[0].Line, expected)
	}
	return err
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintf(f, "%s chatroom added=%s\n", line, time.Now().Format(time.RFC3339))
	return err
}

// dialSSH opens an SSH connection and a "session" channel carrying envelopes.
// The server does not authenticate at the SSH layer; accounts log in in-band.
func dialSSH(ctx context.Context, address string, hostKeyCallback ssh.HostKeyCallback) (net.Conn, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            "chatroom",
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	netConn.SetDeadline(time.Time{})

	if banner := string(clientConn.ServerVersion()); !strings.HasPrefix(banner, chatroomSSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("ssh handshake completed but remote server advertised %q; expected a chatroom server", banner)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshClientConn) Write(b []byte) (int, error) { return c.channel.Write(b) }

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
