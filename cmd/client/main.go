package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/chatroom/pkg/client"
	"github.com/aeolun/chatroom/pkg/protocol"
)

const usage = `Commands:
  /register <username> <password>   create an account and log in
  /login <account> <password>        log in to an existing account
  /w <account> <message>             whisper to one user
  /users                             list online accounts
  /ping                              measure round trip time
  /logout                            log out but stay connected
  /quit                              leave the chat
Anything else is broadcast to every logged-in user.`

func main() {
	server := flag.String("server", "localhost:9999", "Server address (host:port, ws://host:port/ws, ssh://host:port)")
	debug := flag.Bool("debug", false, "Log connection details to stderr")
	flag.Parse()

	conn, err := client.NewConnection(*server)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	if *debug {
		conn.SetLogger(log.New(os.Stderr, "[client] ", log.LstdFlags))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = conn.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *server, err)
	}
	defer conn.Close()

	if warning := conn.SecurityWarning(); warning != "" {
		fmt.Fprintln(os.Stderr, "WARNING:", warning)
	}
	fmt.Printf("Connected to %s\n%s\n", conn.Address(), usage)

	done := make(chan struct{})
	go func() {
		defer close(done)
		printIncoming(conn)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				conn.Leave()
				return
			}
			quit, err := handleLine(conn, strings.TrimSpace(line))
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if quit {
				conn.Leave()
				<-done
				return
			}
		case <-sigChan:
			conn.Leave()
			return
		case <-done:
			if err := conn.Err(); err != nil {
				fmt.Fprintln(os.Stderr, "connection lost:", err)
			} else {
				fmt.Println("connection closed by server")
			}
			return
		}
	}
}

// handleLine turns one input line into a request. It reports whether the
// user asked to quit.
func handleLine(conn *client.Connection, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if line == "quit" || line == "QUIT" {
		return true, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, conn.Broadcast(line)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/register", "/login":
		name, password, ok := strings.Cut(rest, " ")
		if !ok || name == "" || password == "" {
			return false, fmt.Errorf("usage: %s <name> <password>", cmd)
		}
		if cmd == "/register" {
			return false, conn.Send(protocol.NewRegisterRequest(name, password))
		}
		return false, conn.Send(protocol.NewLoginRequest(name, password))
	case "/w":
		receiver, content, ok := strings.Cut(rest, " ")
		if !ok || receiver == "" {
			return false, fmt.Errorf("usage: /w <account> <message>")
		}
		return false, conn.Whisper(receiver, content)
	case "/users":
		return false, conn.Send(protocol.NewUserListRequest())
	case "/ping":
		return false, conn.Send(protocol.NewHeartbeat())
	case "/logout":
		return false, conn.Logout()
	case "/quit":
		return true, nil
	case "/help":
		fmt.Println(usage)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
}

// printIncoming writes every server message to stdout until the connection ends
func printIncoming(conn *client.Connection) {
	for {
		msg, err := conn.Next(context.Background())
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *protocol.BroadcastMessage:
			fmt.Println(m.Content)
		case *protocol.PrivateMessage:
			fmt.Println(m.Content)
		case *protocol.RegisterResponse:
			fmt.Printf("* %s (%s)\n", m.Message, m.Status)
		case *protocol.LoginResponse:
			if m.Status == protocol.StatusSuccess {
				fmt.Printf("* logged in as %s (%s)\n", m.Username, m.Account)
			} else {
				fmt.Printf("* login failed: %s (%s)\n", m.Message, m.Status)
			}
		case *protocol.UserListResponse:
			fmt.Printf("* online (%d): %s\n", len(m.Users), strings.Join(m.Users, ", "))
		case *protocol.Heartbeat:
			fmt.Println("* pong")
		case *protocol.ErrorMessage:
			fmt.Printf("* server error %s: %s\n", m.ErrorCode, m.ErrorMessage)
		}
	}
}
