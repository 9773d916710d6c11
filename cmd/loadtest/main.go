package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/chatroom/pkg/client"
	"github.com/aeolun/chatroom/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

const botPassword = "loadtest"

var loremWords = strings.Fields(loremIpsum)

var usernameWords = []string{
	"amber", "brook", "cedar", "delta", "ember", "fjord", "grove", "harbor",
	"island", "juniper", "kestrel", "lagoon", "meadow", "nimbus", "orchid",
	"pebble", "quartz", "raven", "summit", "thistle", "umber", "valley",
	"willow", "yarrow", "zephyr",
}

// generateUsername combines fragments of two random words with the bot id
func generateUsername(id int) string {
	frag := func(word string) string {
		n := 3 + rand.Intn(4)
		if n > len(word) {
			n = len(word)
		}
		return word[:n]
	}
	word1 := usernameWords[rand.Intn(len(usernameWords))]
	word2 := usernameWords[rand.Intn(len(usernameWords))]
	return fmt.Sprintf("%s%s%d", frag(word1), frag(word2), id)
}

func randomContent() string {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	broadcastsSent   atomic.Int64
	whispersSent     atomic.Int64
	messagesReceived atomic.Int64
	sendFailures     atomic.Int64
	connectionErrors atomic.Int64
	disconnections   atomic.Int64
	pings            atomic.Int64
	totalPingTime    atomic.Int64 // in microseconds
	timeouts         atomic.Int64
}

func (s *Stats) recordPing(rtt time.Duration) {
	s.pings.Add(1)
	s.totalPingTime.Add(rtt.Microseconds())
}

func (s *Stats) avgPingMs() float64 {
	n := s.pings.Load()
	if n == 0 {
		return 0
	}
	return float64(s.totalPingTime.Load()) / float64(n) / 1000.0
}

func (s *Stats) sent() int64 {
	return s.broadcastsSent.Load() + s.whispersSent.Load()
}

// BotClient simulates a single chatting user
type BotClient struct {
	id       int
	conn     *client.Connection
	stats    *Stats
	account  string
	username string

	peersMu sync.Mutex
	peers   []string
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, err
	}
	return &BotClient{
		id:       id,
		conn:     conn,
		stats:    stats,
		username: generateUsername(id),
	}, nil
}

// Connect dials the server and registers a fresh account
func (bc *BotClient) Connect(ctx context.Context) error {
	if err := bc.conn.Connect(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := bc.conn.Register(ctx, bc.username, botPassword)
	if err != nil {
		bc.conn.Close()
		return fmt.Errorf("register: %w", err)
	}
	if resp.Status != protocol.StatusSuccess {
		bc.conn.Close()
		return fmt.Errorf("register rejected: %s", resp.Message)
	}
	bc.account = resp.Account
	return nil
}

// refreshPeers fetches the online user list so whispers have a target
func (bc *BotClient) refreshPeers(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	users, err := bc.conn.UserList(ctx)
	if err != nil {
		return err
	}
	peers := users[:0]
	for _, u := range users {
		if u != bc.account {
			peers = append(peers, u)
		}
	}
	bc.peersMu.Lock()
	bc.peers = peers
	bc.peersMu.Unlock()
	return nil
}

func (bc *BotClient) randomPeer() (string, bool) {
	bc.peersMu.Lock()
	defer bc.peersMu.Unlock()
	if len(bc.peers) == 0 {
		return "", false
	}
	return bc.peers[rand.Intn(len(bc.peers))], true
}

// SendRandomMessage broadcasts (80%) or whispers to a random peer (20%)
func (bc *BotClient) SendRandomMessage() error {
	content := randomContent()

	if rand.Float32() < 0.2 {
		if peer, ok := bc.randomPeer(); ok {
			if err := bc.conn.Whisper(peer, content); err != nil {
				bc.recordSendError(err)
				return err
			}
			bc.stats.whispersSent.Add(1)
			return nil
		}
	}

	if err := bc.conn.Broadcast(content); err != nil {
		bc.recordSendError(err)
		return err
	}
	bc.stats.broadcastsSent.Add(1)
	return nil
}

func (bc *BotClient) recordSendError(err error) {
	if errors.Is(err, client.ErrClosed) {
		bc.stats.disconnections.Add(1)
		return
	}
	bc.stats.sendFailures.Add(1)
}

// drain counts incoming chat traffic until the connection ends
func (bc *BotClient) drain(ctx context.Context) {
	for {
		msg, err := bc.conn.Next(ctx)
		if err != nil {
			return
		}
		switch msg.(type) {
		case *protocol.BroadcastMessage, *protocol.PrivateMessage:
			bc.stats.messagesReceived.Add(1)
		}
	}
}

func (bc *BotClient) ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rtt, err := bc.conn.Ping(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			bc.stats.timeouts.Add(1)
		}
		return
	}
	bc.stats.recordPing(rtt)
}

func (bc *BotClient) Run(ctx context.Context, minDelay, maxDelay, shutdownDelay time.Duration) {
	defer bc.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	// Request/response calls must finish before drain takes over the reader
	bc.refreshPeers(ctx)
	bc.ping(ctx)

	drainCtx, stopDrain := context.WithCancel(ctx)
	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		bc.drain(drainCtx)
	}()

	for ctx.Err() == nil {
		if err := bc.SendRandomMessage(); err != nil && errors.Is(err, client.ErrClosed) {
			break
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	stopDrain()
	drained.Wait()

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	bc.conn.Leave()

	// Give server time to process the leave before closing
	time.Sleep(100 * time.Millisecond)
}

func main() {
	serverAddr := flag.String("server", "localhost:9999", "Server address (host:port, ws://, ssh://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	flag.Parse()

	if *numClients <= 0 {
		log.Fatal("-clients must be positive")
	}
	if *maxDelay < *minDelay {
		log.Fatal("-max-delay must not be below -min-delay")
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Printf("Shutdown signal received, stopping test...")
			cancel()
		case <-ctx.Done():
		}
	}()

	stats := &Stats{}
	startTime := time.Now()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(startTime).Seconds()
				sent := stats.sent()
				log.Printf("Stats: %d sent (%.1f/s), %d received, %d failed, %d conn errors, avg ping %.2fms",
					sent, float64(sent)/elapsed, stats.messagesReceived.Load(),
					stats.sendFailures.Load(), stats.connectionErrors.Load(), stats.avgPingMs())
			case <-stopStats:
				return
			}
		}
	}()

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Connect(ctx); err != nil {
				stats.connectionErrors.Add(1)
				if id == 0 {
					log.Printf("[Bot %d] connect failed: %v", id, err)
				}
				return
			}

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s (%s)", id, bot.username, bot.account)
			}

			bot.Run(ctx, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(staggerDelay):
		}
	}

	wg.Wait()
	close(stopStats)

	totalDuration := time.Since(startTime)
	sent := stats.sent()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", totalDuration.Round(time.Millisecond))
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/totalDuration.Seconds())
	log.Printf("  - Broadcasts: %d", stats.broadcastsSent.Load())
	log.Printf("  - Whispers: %d", stats.whispersSent.Load())
	log.Printf("Messages received: %d", stats.messagesReceived.Load())
	log.Printf("Send failures: %d", stats.sendFailures.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Ping timeouts: %d", stats.timeouts.Load())
	log.Printf("Connection errors: %d", stats.connectionErrors.Load())
	log.Printf("Average ping: %.2fms", stats.avgPingMs())

	if sent > 0 {
		successRate := float64(sent) / float64(sent+stats.sendFailures.Load()) * 100
		log.Printf("Send success rate: %.1f%%", successRate)
	}
}
