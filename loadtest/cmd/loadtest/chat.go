package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/duochat/chat-server/internal/protocol"
	"github.com/duochat/chat-server/loadtest/client"
	"github.com/duochat/chat-server/loadtest/stats"
)

// contentPrefix marks load test messages. The send time in unix nanoseconds
// follows it so both the ack and the delivery can be timed from the content.
const contentPrefix = "lt:"

// peer is the per-user state of the chat scenario.
type peer struct {
	typingSince atomic.Int64 // unix nanos of the last typing_start; 0 when idle
	received    atomic.Int64
}

// runChat pairs users (first+2i, first+2i+1) and has both sides of each
// pair exchange messages for a fixed duration. Each message is preceded by
// typing_start, and every tenth round each side marks its partner's messages
// read. It measures ack, delivery and typing latency.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	buildTarget := targetFlags(fs)
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:9090/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)
	t := buildTarget()

	// Leave room for the timestamp header.
	if *msgSize > protocol.MaxTextChars-64 {
		*msgSize = protocol.MaxTextChars - 64
	}
	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, t.url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	peers := make([]*peer, totalClients)
	for i := range peers {
		peers[i] = &peer{}
	}
	var rejected atomic.Int64

	handlers := func(offset int) map[string]func(json.RawMessage) {
		partner := peers[offset^1]
		self := peers[offset]
		return map[string]func(json.RawMessage){
			protocol.TypeMessageSent: func(raw json.RawMessage) {
				if d, ok := sentAt(raw); ok {
					collector.Add(stats.SeriesAck, d)
				}
			},
			protocol.TypeReceiveMessage: func(raw json.RawMessage) {
				if d, ok := sentAt(raw); ok {
					collector.Add(stats.SeriesDelivery, d)
					self.received.Add(1)
				}
			},
			protocol.TypeUserTyping: func(json.RawMessage) {
				if since := partner.typingSince.Swap(0); since > 0 {
					collector.Add(stats.SeriesTyping, time.Since(time.Unix(0, since)))
				}
			},
			protocol.TypeError: func(json.RawMessage) {
				rejected.Add(1)
			},
		}
	}

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := rampConnect(ctx, t, totalClients, *rampUp, *concurrency, collector, handlers)
	if interrupted {
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	padding := strings.Repeat("abcdefgh", *msgSize/8+1)[:*msgSize]

	fmt.Printf("\n--- Phase 2: Chatting for %s ---\n", *chatDuration)
	chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
	defer cancel()

	var sent atomic.Int64
	var wg sync.WaitGroup
	formed := 0
	for i := 0; i+1 < totalClients; i += 2 {
		a, b := clients[i], clients[i+1]
		if a == nil || b == nil {
			continue
		}
		formed++
		for _, side := range []struct {
			from, to *client.Client
			state    *peer
		}{{a, b, peers[i]}, {b, a, peers[i+1]}} {
			wg.Add(1)
			go func(from, to *client.Client, state *peer) {
				defer wg.Done()
				chatLoop(chatCtx, from, to.UserID, state, padding, *msgInterval, &sent, collector)
			}(side.from, side.to, side.state)
		}
	}
	fmt.Printf("Running %d pairs\n", formed)

	progressTicker := time.NewTicker(5 * time.Second)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

progress:
	for {
		select {
		case <-done:
			break progress
		case <-progressTicker.C:
			var received int64
			for _, p := range peers {
				received += p.received.Load()
			}
			fmt.Printf("  [chat] sent: %d  received: %d  errors: %d  alive: %d/%d\n",
				sent.Load(), received, rejected.Load(), alive(clients), totalClients)
		}
	}
	progressTicker.Stop()

	// Let in-flight deliveries land before closing.
	time.Sleep(500 * time.Millisecond)

	var received int64
	for _, p := range peers {
		received += p.received.Load()
	}
	fmt.Printf("\nChat phase complete: sent %d, received %d, server errors %d\n",
		sent.Load(), received, rejected.Load())

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}

// chatLoop sends one message to recipient every interval until ctx ends.
func chatLoop(ctx context.Context, from *client.Client, recipient int64, state *peer,
	padding string, interval time.Duration, sent *atomic.Int64, collector *stats.Collector) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state.typingSince.CompareAndSwap(0, time.Now().UnixNano())
		if err := from.Send(protocol.TypeTypingStart, protocol.TypingStartMsg{RecipientID: recipient}); err != nil {
			collector.AddError()
			return
		}

		content := contentPrefix + strconv.FormatInt(time.Now().UnixNano(), 10) + ":" + padding
		if err := from.Send(protocol.TypeSendMessage, protocol.SendMessageMsg{
			RecipientID: recipient,
			Content:     content,
		}); err != nil {
			collector.AddError()
			return
		}
		sent.Add(1)

		if round%10 == 0 {
			_ = from.Send(protocol.TypeMarkAsRead, protocol.MarkAsReadMsg{SenderID: recipient})
		}
	}
}

// sentAt extracts the send time from a load test message event and returns
// the elapsed time.
func sentAt(raw json.RawMessage) (time.Duration, bool) {
	var msg struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return 0, false
	}
	rest, ok := strings.CutPrefix(msg.Content, contentPrefix)
	if !ok {
		return 0, false
	}
	stamp, _, _ := strings.Cut(rest, ":")
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Since(time.Unix(0, nanos)), true
}
