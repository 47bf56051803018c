package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/duochat/chat-server/internal/messaging"
)

// eventCounts tallies routed events by "type/outcome".
type eventCounts struct {
	mu     sync.Mutex
	counts map[string]int64
	total  int64
}

func newEventCounts() *eventCounts {
	return &eventCounts{counts: make(map[string]int64)}
}

func (c *eventCounts) observe(ev messaging.RoutedEvent) {
	c.mu.Lock()
	c.counts[ev.Type+"/"+ev.Outcome]++
	c.total++
	c.mu.Unlock()
}

// snapshot returns the keys in sorted order with their counts.
func (c *eventCounts) snapshot() ([]string, map[string]int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	keys := make([]string, 0, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, out, c.total
}

// runTail subscribes to every routed event and prints running counts until
// interrupted or the duration elapses.
func runTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	natsURL := fs.String("nats-url", messaging.DefaultNATSConfig().URL, "NATS server URL")
	eventType := fs.String("type", "", "Only follow this event type (default: all)")
	duration := fs.Duration("duration", 0, "Stop after this long (0 = until interrupted)")
	interval := fs.Duration("interval", 5*time.Second, "Progress print interval")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	config := messaging.DefaultNATSConfig()
	config.URL = *natsURL
	config.Name = "duochat-loadtest-tail"
	client, err := messaging.NewNATSClient(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	counts := newEventCounts()
	unsubscribe, err := client.SubscribeEvents(*eventType, func(ev messaging.RoutedEvent) {
		counts.observe(ev)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %v\n", err)
		os.Exit(1)
	}
	defer unsubscribe()

	fmt.Printf("Following %s on %s\n", subjectFor(*eventType), *natsURL)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			printCounts(counts)
			return
		case <-ticker.C:
			_, _, total := counts.snapshot()
			fmt.Printf("  [tail] events: %d\n", total)
		}
	}
}

func subjectFor(eventType string) string {
	if eventType == "" {
		return messaging.SubjectAllEvents
	}
	return messaging.EventSubject(eventType)
}

func printCounts(c *eventCounts) {
	keys, counts, total := c.snapshot()
	fmt.Printf("\n%-40s %10s\n", "TYPE/OUTCOME", "COUNT")
	for _, k := range keys {
		fmt.Printf("%-40s %10d\n", k, counts[k])
	}
	fmt.Printf("%-40s %10d\n", "total", total)
}
