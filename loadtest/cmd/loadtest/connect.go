package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/duochat/chat-server/loadtest/client"
	"github.com/duochat/chat-server/loadtest/stats"
)

// target identifies the server and the simulated user range. Users
// firstUser..firstUser+n-1 must exist in the server's store.
type target struct {
	url       string
	tokens    *client.Tokens
	firstUser int64
}

// targetFlags registers the flags shared by every scenario and returns a
// function building the target after fs.Parse.
func targetFlags(fs *flag.FlagSet) func() target {
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", "dev-secret", "JWT_SECRET of the server, used to mint tokens")
	firstUser := fs.Int64("first-user", 1, "First seeded user id")
	return func() target {
		return target{
			url:       *url,
			tokens:    client.NewTokens(*secret, time.Hour),
			firstUser: *firstUser,
		}
	}
}

// rampConnect opens n connections spread over ramp with at most concurrency
// dials in flight. The returned slice is indexed by user offset; failed
// slots are nil. handlers, when non-nil, supplies the event handlers of the
// user at each offset.
func rampConnect(ctx context.Context, t target, n int, ramp time.Duration, concurrency int,
	collector *stats.Collector, handlers func(offset int) map[string]func(json.RawMessage)) ([]*client.Client, bool) {

	clients := make([]*client.Client, n)

	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				count := collector.ConnectionCount()
				rate := float64(count-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					count, n, collector.ErrorCount(), rate)
				lastCount = count
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
launch:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(offset int) {
			defer wg.Done()
			defer func() { <-sem }()

			userID := t.firstUser + int64(offset)
			wsURL, err := t.tokens.URL(t.url, userID)
			if err != nil {
				collector.AddError()
				return
			}

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			var h map[string]func(json.RawMessage)
			if handlers != nil {
				h = handlers(offset)
			}
			c, err := client.New(connCtx, wsURL, userID, h)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)
			clients[offset] = c
		}(i)
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), n, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

// alive counts the clients whose read loop is still running.
func alive(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		if c != nil && c.Alive() {
			n++
		}
	}
	return n
}

// cleanup closes every open client.
func cleanup(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	closed := 0
	for _, c := range clients {
		if c != nil {
			c.Close()
			closed++
		}
	}
	fmt.Printf("Closed %d connections.\n", closed)
}
