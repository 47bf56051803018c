package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/duochat/chat-server/loadtest/stats"
)

// runSaturate opens N authenticated idle connections over a ramp-up period
// and holds them, reporting drops. Every connection triggers a presence
// broadcast to all earlier ones, so this also measures presence fan-out.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	buildTarget := targetFlags(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:9090/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)
	t := buildTarget()

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, t.url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := rampConnect(ctx, t, *connections, *rampUp, *concurrency, collector, nil)

	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		initial := alive(clients)
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				now := alive(clients)
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", now, initial, initial-now)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()

		if dropped := initial - alive(clients); dropped > 0 {
			fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
		}
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}
