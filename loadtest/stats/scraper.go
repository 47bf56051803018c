package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// metricSnapshot holds the tracked server metrics at one point in time.
type metricSnapshot struct {
	timestamp    time.Time
	connections  float64
	onlineUsers  float64
	eventsRouted float64
	eventsMissed float64
	denied       float64
	rateLimited  float64
	latencySum   float64
	latencyCount float64
}

// Scraper periodically fetches the server's Prometheus endpoint during a
// load test and keeps the snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper fetching metricsURL every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes an initial snapshot and keeps scraping in the background until
// ctx is cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for its final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.timestamp = time.Now()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot reads a Prometheus text exposition and picks out the duochat
// series. Labeled counters are summed across label sets.
func parseSnapshot(r io.Reader) (metricSnapshot, error) {
	var snap metricSnapshot

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "duochat_connections_total":
			snap.connections = value
		case "duochat_online_users":
			snap.onlineUsers = value
		case "duochat_events_routed_total":
			if strings.Contains(labels, `kind="forward"`) {
				snap.eventsRouted += value
				if strings.Contains(labels, `outcome="missed"`) {
					snap.eventsMissed += value
				}
			}
		case "duochat_policy_denied_total":
			snap.denied = value
		case "duochat_rate_limited_total":
			snap.rateLimited = value
		case "duochat_message_latency_seconds_sum":
			snap.latencySum = value
		case "duochat_message_latency_seconds_count":
			snap.latencyCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits `name{labels} value` or `name value` into its
// parts. ok is false for lines that do not parse.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.LastIndexByte(line, '}')
		if closing < open {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : closing]
		rest = line[closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", 0, false
		}
		name = fields[0]
		rest = strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report prints the initial, final, delta and peak value of each tracked
// metric, then the average server-side message latency over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label   string
		extract func(metricSnapshot) float64
	}{
		{"Connections", func(m metricSnapshot) float64 { return m.connections }},
		{"Online Users", func(m metricSnapshot) float64 { return m.onlineUsers }},
		{"Events Routed", func(m metricSnapshot) float64 { return m.eventsRouted }},
		{"Events Missed", func(m metricSnapshot) float64 { return m.eventsMissed }},
		{"Policy Denied", func(m metricSnapshot) float64 { return m.denied }},
		{"Rate Limited", func(m metricSnapshot) float64 { return m.rateLimited }},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, row := range rows {
		initial, final := row.extract(first), row.extract(last)
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			row.label, initial, final, final-initial, peakValue(snaps, row.extract))
	}

	fmt.Println()
	deltaCount := last.latencyCount - first.latencyCount
	if deltaCount > 0 {
		avg := (last.latencySum - first.latencySum) / deltaCount
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Msg Latency", avg, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Msg Latency")
	}
}

func peakValue(snaps []metricSnapshot, extract func(metricSnapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
