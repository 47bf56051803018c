// Package stats aggregates latency samples from many load test clients and
// prints a percentile report, optionally alongside server-side Prometheus
// metrics.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Series names used by the load test scenarios.
const (
	SeriesConnect  = "connect"  // dial plus authenticated upgrade
	SeriesAck      = "ack"      // send_message until message_sent
	SeriesDelivery = "delivery" // send_message until the peer's receive_message
	SeriesTyping   = "typing"   // typing_start until the peer's user_typing
)

// Collector aggregates latency samples per series. All methods are
// goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	series      map[string][]time.Duration
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// SetScraper attaches a Prometheus scraper whose report is printed after the
// client-side numbers.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.series[SeriesConnect] = append(c.series[SeriesConnect], d)
	c.connections++
	c.mu.Unlock()
}

// Add records one latency sample in series.
func (c *Collector) Add(series string, d time.Duration) {
	c.mu.Lock()
	c.series[series] = append(c.series[series], d)
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Summary is the percentile distribution of one series.
type Summary struct {
	N                  int
	Avg, P50, P95, P99 time.Duration
	Max                time.Duration
}

// Summarize returns the distribution of series. ok is false when no sample
// was recorded.
func (c *Collector) Summarize(series string) (Summary, bool) {
	c.mu.Lock()
	samples := make([]time.Duration, len(c.series[series]))
	copy(samples, c.series[series])
	c.mu.Unlock()

	if len(samples) == 0 {
		return Summary{}, false
	}
	return summarize(samples), true
}

// Report prints a summary of the collected metrics to stdout.
func (c *Collector) Report() {
	elapsed := time.Since(c.startTime)

	c.mu.Lock()
	connections, errors, scraper := c.connections, c.errors, c.scraper
	c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", connections)
	fmt.Printf("Errors:       %d\n", errors)
	if connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(errors)/float64(connections)*100)
	}

	for _, name := range []string{SeriesConnect, SeriesAck, SeriesDelivery, SeriesTyping} {
		s, ok := c.Summarize(name)
		if !ok {
			continue
		}
		fmt.Printf("\n--- %s latency ---\n", name)
		fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			s.Avg.Round(time.Microsecond),
			s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond),
			s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond),
			s.N,
		)
	}

	if scraper != nil {
		scraper.Report()
	}

	fmt.Println()
}

// summarize sorts samples in place and computes the distribution.
func summarize(samples []time.Duration) Summary {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	n := len(samples)
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: samples[n/2],
		P95: samples[rank(n, 0.95)],
		P99: samples[rank(n, 0.99)],
		Max: samples[n-1],
	}
}

// rank is the nearest-rank index of percentile p among n sorted samples.
func rank(n int, p float64) int {
	return int(math.Ceil(float64(n)*p)) - 1
}
