package stats

import (
	"sync"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	c := NewCollector()
	for i := 100; i >= 1; i-- {
		c.Add(SeriesDelivery, time.Duration(i)*time.Millisecond)
	}

	s, ok := c.Summarize(SeriesDelivery)
	if !ok {
		t.Fatal("Summarize returned no data")
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"avg", s.Avg, 50500 * time.Microsecond},
		{"p50", s.P50, 51 * time.Millisecond},
		{"p95", s.P95, 95 * time.Millisecond},
		{"p99", s.P99, 99 * time.Millisecond},
		{"max", s.Max, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
	if s.N != 100 {
		t.Errorf("N = %d, want 100", s.N)
	}
}

func TestSummarize_Empty(t *testing.T) {
	c := NewCollector()
	if _, ok := c.Summarize(SeriesAck); ok {
		t.Error("expected no summary for an empty series")
	}
}

func TestSummarize_SingleSample(t *testing.T) {
	c := NewCollector()
	c.Add(SeriesAck, 7*time.Millisecond)

	s, _ := c.Summarize(SeriesAck)
	if s.P50 != 7*time.Millisecond || s.P99 != 7*time.Millisecond || s.Max != 7*time.Millisecond {
		t.Errorf("single sample summary = %+v", s)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.AddConnect(time.Millisecond)
			c.AddError()
		}()
	}
	wg.Wait()

	if c.ConnectionCount() != 50 {
		t.Errorf("ConnectionCount = %d, want 50", c.ConnectionCount())
	}
	if c.ErrorCount() != 50 {
		t.Errorf("ErrorCount = %d, want 50", c.ErrorCount())
	}
	if s, _ := c.Summarize(SeriesConnect); s.N != 50 {
		t.Errorf("connect samples = %d, want 50", s.N)
	}
}
