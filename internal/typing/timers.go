// Package typing keeps the server-side idle countdown behind "X is typing"
// indicators, so an indicator clears even when the client crashes mid-word.
package typing

import (
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a typing indicator stays up without new
// keystroke activity.
const DefaultIdleTimeout = 3 * time.Second

// Timers holds one countdown per recipient for a single sending connection.
// It is safe for concurrent use; the fire callbacks run on timer goroutines.
type Timers struct {
	mu      sync.Mutex
	idle    time.Duration
	pending map[int64]*time.Timer
	closed  bool
}

// NewTimers creates a Timers with the given idle window. A non-positive
// window selects DefaultIdleTimeout.
func NewTimers(idle time.Duration) *Timers {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Timers{idle: idle, pending: make(map[int64]*time.Timer)}
}

// Touch (re)arms the countdown for recipient. When it expires, fire is
// called once. It reports whether a new countdown was started, as opposed to
// extending a pending one. Touch after StopAll is ignored and returns false.
func (t *Timers) Touch(recipient int64, fire func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	prev, extended := t.pending[recipient]
	if extended {
		prev.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(t.idle, func() {
		t.mu.Lock()
		// A newer Touch or a Stop may have replaced this timer.
		if t.pending[recipient] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.pending, recipient)
		t.mu.Unlock()
		fire()
	})
	t.pending[recipient] = timer
	return !extended
}

// Stop cancels the countdown for recipient and reports whether one was
// pending.
func (t *Timers) Stop(recipient int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.pending[recipient]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.pending, recipient)
	return true
}

// StopAll cancels every pending countdown and disables further Touch calls.
// It returns the recipients whose countdown was cancelled; the caller owes
// each of them the stop notification the timer would have sent.
func (t *Timers) StopAll() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stopped []int64
	for id, timer := range t.pending {
		// A timer that already fired but has not taken mu yet sees its
		// entry gone and stays silent, so it is reported here too.
		timer.Stop()
		delete(t.pending, id)
		stopped = append(stopped, id)
	}
	t.closed = true
	return stopped
}

// Pending returns the number of armed countdowns.
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
