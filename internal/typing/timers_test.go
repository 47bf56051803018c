package typing

import (
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

const testIdle = 30 * time.Millisecond

func TestTouch_FiresAfterIdle(t *testing.T) {
	timers := NewTimers(testIdle)
	fired := make(chan int64, 1)

	timers.Touch(2, func() { fired <- 2 })

	select {
	case id := <-fired:
		if id != 2 {
			t.Errorf("expected fire for recipient 2, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	if timers.Pending() != 0 {
		t.Errorf("expected no pending timers after fire, got %d", timers.Pending())
	}
}

func TestTouch_ResetsCountdown(t *testing.T) {
	timers := NewTimers(testIdle)
	var fires int32

	for i := 0; i < 5; i++ {
		fresh := timers.Touch(2, func() { atomic.AddInt32(&fires, 1) })
		if fresh != (i == 0) {
			t.Errorf("Touch #%d: fresh = %v, want %v", i, fresh, i == 0)
		}
		time.Sleep(testIdle / 3)
	}
	if n := atomic.LoadInt32(&fires); n != 0 {
		t.Fatalf("expected no fire while keystrokes keep coming, got %d", n)
	}

	time.Sleep(testIdle * 4)
	if n := atomic.LoadInt32(&fires); n != 1 {
		t.Errorf("expected exactly one fire after going idle, got %d", n)
	}
}

func TestStop_CancelsFire(t *testing.T) {
	timers := NewTimers(testIdle)
	var fires int32

	timers.Touch(2, func() { atomic.AddInt32(&fires, 1) })
	if !timers.Stop(2) {
		t.Error("expected Stop to report a pending timer")
	}
	if timers.Stop(2) {
		t.Error("second Stop should report nothing pending")
	}

	time.Sleep(testIdle * 3)
	if n := atomic.LoadInt32(&fires); n != 0 {
		t.Errorf("expected no fire after Stop, got %d", n)
	}
}

func TestStopAll_CancelsEverythingAndCloses(t *testing.T) {
	timers := NewTimers(testIdle)
	var fires int32
	inc := func() { atomic.AddInt32(&fires, 1) }

	timers.Touch(2, inc)
	timers.Touch(3, inc)
	stopped := timers.StopAll()
	sort.Slice(stopped, func(i, j int) bool { return stopped[i] < stopped[j] })
	if len(stopped) != 2 || stopped[0] != 2 || stopped[1] != 3 {
		t.Errorf("expected recipients [2 3], got %v", stopped)
	}
	if again := timers.StopAll(); len(again) != 0 {
		t.Errorf("second StopAll must report nothing, got %v", again)
	}

	if timers.Touch(4, inc) {
		t.Error("Touch after StopAll must report no new countdown")
	}
	if timers.Pending() != 0 {
		t.Error("Touch after StopAll must be ignored")
	}

	time.Sleep(testIdle * 3)
	if n := atomic.LoadInt32(&fires); n != 0 {
		t.Errorf("expected no fires after StopAll, got %d", n)
	}
}

func TestNewTimers_DefaultWindow(t *testing.T) {
	if got := NewTimers(0).idle; got != DefaultIdleTimeout {
		t.Errorf("expected default idle %s, got %s", DefaultIdleTimeout, got)
	}
}
