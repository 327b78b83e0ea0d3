package timers

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerFiresOnce(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	var fired atomic.Int32
	s.Start("connect", 10*time.Millisecond, func() { fired.Add(1) })

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
	if s.Active("connect") {
		t.Fatal("timer still active after firing")
	}
}

func TestSchedulerCancelPreventsFire(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	var fired atomic.Int32
	s.Start("silence-1", 20*time.Millisecond, func() { fired.Add(1) })
	s.Cancel("silence-1")

	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times, want 0", got)
	}
}

func TestSchedulerStartReplacesLiveTimer(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	var first, second atomic.Int32
	s.Start("reconnect", 20*time.Millisecond, func() { first.Add(1) })
	s.Start("reconnect", 40*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if got := first.Load(); got != 0 {
		t.Errorf("replaced timer fired %d times, want 0", got)
	}
	if got := second.Load(); got != 1 {
		t.Errorf("replacement timer fired %d times, want 1", got)
	}
}

func TestSchedulerCallbackCanRearm(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	done := make(chan struct{})
	var count atomic.Int32
	s.Start("silence-1", 10*time.Millisecond, func() {
		count.Add(1)
		s.Start("silence-1", 10*time.Millisecond, func() {
			count.Add(1)
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-armed timer never fired")
	}
	if got := count.Load(); got != 2 {
		t.Fatalf("fired %d times, want 2", got)
	}
}

func TestSchedulerCancelAll(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	var fired atomic.Int32
	s.Start("connect", 20*time.Millisecond, func() { fired.Add(1) })
	s.Start("silence-1", 20*time.Millisecond, func() { fired.Add(1) })
	s.CancelAll()

	time.Sleep(60 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times after CancelAll, want 0", got)
	}
	if s.Active("connect") || s.Active("silence-1") {
		t.Fatal("timers still active after CancelAll")
	}
}
