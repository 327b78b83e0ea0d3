// Package timers provides a named-timer scheduler shared by the connection
// monitor and the silence watchdog. All failure-detection timers in a session
// go through one scheduler so the "at most one live timer per purpose"
// invariant is enforced in a single place.
package timers

import (
	"sync"
	"time"
)

// Timer names used by the session engine.
const (
	TimerConnect   = "connect"
	TimerReconnect = "reconnect"
	TimerSilence1  = "silence-1"
	TimerSilence2  = "silence-2"
)

// Scheduler manages named one-shot timers. Starting a timer always cancels a
// live timer of the same name first, so two timers for the same purpose can
// never be in flight together.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[string]*time.Timer)}
}

// Start arms the named timer to run fn after d, replacing any live timer with
// the same name. The timer is marked inactive before fn runs, so fn may
// re-arm the same name.
func (s *Scheduler) Start(name string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.pending[name]; ok {
		t.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		// A concurrent Start may have replaced this timer; only the current
		// holder of the name clears it.
		if s.pending[name] == timer {
			delete(s.pending, name)
		} else {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		fn()
	})
	s.pending[name] = timer
}

// Cancel stops the named timer if it is live. Cancelling an inactive name is
// a no-op.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.pending[name]; ok {
		t.Stop()
		delete(s.pending, name)
	}
}

// Active reports whether the named timer is armed and has not yet fired.
func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[name]
	return ok
}

// CancelAll stops every live timer. Called at session teardown.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, t := range s.pending {
		t.Stop()
		delete(s.pending, name)
	}
}
