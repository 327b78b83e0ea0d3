// Package watchdog detects prolonged candidate silence while the agent is
// listening, escalating from a spoken prompt to session termination.
package watchdog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/interviewd/internal/timers"
)

// Watchdog runs a two-stage inactivity window. While the agent is listening
// it measures time since the later of listening entry and the last human
// caption. The first expiry issues a spoken warning; the second issues a
// final notice and, after a grace delay, terminates the session exactly once.
type Watchdog struct {
	mu    sync.Mutex
	sched *timers.Scheduler

	window time.Duration
	grace  time.Duration

	// warn sends the first-stage spoken prompt, finalNotice the second-stage
	// spoken notice. terminate ends the session; it fires at most once.
	warn        func()
	finalNotice func()
	terminate   func()

	logger *slog.Logger

	listening     bool
	warningIssued bool
	terminated    bool
}

// New creates a watchdog on the shared scheduler. window is the per-stage
// silence allowance, grace the delay between the final notice and
// termination.
func New(sched *timers.Scheduler, window, grace time.Duration, warn, finalNotice, terminate func(), logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		sched:       sched,
		window:      window,
		grace:       grace,
		warn:        warn,
		finalNotice: finalNotice,
		terminate:   terminate,
		logger:      logger,
	}
}

// EnterListening starts a fresh silence window. Any prior warning state is
// kept only within one continuous listening span, so re-entry clears it.
func (w *Watchdog) EnterListening() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listening = true
	w.warningIssued = false
	w.sched.Start(timers.TimerSilence1, w.window, w.expire)
}

// LeaveListening cancels the active window and clears the warning flag. A
// second-stage grace delay already armed is committed and still fires: the
// candidate was warned twice before it was scheduled.
func (w *Watchdog) LeaveListening() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listening = false
	w.warningIssued = false
	w.sched.Cancel(timers.TimerSilence1)
}

// Activity resets the silence baseline to now. Called when a caption
// attributable to the human participant arrives.
func (w *Watchdog) Activity() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.listening || w.terminated {
		return
	}
	w.sched.Start(timers.TimerSilence1, w.window, w.expire)
}

// Stop cancels both stages for good. Called at session teardown.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.terminated = true
	w.sched.Cancel(timers.TimerSilence1)
	w.sched.Cancel(timers.TimerSilence2)
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	if !w.listening || w.terminated {
		w.mu.Unlock()
		return
	}

	if !w.warningIssued {
		w.warningIssued = true
		w.sched.Start(timers.TimerSilence1, w.window, w.expire)
		w.mu.Unlock()
		w.logger.Info("silence window expired, prompting candidate", "window", w.window)
		w.warn()
		return
	}

	// Second expiry: commit to termination after the grace delay.
	w.sched.Start(timers.TimerSilence2, w.grace, w.fireTerminate)
	w.mu.Unlock()
	w.logger.Warn("silence window expired twice, terminating after grace", "grace", w.grace)
	w.finalNotice()
}

func (w *Watchdog) fireTerminate() {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return
	}
	w.terminated = true
	w.mu.Unlock()
	w.terminate()
}
