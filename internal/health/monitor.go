// Package health watches connection establishment and recovery deadlines and
// raises diagnostics when the transport fails to report progress in time.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/interviewd/internal/timers"
)

// Stages reported in connection diagnostics.
const (
	StageInitial      = "initial"
	StageReconnecting = "reconnecting"
)

// Diagnostic describes one connection timeout event.
type Diagnostic struct {
	Stage   string
	Elapsed time.Duration
}

// Monitor arms a connect timer while the session is joining and a reconnect
// timer while the transport is recovering. A timer firing is non-fatal: it
// surfaces a user warning and a diagnostic, nothing more.
type Monitor struct {
	mu    sync.Mutex
	sched *timers.Scheduler

	connectTimeout   time.Duration
	reconnectTimeout time.Duration

	// warn surfaces a user-facing connectivity warning; diagnose records the
	// timeout for telemetry.
	warn     func(stage string)
	diagnose func(Diagnostic)

	logger *slog.Logger

	startedAt map[string]time.Time
}

// NewMonitor creates a monitor on the shared scheduler.
func NewMonitor(sched *timers.Scheduler, connectTimeout, reconnectTimeout time.Duration, warn func(string), diagnose func(Diagnostic), logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sched:            sched,
		connectTimeout:   connectTimeout,
		reconnectTimeout: reconnectTimeout,
		warn:             warn,
		diagnose:         diagnose,
		logger:           logger,
		startedAt:        make(map[string]time.Time),
	}
}

// StartConnectTimeout arms the initial-connect deadline. A live connect timer
// is always replaced.
func (m *Monitor) StartConnectTimeout() {
	m.start(timers.TimerConnect, StageInitial, m.connectTimeout)
}

// StopConnectTimeout cancels the initial-connect deadline. Called once the
// room is joined and local media is enabled.
func (m *Monitor) StopConnectTimeout() {
	m.stop(timers.TimerConnect, StageInitial)
}

// StartReconnectTimeout arms the reconnect deadline when the transport
// reports it is recovering.
func (m *Monitor) StartReconnectTimeout() {
	m.start(timers.TimerReconnect, StageReconnecting, m.reconnectTimeout)
}

// StopReconnectTimeout cancels the reconnect deadline once the transport
// reports recovery.
func (m *Monitor) StopReconnectTimeout() {
	m.stop(timers.TimerReconnect, StageReconnecting)
}

// Stop cancels both deadlines. Called at session teardown.
func (m *Monitor) Stop() {
	m.stop(timers.TimerConnect, StageInitial)
	m.stop(timers.TimerReconnect, StageReconnecting)
}

func (m *Monitor) start(timer, stage string, d time.Duration) {
	m.mu.Lock()
	m.startedAt[stage] = time.Now()
	m.mu.Unlock()

	m.sched.Start(timer, d, func() { m.expired(stage) })
}

func (m *Monitor) stop(timer, stage string) {
	m.sched.Cancel(timer)
	m.mu.Lock()
	delete(m.startedAt, stage)
	m.mu.Unlock()
}

func (m *Monitor) expired(stage string) {
	m.mu.Lock()
	started, ok := m.startedAt[stage]
	delete(m.startedAt, stage)
	m.mu.Unlock()
	if !ok {
		return
	}

	elapsed := time.Since(started)
	m.logger.Warn("connection deadline expired", "stage", stage, "elapsed", elapsed)
	if m.warn != nil {
		m.warn(stage)
	}
	if m.diagnose != nil {
		m.diagnose(Diagnostic{Stage: stage, Elapsed: elapsed})
	}
}
