// Package agentstate derives the interviewer agent's conversational phase
// from stage codes decoded off the wire, and samples turn latency metrics
// from the transitions.
package agentstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/interviewd/internal/protocol"
)

// Phase is the agent's derived conversational phase. Exactly one phase holds
// at a time; Listening is the rest phase.
type Phase int

// Agent phases.
const (
	Listening Phase = iota
	Thinking
	Speaking
	Interrupted
)

func (p Phase) String() string {
	switch p {
	case Listening:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	case Interrupted:
		return "interrupted"
	default:
		return "invalid"
	}
}

// ThinkSample is the time the agent spent thinking before one speaking turn.
type ThinkSample struct {
	Turn     int
	Duration time.Duration
}

// Hooks are optional callbacks invoked on transitions. They run synchronously
// under the machine lock, so they must not call back into the machine.
type Hooks struct {
	// PhaseChanged fires after every accepted transition.
	PhaseChanged func(from, to Phase)
	// Interrupted fires when an interrupt stage code arrives, regardless of
	// whether the phase changed. The in-progress utterance should be dropped.
	Interrupted func()
}

// Machine applies stage codes in arrival order and exposes the derived phase
// plus latency samples. Stage codes that have no valid transition from the
// current phase are logged and ignored rather than guessed at.
type Machine struct {
	mu      sync.Mutex
	phase   Phase
	hooks   Hooks
	logger  *slog.Logger
	mounted time.Time

	turn          int
	thinkStart    time.Time
	firstResponse time.Duration
	hasFirst      bool
	thinkSamples  []ThinkSample
}

// NewMachine creates a machine at rest. mounted anchors the first-response
// latency sample and is normally the moment the session began joining.
func NewMachine(mounted time.Time, hooks Hooks, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		phase:   Listening,
		hooks:   hooks,
		logger:  logger,
		mounted: mounted,
	}
}

// Phase returns the current derived phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// IsListening reports whether the agent is in the rest phase.
func (m *Machine) IsListening() bool {
	return m.Phase() == Listening
}

// Turn returns the number of speaking turns seen so far.
func (m *Machine) Turn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// FirstResponseLatency returns the time from session mount to the agent's
// first speaking turn, and whether a sample was recorded yet.
func (m *Machine) FirstResponseLatency() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstResponse, m.hasFirst
}

// ThinkSamples returns a copy of the recorded think-duration samples.
func (m *Machine) ThinkSamples() []ThinkSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ThinkSample, len(m.thinkSamples))
	copy(out, m.thinkSamples)
	return out
}

// Apply consumes one decoded stage code. Transitions are applied strictly in
// call order.
func (m *Machine) Apply(code protocol.StageCode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	switch code {
	case protocol.StageThinking:
		m.applyThinking(now)
	case protocol.StageSpeaking:
		m.applySpeaking(now)
	case protocol.StageFinished:
		m.applyFinished()
	case protocol.StageInterrupted:
		m.applyInterrupted()
	default:
		// Listening (1) and Unknown (0) carry no transition of their own.
		m.logger.Debug("ignoring stage code without transition", "code", int(code), "phase", m.phase.String())
	}
}

func (m *Machine) applyThinking(now time.Time) {
	switch m.phase {
	case Listening, Interrupted:
		m.thinkStart = now
		m.transition(Thinking)
	case Speaking:
		// No observed stage sequence models thinking during speech; do not
		// invent a transition.
		m.logger.Warn("thinking stage received while speaking, ignoring")
	case Thinking:
		// Repeated thinking updates keep the original start time.
	}
}

func (m *Machine) applySpeaking(now time.Time) {
	wasThinking := m.phase == Thinking
	if m.phase == Speaking {
		return
	}

	m.turn++
	if !m.hasFirst {
		m.firstResponse = now.Sub(m.mounted)
		m.hasFirst = true
	}
	if wasThinking && !m.thinkStart.IsZero() {
		m.thinkSamples = append(m.thinkSamples, ThinkSample{
			Turn:     m.turn,
			Duration: now.Sub(m.thinkStart),
		})
		m.thinkStart = time.Time{}
	}
	m.transition(Speaking)
}

func (m *Machine) applyFinished() {
	switch m.phase {
	case Speaking, Interrupted:
		m.transition(Listening)
	default:
		// Finished only ends a speech turn; outside one it means nothing.
		m.logger.Debug("finished stage outside a speaking turn, ignoring", "phase", m.phase.String())
	}
}

func (m *Machine) applyInterrupted() {
	if m.hooks.Interrupted != nil {
		m.hooks.Interrupted()
	}
	if m.phase == Speaking {
		m.transition(Interrupted)
	}
}

func (m *Machine) transition(to Phase) {
	from := m.phase
	if from == to {
		return
	}
	m.phase = to
	m.logger.Debug("agent phase changed", "from", from.String(), "to", to.String(), "turn", m.turn)
	if m.hooks.PhaseChanged != nil {
		m.hooks.PhaseChanged(from, to)
	}
}
