package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/store"
)

// Manager is the registry of live session controllers, one per interview at
// most. It also runs the sweeper that force-terminates sessions exceeding the
// maximum interview duration and marks sessions orphaned by a crash.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Controller

	deps        Deps
	repo        store.Repository
	logger      *slog.Logger
	maxDuration time.Duration
}

// NewManager creates a manager. deps is the controller dependency template;
// the manager fills OnEnded itself.
func NewManager(deps Deps, repo store.Repository, maxDuration time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if maxDuration <= 0 {
		maxDuration = time.Hour
	}
	return &Manager{
		sessions:    make(map[string]*Controller),
		deps:        deps,
		repo:        repo,
		logger:      logger,
		maxDuration: maxDuration,
	}
}

// Start creates a controller for the interview and joins its session. A
// second live session for the same interview is refused.
func (m *Manager) Start(ctx context.Context, iv *domain.Interview) (*Controller, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[iv.InterviewID]; ok && existing.State() != domain.SessionEnded {
		m.mu.Unlock()
		return nil, fmt.Errorf("interview %s already has a live session: %w", iv.InterviewID, errdefs.ErrConflict)
	}

	deps := m.deps
	deps.OnEnded = m.remove
	ctrl := NewController(iv, deps)
	m.sessions[iv.InterviewID] = ctrl
	m.mu.Unlock()

	if err := ctrl.Join(ctx); err != nil {
		m.remove(iv.InterviewID)
		return nil, err
	}
	return ctrl, nil
}

// Get returns the live controller for an interview, or nil.
func (m *Manager) Get(interviewID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[interviewID]
}

// Cancel ends an interview's session at the candidate's request.
func (m *Manager) Cancel(ctx context.Context, interviewID string) error {
	ctrl := m.Get(interviewID)
	if ctrl == nil {
		return fmt.Errorf("no live session for interview %s: %w", interviewID, errdefs.ErrNotFound)
	}
	ctrl.Cancel(ctx)
	return nil
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) remove(interviewID string) {
	m.mu.Lock()
	delete(m.sessions, interviewID)
	m.mu.Unlock()
}

// Shutdown tears down every live session without the finish flow. Used on
// process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ctrls := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		ctrls = append(ctrls, c)
	}
	m.mu.Unlock()

	for _, c := range ctrls {
		c.Teardown(ctx)
	}
}

// StartSweeper runs a background goroutine that periodically force-ends
// overlong sessions and marks sessions a previous process left behind.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("session sweeper started", "interval", interval, "max_duration", m.maxDuration)

		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-ctx.Done():
				m.logger.Info("session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.maxDuration)

	m.mu.Lock()
	var overlong []*Controller
	for _, c := range m.sessions {
		if started := c.StartedAt(); !started.IsZero() && started.Before(cutoff) {
			overlong = append(overlong, c)
		}
	}
	m.mu.Unlock()

	for _, c := range overlong {
		m.logger.Warn("sweeper ending overlong session",
			"interview_id", c.Interview().InterviewID,
			"started_at", c.StartedAt())
		c.terminate(domain.EndMaxDuration, true)
	}

	// Rows still marked live with no controller belong to a crashed process.
	stale, err := m.repo.GetStaleSessions(ctx, m.maxDuration)
	if err != nil {
		m.logger.Error("sweeper failed to query stale sessions", "error", err)
		return
	}
	for _, iv := range stale {
		if m.Get(iv.InterviewID) != nil {
			continue
		}
		m.logger.Warn("sweeper marking orphaned session ended", "interview_id", iv.InterviewID)
		if err := m.repo.UpdateSessionState(ctx, iv.InterviewID, domain.SessionEnded, domain.EndConnectionLost); err != nil {
			m.logger.Error("sweeper failed to mark session ended",
				"interview_id", iv.InterviewID, "error", err)
		}
	}
}
