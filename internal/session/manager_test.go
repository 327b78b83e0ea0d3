package session

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/rtc"
	"github.com/ashureev/interviewd/internal/telemetry"
)

func newTestManager(t *testing.T) (*Manager, *memRepo, *fakeFinisher) {
	t.Helper()

	repo := newMemRepo()
	finisher := &fakeFinisher{}
	deps := Deps{
		NewEngine:   func(ctx context.Context) (rtc.Engine, error) { return newFakeEngine(), nil },
		Provisioner: &fakeProvisioner{},
		Finisher:    finisher,
		Repo:        repo,
		Telemetry:   telemetry.NoopRecorder{},
		Timeouts: Timeouts{
			Connect:       time.Second,
			Reconnect:     time.Second,
			SilenceWindow: time.Hour,
			SilenceGrace:  time.Hour,
		},
	}
	return NewManager(deps, repo, time.Hour, nil), repo, finisher
}

func managerInterview(id string) *domain.Interview {
	return &domain.Interview{
		InterviewID: id,
		JobID:       "job-1",
		JobApplyID:  "apply-1",
		CandidateID: "cand-1",
		State:       domain.SessionIdle,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestManagerRefusesSecondLiveSession(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	if _, err := m.Start(context.Background(), managerInterview("iv-1")); err != nil {
		t.Fatalf("first Start: %v", err)
	}

	_, err := m.Start(context.Background(), managerInterview("iv-1"))
	if !errdefs.IsConflict(err) {
		t.Fatalf("second Start err = %v, want conflict", err)
	}
	if m.Count() != 1 {
		t.Fatalf("Count = %d", m.Count())
	}
}

func TestManagerCancelRemovesSession(t *testing.T) {
	t.Parallel()

	m, _, finisher := newTestManager(t)
	if _, err := m.Start(context.Background(), managerInterview("iv-1")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Cancel(context.Background(), "iv-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if finisher.count() != 1 {
		t.Fatalf("finish flow invoked %d times", finisher.count())
	}
	if m.Get("iv-1") != nil {
		t.Fatal("ended session still registered")
	}

	// A new session for the same interview is allowed after the end.
	if _, err := m.Start(context.Background(), managerInterview("iv-1")); err != nil {
		t.Fatalf("restart after cancel: %v", err)
	}
}

func TestManagerCancelUnknownSession(t *testing.T) {
	t.Parallel()

	m, _, _ := newTestManager(t)
	err := m.Cancel(context.Background(), "iv-missing")
	if !errdefs.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestManagerSweepEndsOverlongSessions(t *testing.T) {
	t.Parallel()

	m, repo, finisher := newTestManager(t)
	m.maxDuration = 10 * time.Millisecond

	if _, err := m.Start(context.Background(), managerInterview("iv-1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	m.sweep(context.Background())

	if finisher.count() != 1 {
		t.Fatalf("finish flow invoked %d times", finisher.count())
	}
	if repo.lastReason != domain.EndMaxDuration {
		t.Fatalf("persisted reason = %v", repo.lastReason)
	}
	if m.Get("iv-1") != nil {
		t.Fatal("swept session still registered")
	}
}

func TestManagerShutdownSkipsFinishFlow(t *testing.T) {
	t.Parallel()

	m, _, finisher := newTestManager(t)
	if _, err := m.Start(context.Background(), managerInterview("iv-1")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Start(context.Background(), managerInterview("iv-2")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.Shutdown(context.Background())

	if finisher.count() != 0 {
		t.Fatalf("finish flow invoked %d times during shutdown", finisher.count())
	}
	if m.Count() != 0 {
		t.Fatalf("Count = %d after shutdown", m.Count())
	}
}
