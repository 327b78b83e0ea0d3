package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/finish"
	"github.com/ashureev/interviewd/internal/identity"
	"github.com/ashureev/interviewd/internal/provision"
	"github.com/ashureev/interviewd/internal/rtc"
	"github.com/ashureev/interviewd/internal/session"
	"github.com/ashureev/interviewd/internal/store"
	"github.com/ashureev/interviewd/internal/telemetry"
)

type stubEngine struct {
	*rtc.Dispatcher
}

func (stubEngine) Join(context.Context, rtc.JoinParams) error { return nil }
func (stubEngine) Leave(context.Context) error { return nil }
func (stubEngine) StartAudioCapture(context.Context, string) error { return nil }
func (stubEngine) StopAudioCapture(context.Context) error { return nil }
func (stubEngine) StartVideoCapture(context.Context) error { return nil }
func (stubEngine) StopVideoCapture(context.Context) error { return nil }
func (stubEngine) PublishAudio(context.Context) error { return nil }
func (stubEngine) UnpublishAudio(context.Context) error { return nil }
func (stubEngine) AudioInputs(context.Context) ([]rtc.Device, error) {
	return []rtc.Device{{ID: "mic-1", Label: "Test Mic"}}, nil
}
func (stubEngine) SetAudioInput(context.Context, string) error { return nil }
func (stubEngine) SendBinary(context.Context, string, []byte) error { return nil }
func (stubEngine) Close() error { return nil }

type stubProvisioner struct{}

func (stubProvisioner) Credentials(ctx context.Context, interviewID string) (*provision.Credentials, error) {
	return &provision.Credentials{RoomID: "r1", UserID: "u1", Token: "t1", AppID: "a1"}, nil
}
func (stubProvisioner) StartAgent(ctx context.Context, interviewID, roomID string) error { return nil }
func (stubProvisioner) StopAgent(ctx context.Context, interviewID, roomID string) error { return nil }

type stubFinisher struct{}

func (stubFinisher) Complete(ctx context.Context, report finish.Report) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, store.Repository, *session.Manager) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	mgr := session.NewManager(session.Deps{
		NewEngine: func(ctx context.Context) (rtc.Engine, error) {
			return stubEngine{Dispatcher: rtc.NewDispatcher()}, nil
		},
		Provisioner: stubProvisioner{},
		Finisher:    stubFinisher{},
		Repo:        repo,
		Telemetry:   telemetry.NoopRecorder{},
		Timeouts: session.Timeouts{
			Connect:       time.Second,
			Reconnect:     time.Second,
			SilenceWindow: time.Hour,
			SilenceGrace:  time.Hour,
		},
	}, repo, time.Hour, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware())
	handler := NewInterviewHandler(repo, mgr, func() bool { return true })
	handler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, repo, mgr
}

func doRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set(identity.CandidateHeaderName, "cand-1")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestStartSessionAndConflict(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := `{"job_id":"job-1","job_apply_id":"apply-1","interview_node_id":"node-1"}`
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/interviews/iv-1/session", body)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	// A second start while the session lives is refused.
	resp2 := doRequest(t, http.MethodPost, srv.URL+"/api/interviews/iv-1/session", body)
	defer func() { _ = resp2.Body.Close() }()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate start status = %d, want 409", resp2.StatusCode)
	}
}

func TestCancelRequiresConfirmation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodDelete, srv.URL+"/api/interviews/iv-1/session", "")
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unconfirmed cancel status = %d, want 400", resp.StatusCode)
	}
}

func TestCancelSessionLifecycle(t *testing.T) {
	srv, _, mgr := newTestServer(t)

	body := `{"job_id":"job-1","job_apply_id":"apply-1","interview_node_id":"node-1"}`
	resp := doRequest(t, http.MethodPost, srv.URL+"/api/interviews/iv-2/session", body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/interviews/iv-2/session?confirm=true", "")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	if mgr.Get("iv-2") != nil {
		t.Fatal("session still registered after cancel")
	}

	// Cancel with no live session is a 404.
	resp = doRequest(t, http.MethodDelete, srv.URL+"/api/interviews/iv-2/session?confirm=true", "")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("repeat cancel status = %d, want 404", resp.StatusCode)
	}
}

func TestGetSessionFallsBackToStore(t *testing.T) {
	srv, repo, _ := newTestServer(t)

	now := time.Now()
	iv := &domain.Interview{
		InterviewID: "iv-3",
		JobID:       "job-1",
		JobApplyID:  "apply-1",
		CandidateID: "cand-1",
		State:       domain.SessionEnded,
		EndReason:   domain.EndSilenceTimeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := repo.UpsertInterview(context.Background(), iv); err != nil {
		t.Fatalf("UpsertInterview: %v", err)
	}

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/interviews/iv-3/session", "")
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session status = %d", resp.StatusCode)
	}
}

func TestGetSessionUnknownInterview(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/interviews/missing/session", "")
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestIdentityRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/config", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without identity = %d, want 401", resp.StatusCode)
	}
}
