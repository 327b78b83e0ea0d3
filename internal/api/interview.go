package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/identity"
	"github.com/ashureev/interviewd/internal/session"
	"github.com/ashureev/interviewd/internal/store"
)

// startLocks prevents concurrent session starts for the same interview.
var startLocks sync.Map

// InterviewHandler handles interview session endpoints.
type InterviewHandler struct {
	repo      store.Repository
	mgr       *session.Manager
	aiEnabled func() bool
}

// NewInterviewHandler creates an interview handler. aiEnabled reports whether
// the interviewer agent service was reachable at startup.
func NewInterviewHandler(repo store.Repository, mgr *session.Manager, aiEnabled func() bool) *InterviewHandler {
	if aiEnabled == nil {
		aiEnabled = func() bool { return false }
	}
	return &InterviewHandler{repo: repo, mgr: mgr, aiEnabled: aiEnabled}
}

// RegisterRoutes registers interview session routes.
func (h *InterviewHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Route("/interviews/{interviewID}", func(r chi.Router) {
			r.Post("/session", h.StartSession)
			r.Delete("/session", h.CancelSession)
			r.Get("/session", h.GetSession)
			r.Get("/transcript", h.GetTranscript)
		})
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *InterviewHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"ai_enabled": h.aiEnabled(),
	})
}

type startSessionRequest struct {
	JobID           string `json:"job_id"`
	JobApplyID      string `json:"job_apply_id"`
	InterviewNodeID string `json:"interview_node_id"`
}

// StartSession provisions and joins a live session for the interview.
func (h *InterviewHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	interviewID := chi.URLParam(r, "interviewID")
	candidateID := identity.CandidateIDFromContext(r.Context())

	// Prevent concurrent start requests for the same interview.
	lock, _ := startLocks.LoadOrStore(interviewID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		slog.Warn("Session start already in progress", "interview_id", interviewID)
		Error(w, http.StatusConflict, "session_start_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		startLocks.Delete(interviewID)
	}()

	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	iv, err := h.repo.GetInterview(ctx, interviewID)
	if err != nil {
		slog.Error("Failed to load interview", "error", err, "interview_id", interviewID)
		Error(w, http.StatusInternalServerError, "failed to load interview")
		return
	}
	if iv == nil {
		now := time.Now()
		iv = &domain.Interview{
			InterviewID:     interviewID,
			JobID:           req.JobID,
			JobApplyID:      req.JobApplyID,
			InterviewNodeID: req.InterviewNodeID,
			CandidateID:     candidateID,
			State:           domain.SessionIdle,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := h.repo.UpsertInterview(ctx, iv); err != nil {
			slog.Error("Failed to create interview", "error", err, "interview_id", interviewID)
			Error(w, http.StatusInternalServerError, "failed to create interview")
			return
		}
	} else if iv.CandidateID != candidateID {
		Error(w, http.StatusForbidden, "interview belongs to another candidate")
		return
	} else if iv.State == domain.SessionEnded {
		Error(w, http.StatusConflict, "interview already ended")
		return
	}

	slog.Info("Starting interview session", "interview_id", interviewID, "candidate_id", candidateID)

	// The join outlives the HTTP request's context deadline budget, so use a
	// detached timeout.
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctrl, err := h.mgr.Start(startCtx, iv)
	if err != nil {
		if errdefs.IsConflict(err) {
			Error(w, http.StatusConflict, "session already live")
			return
		}
		slog.Error("Failed to start session", "error", err, "interview_id", interviewID)
		Error(w, http.StatusBadGateway, "failed to start session")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"status":  "active",
		"state":   ctrl.State(),
		"room_id": iv.RoomID,
	})
}

// CancelSession ends the session at the candidate's request. The frontend
// confirms the action; the confirm flag makes that explicit on the wire.
func (h *InterviewHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	interviewID := chi.URLParam(r, "interviewID")

	if r.URL.Query().Get("confirm") != "true" {
		Error(w, http.StatusBadRequest, "cancellation requires confirm=true")
		return
	}

	if err := h.mgr.Cancel(r.Context(), interviewID); err != nil {
		if errdefs.IsNotFound(err) {
			Error(w, http.StatusNotFound, "no live session")
			return
		}
		slog.Error("Failed to cancel session", "error", err, "interview_id", interviewID)
		Error(w, http.StatusInternalServerError, "failed to cancel session")
		return
	}

	slog.Info("Session canceled by candidate", "interview_id", interviewID)
	JSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// GetSession returns the session's lifecycle state.
func (h *InterviewHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	interviewID := chi.URLParam(r, "interviewID")

	if ctrl := h.mgr.Get(interviewID); ctrl != nil {
		resp := map[string]interface{}{
			"state":           ctrl.State(),
			"network_quality": ctrl.NetworkQuality(),
		}
		if started := ctrl.StartedAt(); !started.IsZero() {
			resp["started_at"] = started
		}
		JSON(w, http.StatusOK, resp)
		return
	}

	iv, err := h.repo.GetInterview(r.Context(), interviewID)
	if err != nil {
		slog.Error("Failed to load interview", "error", err, "interview_id", interviewID)
		Error(w, http.StatusInternalServerError, "failed to load interview")
		return
	}
	if iv == nil {
		Error(w, http.StatusNotFound, "interview not found")
		return
	}
	resp := map[string]interface{}{"state": iv.State}
	if iv.EndReason != "" {
		resp["end_reason"] = iv.EndReason
	}
	JSON(w, http.StatusOK, resp)
}

// GetTranscript returns the caption history: the live view while the session
// runs, the archived copy afterwards. speaker=agent narrows it to the
// interviewer agent's lines.
func (h *InterviewHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	interviewID := chi.URLParam(r, "interviewID")
	agentOnly := r.URL.Query().Get("speaker") == "agent"

	if ctrl := h.mgr.Get(interviewID); ctrl != nil {
		messages := ctrl.Transcript()
		if agentOnly {
			messages = ctrl.AgentTranscript()
		}
		entries := make([]map[string]interface{}, 0, len(messages))
		for _, m := range messages {
			entries = append(entries, map[string]interface{}{
				"speaker":  m.Speaker,
				"text":     m.Text,
				"definite": m.Definite,
			})
		}
		JSON(w, http.StatusOK, map[string]interface{}{"live": true, "entries": entries})
		return
	}

	archived, err := h.repo.GetTranscript(r.Context(), interviewID)
	if err != nil {
		slog.Error("Failed to load transcript", "error", err, "interview_id", interviewID)
		Error(w, http.StatusInternalServerError, "failed to load transcript")
		return
	}
	entries := make([]map[string]interface{}, 0, len(archived))
	for _, e := range archived {
		if agentOnly && (e.Text == "" || !strings.HasPrefix(e.Speaker, session.AgentIdentityPrefix)) {
			continue
		}
		entries = append(entries, map[string]interface{}{
			"speaker":  e.Speaker,
			"text":     e.Text,
			"definite": e.Definite,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"live": false, "entries": entries})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
