// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/interviewd/internal/domain"
)

// Repository defines the interface for persisting interview and session data.
type Repository interface {
	// GetInterview retrieves an interview by its ID. Returns nil when absent.
	GetInterview(ctx context.Context, interviewID string) (*domain.Interview, error)

	// UpsertInterview creates or updates an interview record.
	UpsertInterview(ctx context.Context, iv *domain.Interview) error

	// UpdateSessionState transitions an interview's session state, stamping
	// started_at on the first Active transition and ended_at plus the end
	// reason on Ended.
	UpdateSessionState(ctx context.Context, interviewID string, state domain.SessionState, reason domain.EndReason) error

	// GetStaleSessions retrieves interviews whose sessions have been live
	// longer than maxAge.
	GetStaleSessions(ctx context.Context, maxAge time.Duration) ([]*domain.Interview, error)

	// AppendTranscript archives caption lines for an interview.
	AppendTranscript(ctx context.Context, interviewID string, entries []domain.TranscriptEntry) error

	// GetTranscript retrieves the archived transcript in order.
	GetTranscript(ctx context.Context, interviewID string) ([]domain.TranscriptEntry, error)

	// GetDevicePreference retrieves a candidate's remembered microphone.
	// Returns nil when no preference was stored.
	GetDevicePreference(ctx context.Context, candidateID string) (*domain.DevicePreference, error)

	// SaveDevicePreferenceIfAbsent stores a microphone choice only when the
	// candidate has none yet. Reports whether a row was written.
	SaveDevicePreferenceIfAbsent(ctx context.Context, pref *domain.DevicePreference) (bool, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
