// Package domain contains core domain types for the interview session engine.
package domain

import (
	"time"
)

// SessionState is the lifecycle state of one interview session. Ended is
// terminal; every other state can still reach it.
type SessionState string

// Session lifecycle states.
const (
	SessionIdle         SessionState = "idle"
	SessionJoining      SessionState = "joining"
	SessionActive       SessionState = "active"
	SessionReconnecting SessionState = "reconnecting"
	SessionEnded        SessionState = "ended"
)

// EndReason records why a session terminated. Remote disconnects are a
// normal, non-error path distinct from user cancellation.
type EndReason string

// Session end reasons.
const (
	EndRemoteDisconnect EndReason = "remote_disconnect"
	EndUserCanceled     EndReason = "user_canceled"
	EndSilenceTimeout   EndReason = "silence_timeout"
	EndRoomDestroyed    EndReason = "room_destroyed"
	EndConnectionLost   EndReason = "connection_lost"
	EndMaxDuration      EndReason = "max_duration"
)

// Interview is the persisted record of one AI interview and its session.
type Interview struct {
	InterviewID     string       `json:"interview_id"`
	JobID           string       `json:"job_id"`
	JobApplyID      string       `json:"job_apply_id"`
	InterviewNodeID string       `json:"interview_node_id"`
	CandidateID     string       `json:"candidate_id"`
	RoomID          string       `json:"room_id,omitempty"`
	RoomUserID      string       `json:"room_user_id,omitempty"`
	State           SessionState `json:"state"`
	EndReason       EndReason    `json:"end_reason,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Live reports whether the interview currently has a running session.
func (i *Interview) Live() bool {
	switch i.State {
	case SessionJoining, SessionActive, SessionReconnecting:
		return true
	default:
		return false
	}
}

// TranscriptEntry is one archived caption line.
type TranscriptEntry struct {
	InterviewID string    `json:"interview_id"`
	Seq         int       `json:"seq"`
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	Paragraph   bool      `json:"paragraph"`
	Definite    bool      `json:"definite"`
	ReceivedAt  time.Time `json:"received_at"`
}

// DevicePreference is a candidate's remembered microphone choice. It is
// written once, the first time a device is picked, and never overwritten by
// the engine.
type DevicePreference struct {
	CandidateID   string    `json:"candidate_id"`
	AudioDeviceID string    `json:"audio_device_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}
