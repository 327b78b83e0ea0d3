package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS interviews (
		interview_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		job_apply_id TEXT NOT NULL,
		interview_node_id TEXT NOT NULL,
		candidate_id TEXT NOT NULL,
		room_id TEXT,
		room_user_id TEXT,
		state TEXT NOT NULL,
		end_reason TEXT,
		started_at INTEGER,
		ended_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interviews_live ON interviews(started_at) WHERE state IN ('joining','active','reconnecting');

	CREATE TABLE IF NOT EXISTS transcript_entries (
		interview_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		paragraph INTEGER NOT NULL DEFAULT 0,
		definite INTEGER NOT NULL DEFAULT 0,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (interview_id, seq)
	);

	CREATE TABLE IF NOT EXISTS device_prefs (
		candidate_id TEXT PRIMARY KEY,
		audio_device_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetInterview retrieves an interview by its ID.
func (s *SQLiteStore) GetInterview(ctx context.Context, interviewID string) (*domain.Interview, error) {
	query := `
		SELECT interview_id, job_id, job_apply_id, interview_node_id, candidate_id,
		       room_id, room_user_id, state, end_reason,
		       started_at, ended_at, created_at, updated_at
		FROM interviews WHERE interview_id = ?`

	row := s.db.QueryRowContext(ctx, query, interviewID)
	iv, err := scanInterview(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan interview row: %w", err)
	}
	return iv, nil
}

func scanInterview(scan func(...any) error) (*domain.Interview, error) {
	var iv domain.Interview
	var roomID, roomUserID, endReason sql.NullString
	var startedAt, endedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := scan(
		&iv.InterviewID, &iv.JobID, &iv.JobApplyID, &iv.InterviewNodeID, &iv.CandidateID,
		&roomID, &roomUserID, &iv.State, &endReason,
		&startedAt, &endedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	iv.RoomID = roomID.String
	iv.RoomUserID = roomUserID.String
	iv.EndReason = domain.EndReason(endReason.String)
	if startedAt.Valid {
		ts := time.Unix(startedAt.Int64, 0)
		iv.StartedAt = &ts
	}
	if endedAt.Valid {
		ts := time.Unix(endedAt.Int64, 0)
		iv.EndedAt = &ts
	}
	iv.CreatedAt = time.Unix(createdAt, 0)
	iv.UpdatedAt = time.Unix(updatedAt, 0)
	return &iv, nil
}

// UpsertInterview creates or updates an interview record.
func (s *SQLiteStore) UpsertInterview(ctx context.Context, iv *domain.Interview) error {
	query := `
	INSERT INTO interviews (
		interview_id, job_id, job_apply_id, interview_node_id, candidate_id,
		room_id, room_user_id, state, end_reason, started_at, ended_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(interview_id) DO UPDATE SET
		room_id = excluded.room_id,
		room_user_id = excluded.room_user_id,
		state = excluded.state,
		end_reason = excluded.end_reason,
		started_at = COALESCE(excluded.started_at, interviews.started_at),
		ended_at = COALESCE(excluded.ended_at, interviews.ended_at),
		updated_at = excluded.updated_at`

	var startedAt, endedAt interface{}
	if iv.StartedAt != nil {
		startedAt = iv.StartedAt.Unix()
	}
	if iv.EndedAt != nil {
		endedAt = iv.EndedAt.Unix()
	}
	var endReason interface{}
	if iv.EndReason != "" {
		endReason = string(iv.EndReason)
	}

	_, err := s.db.ExecContext(ctx, query,
		iv.InterviewID, iv.JobID, iv.JobApplyID, iv.InterviewNodeID, iv.CandidateID,
		nullable(iv.RoomID), nullable(iv.RoomUserID), string(iv.State), endReason,
		startedAt, endedAt, iv.CreatedAt.Unix(), iv.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert interview: %w", err)
	}
	return nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// UpdateSessionState transitions an interview's session state.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, interviewID string, state domain.SessionState, reason domain.EndReason) error {
	now := time.Now().Unix()
	query := `UPDATE interviews SET state = ?, updated_at = ?`
	args := []interface{}{string(state), now}

	switch state {
	case domain.SessionActive:
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	case domain.SessionEnded:
		query += `, ended_at = ?, end_reason = ?`
		args = append(args, now, string(reason))
	}
	query += ` WHERE interview_id = ?`
	args = append(args, interviewID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSessionState affected 0 rows", "interview_id", interviewID, "state", state)
	}
	return nil
}

// GetStaleSessions retrieves interviews whose sessions have outlived maxAge.
func (s *SQLiteStore) GetStaleSessions(ctx context.Context, maxAge time.Duration) ([]*domain.Interview, error) {
	threshold := time.Now().Add(-maxAge).Unix()
	query := `
		SELECT interview_id, job_id, job_apply_id, interview_node_id, candidate_id,
		       room_id, room_user_id, state, end_reason,
		       started_at, ended_at, created_at, updated_at
		FROM interviews
		WHERE state IN ('joining','active','reconnecting') AND COALESCE(started_at, created_at) < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale sessions rows", "error", closeErr)
		}
	}()

	var out []*domain.Interview
	for rows.Next() {
		iv, err := scanInterview(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan stale session row: %w", err)
		}
		out = append(out, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sessions: %w", err)
	}
	return out, nil
}

// AppendTranscript archives caption lines. Retries on SQLite concurrency
// errors, which can occur while the sweeper is also writing.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, interviewID string, entries []domain.TranscriptEntry) error {
	if len(entries) == 0 {
		return nil
	}

	maxRetries := 3
	baseDelay := 100 * time.Millisecond
	for i := 0; i < maxRetries; i++ {
		err := s.appendTranscriptOnce(ctx, interviewID, entries)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("transcript archive write hit SQLITE_BUSY, retrying",
				"interview_id", interviewID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}
		return fmt.Errorf("archive transcript for %s after %d attempts: %w", interviewID, i+1, err)
	}
	return nil
}

func (s *SQLiteStore) appendTranscriptOnce(ctx context.Context, interviewID string, entries []domain.TranscriptEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transcript tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM transcript_entries WHERE interview_id = ?`,
		interviewID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next transcript seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transcript_entries (interview_id, seq, speaker, text, paragraph, definite, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare transcript insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, interviewID, next+i, e.Speaker, e.Text, e.Paragraph, e.Definite, e.ReceivedAt.Unix()); err != nil {
			return fmt.Errorf("insert transcript entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript tx: %w", err)
	}
	return nil
}

// GetTranscript retrieves the archived transcript in sequence order.
func (s *SQLiteStore) GetTranscript(ctx context.Context, interviewID string) ([]domain.TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT interview_id, seq, speaker, text, paragraph, definite, received_at
		FROM transcript_entries WHERE interview_id = ? ORDER BY seq`, interviewID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	var out []domain.TranscriptEntry
	for rows.Next() {
		var e domain.TranscriptEntry
		var receivedAt int64
		if err := rows.Scan(&e.InterviewID, &e.Seq, &e.Speaker, &e.Text, &e.Paragraph, &e.Definite, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		e.ReceivedAt = time.Unix(receivedAt, 0)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}
	return out, nil
}

// GetDevicePreference retrieves a candidate's remembered microphone.
func (s *SQLiteStore) GetDevicePreference(ctx context.Context, candidateID string) (*domain.DevicePreference, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT candidate_id, audio_device_id, updated_at FROM device_prefs WHERE candidate_id = ?`,
		candidateID)

	var pref domain.DevicePreference
	var updatedAt int64
	err := row.Scan(&pref.CandidateID, &pref.AudioDeviceID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device preference: %w", err)
	}
	pref.UpdatedAt = time.Unix(updatedAt, 0)
	return &pref, nil
}

// SaveDevicePreferenceIfAbsent stores a microphone choice only for candidates
// without one. An existing explicit choice is never overwritten.
func (s *SQLiteStore) SaveDevicePreferenceIfAbsent(ctx context.Context, pref *domain.DevicePreference) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO device_prefs (candidate_id, audio_device_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(candidate_id) DO NOTHING`,
		pref.CandidateID, pref.AudioDeviceID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("save device preference: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
