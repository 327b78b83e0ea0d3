// Package telemetry records session events as newline-delimited JSON, one
// file per interview. Writes happen on a background goroutine behind a
// bounded queue so a slow disk can never stall the session loop.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event kinds written to the session telemetry stream.
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventPhaseChanged   = "phase_changed"
	EventFirstResponse  = "first_response"
	EventThinkTime      = "think_time"
	EventSilenceWarning = "silence_warning"
	EventSilenceFinal   = "silence_final_notice"
	EventConnectionSlow = "connection_slow"
	EventReconnect      = "reconnect"
)

// Event is one telemetry record. SessionID distinguishes attempts when an
// interview is rejoined after a failed start.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	InterviewID string    `json:"interview_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Kind        string    `json:"kind"`
	Phase       string    `json:"phase,omitempty"`
	Turn        int       `json:"turn,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Recorder accepts telemetry events. Implementations must never block the
// caller.
type Recorder interface {
	Record(event Event)
	Close() error
}

// Config controls the file recorder.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// NewRecorder creates a file-backed recorder, or a no-op one when disabled.
func NewRecorder(cfg Config, logger *slog.Logger) (Recorder, error) {
	if !cfg.Enabled {
		return NoopRecorder{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create telemetry directory: %w", err)
	}

	r := &fileRecorder{
		dir:    cfg.Dir,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
		logger: logger,
	}
	go r.run()
	return r, nil
}

// NoopRecorder discards all events.
type NoopRecorder struct{}

func (NoopRecorder) Record(Event) {}
func (NoopRecorder) Close() error { return nil }

type fileRecorder struct {
	dir    string
	queue  chan Event
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int64

	// files is only touched by the writer goroutine.
	files map[string]*os.File
}

// Record enqueues an event. When the queue is full the event is dropped and
// counted; telemetry is best effort.
func (r *fileRecorder) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	select {
	case r.queue <- event:
		r.mu.Unlock()
	default:
		r.dropped++
		dropped := r.dropped
		r.mu.Unlock()
		if dropped%100 == 1 {
			r.logger.Warn("telemetry queue full, dropping events",
				"dropped_total", dropped,
				"interview_id", event.InterviewID)
		}
	}
}

// Close drains the queue, flushes every open file, and stops the writer.
func (r *fileRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.queue)
	<-r.done
	return nil
}

func (r *fileRecorder) run() {
	defer close(r.done)
	for event := range r.queue {
		r.write(event)
	}
	for id, f := range r.files {
		if err := f.Close(); err != nil {
			r.logger.Warn("failed to close telemetry file", "interview_id", id, "error", err)
		}
	}
}

func (r *fileRecorder) write(event Event) {
	f, err := r.fileFor(event.InterviewID)
	if err != nil {
		r.logger.Warn("failed to open telemetry file", "interview_id", event.InterviewID, "error", err)
		return
	}

	line, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("failed to marshal telemetry event", "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		r.logger.Warn("failed to write telemetry event", "interview_id", event.InterviewID, "error", err)
	}
}

func (r *fileRecorder) fileFor(interviewID string) (*os.File, error) {
	if interviewID == "" {
		interviewID = "unknown"
	}
	if f, ok := r.files[interviewID]; ok {
		return f, nil
	}
	path := filepath.Join(r.dir, interviewID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	r.files[interviewID] = f
	return f, nil
}
