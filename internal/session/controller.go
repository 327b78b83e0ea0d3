// Package session owns the lifecycle of one live interview: joining the
// room, supervising the conversation, and tearing everything down exactly
// once no matter which trigger ends it.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/ashureev/interviewd/internal/agentstate"
	"github.com/ashureev/interviewd/internal/domain"
	"github.com/ashureev/interviewd/internal/finish"
	"github.com/ashureev/interviewd/internal/health"
	"github.com/ashureev/interviewd/internal/protocol"
	"github.com/ashureev/interviewd/internal/provision"
	"github.com/ashureev/interviewd/internal/router"
	"github.com/ashureev/interviewd/internal/rtc"
	"github.com/ashureev/interviewd/internal/store"
	"github.com/ashureev/interviewd/internal/telemetry"
	"github.com/ashureev/interviewd/internal/timers"
	"github.com/ashureev/interviewd/internal/transcript"
	"github.com/ashureev/interviewd/internal/watchdog"
)

// AgentIdentityPrefix marks room participants that belong to the interviewer
// agent rather than the candidate.
const AgentIdentityPrefix = "voice_agent"

// Spoken notices pushed through the agent's text-to-speech channel when the
// candidate goes quiet.
const (
	silencePrompt      = "Are you still there? Please continue whenever you're ready."
	silenceFinalNotice = "We haven't heard from you for a while, so we'll wrap up the interview here."
)

const teardownTimeout = 10 * time.Second

// Provisioner issues room credentials and controls the interviewer agent's
// placement. *provision.Client satisfies it.
type Provisioner interface {
	Credentials(ctx context.Context, interviewID string) (*provision.Credentials, error)
	StartAgent(ctx context.Context, interviewID, roomID string) error
	StopAgent(ctx context.Context, interviewID, roomID string) error
}

// Finisher reports a completed session downstream. *finish.Client satisfies
// it.
type Finisher interface {
	Complete(ctx context.Context, report finish.Report) error
}

// Timeouts are the session's supervision windows.
type Timeouts struct {
	Connect       time.Duration
	Reconnect     time.Duration
	SilenceWindow time.Duration
	SilenceGrace  time.Duration
}

func (t *Timeouts) applyDefaults() {
	if t.Connect <= 0 {
		t.Connect = 20 * time.Second
	}
	if t.Reconnect <= 0 {
		t.Reconnect = 15 * time.Second
	}
	if t.SilenceWindow <= 0 {
		t.SilenceWindow = 60 * time.Second
	}
	if t.SilenceGrace <= 0 {
		t.SilenceGrace = 5 * time.Second
	}
}

// Deps are the collaborators a controller needs.
type Deps struct {
	NewEngine    func(ctx context.Context) (rtc.Engine, error)
	Provisioner  Provisioner
	Finisher     Finisher
	Repo         store.Repository
	Telemetry    telemetry.Recorder
	AgentEnabled func() bool
	Timeouts     Timeouts
	Logger       *slog.Logger

	// OnEnded is called once after the session reaches Ended, outside the
	// controller lock. The manager uses it to drop its registry entry.
	OnEnded func(interviewID string)
}

// Controller drives one interview session from Joining to Ended. All
// termination triggers funnel through terminate, guarded by the ended flag,
// so the finish flow runs at most once.
type Controller struct {
	mu sync.Mutex

	interview *domain.Interview
	sessionID string
	deps      Deps
	logger    *slog.Logger

	engine     rtc.Engine
	sched      *timers.Scheduler
	machine    *agentstate.Machine
	transcript *transcript.Store
	watchdog   *watchdog.Watchdog
	monitor    *health.Monitor
	router     *router.Router

	subs []rtc.Unsubscribe

	state         domain.SessionState
	joining       bool
	ended         bool
	left          bool
	everConnected bool
	agentEnabled  bool
	agentUserID   string
	lastQuality   int
	startedAt     time.Time
}

// NewController creates an idle controller for one interview.
func NewController(iv *domain.Interview, deps Deps) *Controller {
	deps.Timeouts.applyDefaults()
	sessionID := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("interview_id", iv.InterviewID, "session_id", sessionID)

	c := &Controller{
		interview:  iv,
		sessionID:  sessionID,
		deps:       deps,
		logger:     logger,
		sched:      timers.NewScheduler(),
		transcript: transcript.NewStore(),
		state:      domain.SessionIdle,
	}

	c.machine = agentstate.NewMachine(time.Now(), agentstate.Hooks{
		PhaseChanged: c.onPhaseChanged,
		Interrupted:  c.onInterrupted,
	}, logger)

	c.watchdog = watchdog.New(c.sched,
		deps.Timeouts.SilenceWindow, deps.Timeouts.SilenceGrace,
		c.onSilenceWarning, c.onSilenceFinal,
		func() { c.terminate(domain.EndSilenceTimeout, true) },
		logger)

	c.monitor = health.NewMonitor(c.sched,
		deps.Timeouts.Connect, deps.Timeouts.Reconnect,
		c.onConnectionWarning, c.onConnectionDiagnostic,
		logger)

	c.router = router.New(router.Hooks{
		Stage:        c.machine.Apply,
		Subtitle:     c.onSubtitle,
		SendToAgent:  c.sendToAgent,
		AgentEnabled: c.agentIsEnabled,
	}, logger)

	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() domain.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartedAt returns when the session entered Active, or zero.
func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Interview returns the interview record this controller serves.
func (c *Controller) Interview() *domain.Interview {
	return c.interview
}

// Transcript returns the live caption history.
func (c *Controller) Transcript() []transcript.Message {
	return c.transcript.Messages()
}

// AgentTranscript returns only the interviewer agent's spoken lines.
func (c *Controller) AgentTranscript() []transcript.Message {
	return c.transcript.SpeakerLines(AgentIdentityPrefix)
}

// NetworkQuality returns the last quality sample from the transport.
func (c *Controller) NetworkQuality() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQuality
}

// Join provisions credentials, connects the transport, and brings local
// media up. Overlapping joins are rejected rather than raced.
func (c *Controller) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return fmt.Errorf("session already ended: %w", errdefs.ErrFailedPrecondition)
	}
	if c.joining || c.state != domain.SessionIdle {
		c.mu.Unlock()
		return fmt.Errorf("join already in progress: %w", errdefs.ErrConflict)
	}
	c.joining = true
	c.state = domain.SessionJoining
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.joining = false
		c.mu.Unlock()
	}()

	if err := c.join(ctx); err != nil {
		// No automatic retry; the candidate re-enters the flow.
		c.record(telemetry.Event{Kind: telemetry.EventSessionEnded, Reason: "join_failed", Detail: err.Error()})
		c.teardownAfterFailedJoin()
		return err
	}
	return nil
}

func (c *Controller) join(ctx context.Context) error {
	c.monitor.StartConnectTimeout()

	creds, err := c.deps.Provisioner.Credentials(ctx, c.interview.InterviewID)
	if err != nil {
		return fmt.Errorf("provision session: %w", err)
	}

	c.interview.RoomID = creds.RoomID
	c.interview.RoomUserID = creds.UserID
	if err := c.deps.Repo.UpsertInterview(ctx, c.interview); err != nil {
		c.logger.Warn("failed to persist room assignment", "error", err)
	}
	if err := c.deps.Repo.UpdateSessionState(ctx, c.interview.InterviewID, domain.SessionJoining, ""); err != nil {
		c.logger.Warn("failed to persist joining state", "error", err)
	}

	engine, err := c.deps.NewEngine(ctx)
	if err != nil {
		return fmt.Errorf("create transport engine: %w", err)
	}
	c.mu.Lock()
	c.engine = engine
	c.mu.Unlock()

	c.subscribe(engine)

	if err := engine.Join(ctx, rtc.JoinParams{
		RoomID: creds.RoomID,
		UserID: creds.UserID,
		Token:  creds.Token,
		AppID:  creds.AppID,
	}); err != nil {
		return fmt.Errorf("join room %s: %w", creds.RoomID, err)
	}

	if err := c.setupMedia(ctx, engine); err != nil {
		return err
	}

	if c.deps.AgentEnabled == nil || c.deps.AgentEnabled() {
		if err := c.deps.Provisioner.StartAgent(ctx, c.interview.InterviewID, creds.RoomID); err != nil {
			return fmt.Errorf("place interviewer agent: %w", err)
		}
		c.mu.Lock()
		c.agentEnabled = true
		c.mu.Unlock()
	} else {
		c.logger.Warn("agent service unavailable, session runs without interviewer agent")
	}

	c.onConnected(ctx)
	return nil
}

// setupMedia enumerates capture devices, honors a stored preference, and
// publishes local audio and video. Device failures degrade the session
// instead of ending it.
func (c *Controller) setupMedia(ctx context.Context, engine rtc.Engine) error {
	devices, err := engine.AudioInputs(ctx)
	if err != nil {
		return fmt.Errorf("enumerate audio inputs: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no audio input available: %w", errdefs.ErrFailedPrecondition)
	}

	deviceID := c.pickAudioDevice(ctx, devices)

	if err := engine.StartAudioCapture(ctx, deviceID); err != nil {
		return fmt.Errorf("start audio capture on %s: %w", deviceID, err)
	}
	if err := engine.PublishAudio(ctx); err != nil {
		return fmt.Errorf("publish audio: %w", err)
	}
	if err := engine.StartVideoCapture(ctx); err != nil {
		c.logger.Warn("video capture unavailable, continuing audio only", "error", err)
	}

	c.persistDevicePreference(ctx, deviceID)
	return nil
}

// pickAudioDevice returns the stored preference when it is still attached,
// otherwise the first available device.
func (c *Controller) pickAudioDevice(ctx context.Context, devices []rtc.Device) string {
	pref, err := c.deps.Repo.GetDevicePreference(ctx, c.interview.CandidateID)
	if err != nil {
		c.logger.Warn("failed to load device preference", "error", err)
	}
	if pref != nil {
		for _, d := range devices {
			if d.ID == pref.AudioDeviceID {
				return d.ID
			}
		}
		c.logger.Info("preferred audio device not attached, falling back",
			"preferred", pref.AudioDeviceID)
	}
	return devices[0].ID
}

func (c *Controller) persistDevicePreference(ctx context.Context, deviceID string) {
	wrote, err := c.deps.Repo.SaveDevicePreferenceIfAbsent(ctx, &domain.DevicePreference{
		CandidateID:   c.interview.CandidateID,
		AudioDeviceID: deviceID,
	})
	if err != nil {
		c.logger.Warn("failed to save device preference", "error", err)
		return
	}
	if wrote {
		c.logger.Debug("saved first audio device preference", "device_id", deviceID)
	}
}

func (c *Controller) subscribe(engine rtc.Engine) {
	subs := []rtc.Unsubscribe{
		engine.On(rtc.EventBinaryMessage, func(e rtc.Event) {
			if c.isEnded() {
				return
			}
			c.router.Dispatch(e.Data)
		}),
		engine.On(rtc.EventRoomMessage, c.onRoomMessage),
		engine.On(rtc.EventJoined, c.onJoined),
		engine.On(rtc.EventUserJoined, c.onUserJoined),
		engine.On(rtc.EventUserLeft, c.onUserLeft),
		engine.On(rtc.EventDisconnected, c.onDisconnected),
		engine.On(rtc.EventReconnecting, c.onReconnecting),
		engine.On(rtc.EventReconnected, c.onReconnected),
		engine.On(rtc.EventStreamPublished, c.onStreamPublished),
		engine.On(rtc.EventStreamUnpublished, c.onStreamUnpublished),
		engine.On(rtc.EventDeviceChanged, c.onDeviceChanged),
		engine.On(rtc.EventNetworkQuality, c.onNetworkQuality),
		engine.On(rtc.EventTrackEnded, c.onTrackEnded),
		engine.On(rtc.EventError, c.onEngineError),
	}
	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()
}

func (c *Controller) onConnected(ctx context.Context) {
	c.monitor.StopConnectTimeout()

	c.mu.Lock()
	c.state = domain.SessionActive
	c.everConnected = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	if err := c.deps.Repo.UpdateSessionState(ctx, c.interview.InterviewID, domain.SessionActive, ""); err != nil {
		c.logger.Warn("failed to persist active state", "error", err)
	}

	c.watchdog.EnterListening()
	c.record(telemetry.Event{Kind: telemetry.EventSessionStarted})
	c.logger.Info("session active", "room_id", c.interview.RoomID)
}

// Event handlers. Every one checks the ended flag first so late events after
// termination are no-ops.

func (c *Controller) onRoomMessage(e rtc.Event) {
	if c.isEnded() {
		return
	}
	var msg protocol.RoomMessage
	if err := json.Unmarshal([]byte(e.Text), &msg); err != nil {
		c.logger.Warn("dropping malformed room message", "error", err)
		return
	}
	if msg.Type == protocol.RoomMessageDestroyed && msg.Reason == protocol.RoomReasonSessionEnd {
		c.logger.Info("agent ended the interview")
		c.terminate(domain.EndRoomDestroyed, true)
	}
}

func (c *Controller) onJoined(rtc.Event) {
	c.logger.Debug("transport confirmed room join")
}

func (c *Controller) onStreamPublished(e rtc.Event) {
	if c.isEnded() {
		return
	}
	c.logger.Debug("remote stream published", "user_id", e.UserID)
}

func (c *Controller) onStreamUnpublished(e rtc.Event) {
	if c.isEnded() {
		return
	}
	c.logger.Debug("remote stream unpublished", "user_id", e.UserID)
}

func (c *Controller) onUserJoined(e rtc.Event) {
	if c.isEnded() {
		return
	}
	if hasAgentPrefix(e.UserID) {
		c.mu.Lock()
		c.agentUserID = e.UserID
		c.mu.Unlock()
		c.logger.Info("interviewer agent joined", "agent_user_id", e.UserID)
	}
}

func (c *Controller) onUserLeft(e rtc.Event) {
	if c.isEnded() {
		return
	}
	c.logger.Info("remote participant left", "user_id", e.UserID)

	// Release local media right away, then treat it as a normal remote end.
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if engine := c.currentEngine(); engine != nil {
		if err := engine.StopAudioCapture(ctx); err != nil {
			c.logger.Warn("failed to stop audio capture", "error", err)
		}
		if err := engine.StopVideoCapture(ctx); err != nil {
			c.logger.Warn("failed to stop video capture", "error", err)
		}
	}
	c.terminate(domain.EndRemoteDisconnect, true)
}

func (c *Controller) onDisconnected(e rtc.Event) {
	if c.isEnded() {
		return
	}
	c.mu.Lock()
	connected := c.everConnected
	c.mu.Unlock()
	if !connected {
		// A disconnect before the first full connect is a failed join, not an
		// ended session.
		c.logger.Warn("transport disconnected before first connect")
		return
	}
	c.terminate(domain.EndConnectionLost, true)
}

func (c *Controller) onReconnecting(rtc.Event) {
	if c.isEnded() {
		return
	}
	c.mu.Lock()
	c.state = domain.SessionReconnecting
	c.mu.Unlock()
	c.monitor.StartReconnectTimeout()
	c.record(telemetry.Event{Kind: telemetry.EventReconnect, Detail: "started"})

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.deps.Repo.UpdateSessionState(ctx, c.interview.InterviewID, domain.SessionReconnecting, ""); err != nil {
		c.logger.Warn("failed to persist reconnecting state", "error", err)
	}
}

func (c *Controller) onReconnected(rtc.Event) {
	if c.isEnded() {
		return
	}
	c.monitor.StopReconnectTimeout()
	c.mu.Lock()
	c.state = domain.SessionActive
	c.mu.Unlock()
	c.record(telemetry.Event{Kind: telemetry.EventReconnect, Detail: "recovered"})

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := c.deps.Repo.UpdateSessionState(ctx, c.interview.InterviewID, domain.SessionActive, ""); err != nil {
		c.logger.Warn("failed to persist active state", "error", err)
	}
}

func (c *Controller) onDeviceChanged(e rtc.Event) {
	if c.isEnded() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if engine := c.currentEngine(); engine != nil {
		if err := engine.SetAudioInput(ctx, e.Device.ID); err != nil {
			c.logger.Warn("failed to switch audio input", "device_id", e.Device.ID, "error", err)
		}
	}
}

func (c *Controller) onNetworkQuality(e rtc.Event) {
	c.mu.Lock()
	c.lastQuality = e.Quality
	c.mu.Unlock()
}

func (c *Controller) onTrackEnded(e rtc.Event) {
	if c.isEnded() {
		return
	}
	// Device revoked or unplugged; the session continues degraded.
	c.logger.Warn("local track ended", "user_id", e.UserID)
}

func (c *Controller) onEngineError(e rtc.Event) {
	if c.isEnded() {
		return
	}
	c.logger.Warn("transport error", "error", e.Err)
	c.record(telemetry.Event{Kind: telemetry.EventConnectionSlow, Detail: fmt.Sprint(e.Err)})
}

// Router and machine hooks.

func (c *Controller) onSubtitle(entry protocol.SubtitleEntry) {
	c.transcript.Apply(entry.UserID, entry.Text, entry.Paragraph, entry.Definite)
	if !hasAgentPrefix(entry.UserID) {
		c.watchdog.Activity()
	}
}

func (c *Controller) onPhaseChanged(from, to agentstate.Phase) {
	c.record(telemetry.Event{Kind: telemetry.EventPhaseChanged, Phase: to.String()})

	switch {
	case to == agentstate.Listening:
		c.watchdog.EnterListening()
	case from == agentstate.Listening:
		c.watchdog.LeaveListening()
	}
	if from == agentstate.Thinking && to == agentstate.Speaking {
		// Show only the new turn's captions.
		c.transcript.Reset()
	}
}

func (c *Controller) onInterrupted() {
	c.mu.Lock()
	agentID := c.agentUserID
	c.mu.Unlock()
	if agentID == "" {
		agentID = AgentIdentityPrefix
	}
	c.transcript.ClearPartial(agentID)
}

func (c *Controller) agentIsEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentEnabled
}

func (c *Controller) sendToAgent(data []byte) error {
	engine := c.currentEngine()
	if engine == nil {
		return fmt.Errorf("no transport engine: %w", errdefs.ErrUnavailable)
	}
	c.mu.Lock()
	agentID := c.agentUserID
	c.mu.Unlock()
	if agentID == "" {
		agentID = AgentIdentityPrefix
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	return engine.SendBinary(ctx, agentID, data)
}

// Watchdog and monitor callbacks.

func (c *Controller) onSilenceWarning() {
	c.record(telemetry.Event{Kind: telemetry.EventSilenceWarning})
	c.speak(silencePrompt)
}

func (c *Controller) onSilenceFinal() {
	c.record(telemetry.Event{Kind: telemetry.EventSilenceFinal})
	c.speak(silenceFinalNotice)
}

// speak pushes a spoken notice through the agent's TTS control channel.
func (c *Controller) speak(message string) {
	body, err := json.Marshal(protocol.ControlCommand{
		Command:       protocol.CommandExternalTTS,
		Message:       message,
		InterruptMode: protocol.InterruptModeNone,
	})
	if err != nil {
		c.logger.Warn("failed to marshal control command", "error", err)
		return
	}
	frame, err := protocol.Encode(protocol.TagControl, string(body))
	if err != nil {
		c.logger.Warn("failed to encode control frame", "error", err)
		return
	}
	if err := c.sendToAgent(frame); err != nil {
		c.logger.Warn("failed to deliver spoken notice", "error", err)
	}
}

func (c *Controller) onConnectionWarning(stage string) {
	// The candidate sees a generic connectivity warning; the session persists.
	c.logger.Warn("connection is taking longer than expected", "stage", stage)
}

func (c *Controller) onConnectionDiagnostic(d health.Diagnostic) {
	c.record(telemetry.Event{
		Kind:       telemetry.EventConnectionSlow,
		Detail:     d.Stage,
		DurationMS: d.Elapsed.Milliseconds(),
	})
}

// Termination.

// Cancel ends the session at the candidate's explicit request. The caller is
// responsible for having confirmed the action.
func (c *Controller) Cancel(ctx context.Context) {
	c.terminate(domain.EndUserCanceled, true)
}

// Teardown is the best-effort cleanup for navigation away: local resources
// are released but the finish flow is not invoked.
func (c *Controller) Teardown(ctx context.Context) {
	c.terminate(domain.EndUserCanceled, false)
}

// isEnded reports whether a termination trigger already fired.
func (c *Controller) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Controller) currentEngine() rtc.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// terminate is the single convergence point for every termination trigger.
// The first caller wins; repeats are no-ops.
func (c *Controller) terminate(reason domain.EndReason, invokeFinish bool) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.state = domain.SessionEnded
	c.mu.Unlock()

	c.logger.Info("terminating session", "reason", reason, "finish_flow", invokeFinish)

	c.watchdog.Stop()
	c.monitor.Stop()
	c.sched.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	c.archiveTranscript(ctx)
	c.leave(ctx)

	if err := c.deps.Repo.UpdateSessionState(ctx, c.interview.InterviewID, domain.SessionEnded, reason); err != nil {
		c.logger.Warn("failed to persist ended state", "error", err)
	}

	if invokeFinish {
		report := finish.Report{
			InterviewID:     c.interview.InterviewID,
			JobID:           c.interview.JobID,
			JobApplyID:      c.interview.JobApplyID,
			InterviewNodeID: c.interview.InterviewNodeID,
			IsCanceled:      reason == domain.EndUserCanceled,
		}
		if err := c.deps.Finisher.Complete(ctx, report); err != nil {
			c.logger.Error("finish flow failed", "error", err)
		}
	}

	c.record(telemetry.Event{Kind: telemetry.EventSessionEnded, Reason: string(reason)})
	c.recordLatencySamples()

	if c.deps.OnEnded != nil {
		c.deps.OnEnded(c.interview.InterviewID)
	}
}

// teardownAfterFailedJoin releases whatever a partial join acquired without
// marking the interview ended in the store; the candidate may retry.
func (c *Controller) teardownAfterFailedJoin() {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.state = domain.SessionEnded
	c.mu.Unlock()

	c.watchdog.Stop()
	c.monitor.Stop()
	c.sched.CancelAll()

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	c.leave(ctx)

	if err := c.deps.Repo.UpdateSessionState(ctx, c.interview.InterviewID, domain.SessionIdle, ""); err != nil {
		c.logger.Warn("failed to reset state after failed join", "error", err)
	}
	if c.deps.OnEnded != nil {
		c.deps.OnEnded(c.interview.InterviewID)
	}
}

// leave releases transport and agent resources. Idempotent: the second and
// later calls do nothing.
func (c *Controller) leave(ctx context.Context) {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return
	}
	c.left = true
	engine := c.engine
	subs := c.subs
	c.subs = nil
	agentWasEnabled := c.agentEnabled
	c.agentEnabled = false
	c.mu.Unlock()

	if engine != nil {
		if err := engine.StopAudioCapture(ctx); err != nil {
			c.logger.Debug("stop audio capture during leave", "error", err)
		}
		if err := engine.StopVideoCapture(ctx); err != nil {
			c.logger.Debug("stop video capture during leave", "error", err)
		}
	}

	if agentWasEnabled && c.interview.RoomID != "" {
		if err := c.deps.Provisioner.StopAgent(ctx, c.interview.InterviewID, c.interview.RoomID); err != nil {
			c.logger.Warn("failed to stop interviewer agent", "error", err)
		}
	}

	if engine != nil {
		if err := engine.Leave(ctx); err != nil {
			c.logger.Debug("leave room", "error", err)
		}
	}

	// Release every listener registered at join time in one sweep.
	for _, unsub := range subs {
		unsub()
	}

	if engine != nil {
		if err := engine.Close(); err != nil {
			c.logger.Debug("close engine", "error", err)
		}
	}

	c.transcript.Reset()
}

func (c *Controller) archiveTranscript(ctx context.Context) {
	messages := c.transcript.Messages()
	if len(messages) == 0 {
		return
	}
	entries := make([]domain.TranscriptEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, domain.TranscriptEntry{
			InterviewID: c.interview.InterviewID,
			Speaker:     m.Speaker,
			Text:        m.Text,
			Paragraph:   m.Paragraph,
			Definite:    m.Definite,
			ReceivedAt:  m.ReceivedAt,
		})
	}
	if err := c.deps.Repo.AppendTranscript(ctx, c.interview.InterviewID, entries); err != nil {
		c.logger.Error("failed to archive transcript", "error", err, "entries", len(entries))
	}
}

func (c *Controller) recordLatencySamples() {
	if latency, ok := c.machine.FirstResponseLatency(); ok {
		c.record(telemetry.Event{Kind: telemetry.EventFirstResponse, DurationMS: latency.Milliseconds()})
	}
	for _, s := range c.machine.ThinkSamples() {
		c.record(telemetry.Event{Kind: telemetry.EventThinkTime, Turn: s.Turn, DurationMS: s.Duration.Milliseconds()})
	}
}

func (c *Controller) record(event telemetry.Event) {
	if c.deps.Telemetry == nil {
		return
	}
	event.InterviewID = c.interview.InterviewID
	event.SessionID = c.sessionID
	c.deps.Telemetry.Record(event)
}

func hasAgentPrefix(userID string) bool {
	return len(userID) >= len(AgentIdentityPrefix) && userID[:len(AgentIdentityPrefix)] == AgentIdentityPrefix
}
