package rtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/containerd/errdefs"
)

// Envelope ops spoken with the RTC gateway.
const (
	opJoin         = "join"
	opLeave        = "leave"
	opCaptureStart = "capture_start"
	opCaptureStop  = "capture_stop"
	opPublish      = "publish"
	opUnpublish    = "unpublish"
	opDevices      = "devices"
	opSetDevice    = "set_device"
	opSend         = "send"
	opAck          = "ack"
	opEvent        = "event"
)

var errGatewayClosed = errors.New("gateway connection closed")

// envelope is the JSON signaling frame exchanged with the gateway. Requests
// carry a seq; the gateway answers with op "ack" echoing it. Server-pushed
// notifications use op "event".
type envelope struct {
	Op      string   `json:"op"`
	Seq     int64    `json:"seq,omitempty"`
	Ack     int64    `json:"ack,omitempty"`
	OK      bool     `json:"ok,omitempty"`
	Error   string   `json:"error,omitempty"`
	Room    string   `json:"room,omitempty"`
	User    string   `json:"user,omitempty"`
	To      string   `json:"to,omitempty"`
	Token   string   `json:"token,omitempty"`
	AppID   string   `json:"app_id,omitempty"`
	Kind    string   `json:"kind,omitempty"` // capture kind: audio | video
	Device  string   `json:"device,omitempty"`
	Devices []Device `json:"devices,omitempty"`
	Event   string   `json:"event,omitempty"`
	Data    string   `json:"data,omitempty"` // base64 binary payload
	Text    string   `json:"text,omitempty"`
	Quality int      `json:"quality,omitempty"`
}

// GatewayConfig configures the gateway engine.
type GatewayConfig struct {
	URL               string
	RequestTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// GatewayEngine is the production Engine: a websocket client for the
// platform's RTC gateway. Signaling rides JSON text frames; room binary
// messages are relayed base64-encoded inside envelopes.
type GatewayEngine struct {
	*Dispatcher

	cfg    GatewayConfig
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	joined  bool
	params  JoinParams
	seq     int64
	pending map[int64]chan envelope
	closed  bool
	readCtx context.CancelFunc

	// events decouples handler execution from the read loop so handlers can
	// issue gateway requests without starving ack delivery.
	events chan Event
	done   chan struct{}
}

// NewGatewayEngine creates a disconnected gateway engine. Join dials.
func NewGatewayEngine(cfg GatewayConfig, logger *slog.Logger) *GatewayEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	g := &GatewayEngine{
		Dispatcher: NewDispatcher(),
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[int64]chan envelope),
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}
	go g.emitLoop()
	return g
}

func (g *GatewayEngine) emitLoop() {
	for {
		select {
		case ev := <-g.events:
			g.Emit(ev)
		case <-g.done:
			return
		}
	}
}

// queueEvent hands an event to the emit goroutine, keeping arrival order.
func (g *GatewayEngine) queueEvent(ev Event) {
	select {
	case g.events <- ev:
	case <-g.done:
	}
}

// Join dials the gateway and enters the room.
func (g *GatewayEngine) Join(ctx context.Context, p JoinParams) error {
	g.mu.Lock()
	if g.joined {
		g.mu.Unlock()
		return fmt.Errorf("join room %s: already joined: %w", p.RoomID, errdefs.ErrConflict)
	}
	g.mu.Unlock()

	if err := g.dial(ctx); err != nil {
		return err
	}

	if _, err := g.request(ctx, envelope{Op: opJoin, Room: p.RoomID, User: p.UserID, Token: p.Token, AppID: p.AppID}); err != nil {
		return fmt.Errorf("join room %s: %w", p.RoomID, err)
	}

	g.mu.Lock()
	g.joined = true
	g.params = p
	g.mu.Unlock()

	g.queueEvent(Event{Kind: EventJoined})
	return nil
}

// Leave exits the room but keeps the engine usable for a later Join.
func (g *GatewayEngine) Leave(ctx context.Context) error {
	g.mu.Lock()
	if !g.joined {
		g.mu.Unlock()
		return nil
	}
	g.joined = false
	g.mu.Unlock()

	if _, err := g.request(ctx, envelope{Op: opLeave}); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// StartAudioCapture opens the named microphone, or the gateway default when
// deviceID is empty.
func (g *GatewayEngine) StartAudioCapture(ctx context.Context, deviceID string) error {
	_, err := g.request(ctx, envelope{Op: opCaptureStart, Kind: "audio", Device: deviceID})
	if err != nil {
		return fmt.Errorf("start audio capture: %w", err)
	}
	return nil
}

// StopAudioCapture closes the microphone.
func (g *GatewayEngine) StopAudioCapture(ctx context.Context) error {
	if _, err := g.request(ctx, envelope{Op: opCaptureStop, Kind: "audio"}); err != nil {
		return fmt.Errorf("stop audio capture: %w", err)
	}
	return nil
}

// StartVideoCapture opens the camera.
func (g *GatewayEngine) StartVideoCapture(ctx context.Context) error {
	if _, err := g.request(ctx, envelope{Op: opCaptureStart, Kind: "video"}); err != nil {
		return fmt.Errorf("start video capture: %w", err)
	}
	return nil
}

// StopVideoCapture closes the camera.
func (g *GatewayEngine) StopVideoCapture(ctx context.Context) error {
	if _, err := g.request(ctx, envelope{Op: opCaptureStop, Kind: "video"}); err != nil {
		return fmt.Errorf("stop video capture: %w", err)
	}
	return nil
}

// PublishAudio publishes the captured audio track to the room.
func (g *GatewayEngine) PublishAudio(ctx context.Context) error {
	if _, err := g.request(ctx, envelope{Op: opPublish, Kind: "audio"}); err != nil {
		return fmt.Errorf("publish audio: %w", err)
	}
	return nil
}

// UnpublishAudio withdraws the audio track.
func (g *GatewayEngine) UnpublishAudio(ctx context.Context) error {
	if _, err := g.request(ctx, envelope{Op: opUnpublish, Kind: "audio"}); err != nil {
		return fmt.Errorf("unpublish audio: %w", err)
	}
	return nil
}

// AudioInputs lists the available microphones.
func (g *GatewayEngine) AudioInputs(ctx context.Context) ([]Device, error) {
	resp, err := g.request(ctx, envelope{Op: opDevices, Kind: "audio"})
	if err != nil {
		return nil, fmt.Errorf("enumerate audio inputs: %w", err)
	}
	return resp.Devices, nil
}

// SetAudioInput switches the active microphone.
func (g *GatewayEngine) SetAudioInput(ctx context.Context, deviceID string) error {
	if _, err := g.request(ctx, envelope{Op: opSetDevice, Kind: "audio", Device: deviceID}); err != nil {
		return fmt.Errorf("set audio input %s: %w", deviceID, err)
	}
	return nil
}

// SendBinary relays a binary frame to one participant.
func (g *GatewayEngine) SendBinary(ctx context.Context, toUserID string, data []byte) error {
	if _, err := g.request(ctx, envelope{Op: opSend, To: toUserID, Data: base64.StdEncoding.EncodeToString(data)}); err != nil {
		return fmt.Errorf("send binary message to %s: %w", toUserID, err)
	}
	return nil
}

// Close tears the connection down for good.
func (g *GatewayEngine) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.done)
	g.joined = false
	conn := g.conn
	g.conn = nil
	if g.readCtx != nil {
		g.readCtx()
		g.readCtx = nil
	}
	g.failPendingLocked()
	g.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	return nil
}

func (g *GatewayEngine) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, g.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial rtc gateway %s: %w", g.cfg.URL, errors.Join(err, errdefs.ErrUnavailable))
	}
	conn.SetReadLimit(1 << 20)

	readCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.conn = conn
	g.readCtx = cancel
	g.mu.Unlock()

	go g.readLoop(readCtx, conn)
	return nil
}

func (g *GatewayEngine) request(ctx context.Context, env envelope) (envelope, error) {
	g.mu.Lock()
	conn := g.conn
	if conn == nil || g.closed {
		g.mu.Unlock()
		return envelope{}, fmt.Errorf("%w: %w", errGatewayClosed, errdefs.ErrUnavailable)
	}
	g.seq++
	env.Seq = g.seq
	ch := make(chan envelope, 1)
	g.pending[env.Seq] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, env.Seq)
		g.mu.Unlock()
	}()

	data, err := json.Marshal(env)
	if err != nil {
		return envelope{}, fmt.Errorf("marshal %s envelope: %w", env.Op, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return envelope{}, fmt.Errorf("write %s envelope: %w", env.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return envelope{}, fmt.Errorf("%s: %w", env.Op, errGatewayClosed)
		}
		if !resp.OK {
			return envelope{}, fmt.Errorf("%s rejected by gateway: %s: %w", env.Op, resp.Error, errdefs.ErrFailedPrecondition)
		}
		return resp, nil
	case <-writeCtx.Done():
		return envelope{}, fmt.Errorf("%s: %w", env.Op, writeCtx.Err())
	}
}

//nolint:gocognit // Envelope dispatch keeps signaling, acks, and reconnect together.
func (g *GatewayEngine) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.handleReadFailure(ctx, err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Warn("dropping malformed gateway envelope", "error", err)
			continue
		}

		switch env.Op {
		case opAck:
			// Delivered under the lock: failPendingLocked closes pending
			// channels under the same lock, so the send cannot race the
			// close. The channel is buffered, the send never blocks.
			g.mu.Lock()
			if ch, ok := g.pending[env.Ack]; ok {
				select {
				case ch <- env:
				default:
				}
			}
			g.mu.Unlock()
		case opEvent:
			g.emitServerEvent(env)
		default:
			g.logger.Debug("ignoring gateway envelope", "op", env.Op)
		}
	}
}

func (g *GatewayEngine) emitServerEvent(env envelope) {
	ev := Event{UserID: env.User, Text: env.Text, Quality: env.Quality}
	switch env.Event {
	case "user_joined":
		ev.Kind = EventUserJoined
	case "user_left":
		ev.Kind = EventUserLeft
	case "track_ended":
		ev.Kind = EventTrackEnded
	case "stream_published":
		ev.Kind = EventStreamPublished
	case "stream_unpublished":
		ev.Kind = EventStreamUnpublished
	case "device_changed":
		ev.Kind = EventDeviceChanged
		ev.Device = Device{ID: env.Device, Label: env.Text}
	case "network_quality":
		ev.Kind = EventNetworkQuality
	case "room_message":
		ev.Kind = EventRoomMessage
	case "message":
		ev.Kind = EventBinaryMessage
		payload, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			g.logger.Warn("dropping binary message with bad encoding", "error", err)
			return
		}
		ev.Data = payload
	case "error":
		ev.Kind = EventError
		ev.Err = fmt.Errorf("gateway error: %s", env.Error)
	default:
		g.logger.Debug("ignoring unknown gateway event", "event", env.Event)
		return
	}
	g.queueEvent(ev)
}

// handleReadFailure runs the reconnect path: emit Reconnecting, redial with
// fixed delay up to the attempt budget, rejoin, then Reconnected; otherwise
// Disconnected.
func (g *GatewayEngine) handleReadFailure(ctx context.Context, readErr error) {
	g.mu.Lock()
	if g.closed || ctx.Err() != nil {
		g.failPendingLocked()
		g.mu.Unlock()
		return
	}
	params := g.params
	wasJoined := g.joined
	g.conn = nil
	g.failPendingLocked()
	g.mu.Unlock()

	if !wasJoined {
		return
	}

	if websocket.CloseStatus(readErr) == websocket.StatusNormalClosure {
		g.queueEvent(Event{Kind: EventDisconnected})
		return
	}

	g.logger.Warn("gateway connection lost, reconnecting", "error", readErr)
	g.queueEvent(Event{Kind: EventReconnecting})

	for attempt := 1; attempt <= g.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(g.cfg.ReconnectDelay)

		g.mu.Lock()
		closed := g.closed
		g.mu.Unlock()
		if closed {
			return
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
		err := g.dial(dialCtx)
		if err == nil {
			_, err = g.request(dialCtx, envelope{Op: opJoin, Room: params.RoomID, User: params.UserID, Token: params.Token, AppID: params.AppID})
		}
		cancel()
		if err == nil {
			g.logger.Info("gateway reconnected", "attempt", attempt)
			g.queueEvent(Event{Kind: EventReconnected})
			return
		}
		g.logger.Warn("gateway reconnect attempt failed", "attempt", attempt, "error", err)
	}

	g.mu.Lock()
	g.joined = false
	g.mu.Unlock()
	g.queueEvent(Event{Kind: EventDisconnected})
}

func (g *GatewayEngine) failPendingLocked() {
	for seq, ch := range g.pending {
		close(ch)
		delete(g.pending, seq)
	}
}
