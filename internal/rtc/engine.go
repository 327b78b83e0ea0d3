// Package rtc abstracts the managed real-time transport the interview rides
// on. The engine exposes room lifecycle, local media control, the binary
// message channel, and a typed event subscription surface; media codecs,
// congestion control and NAT traversal stay inside the provider.
package rtc

import "context"

// JoinParams are the provisioned credentials for one room.
type JoinParams struct {
	RoomID string
	UserID string
	Token  string
	AppID  string
}

// Device is a local capture device reported by the transport.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// EventKind identifies a transport event.
type EventKind int

// Transport events observable through On.
const (
	EventError EventKind = iota
	EventJoined
	EventReconnecting
	EventReconnected
	EventDisconnected
	EventUserJoined
	EventUserLeft
	EventTrackEnded
	EventStreamPublished
	EventStreamUnpublished
	EventDeviceChanged
	EventNetworkQuality
	EventBinaryMessage
	EventRoomMessage
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventJoined:
		return "joined"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventDisconnected:
		return "disconnected"
	case EventUserJoined:
		return "user-joined"
	case EventUserLeft:
		return "user-left"
	case EventTrackEnded:
		return "track-ended"
	case EventStreamPublished:
		return "stream-published"
	case EventStreamUnpublished:
		return "stream-unpublished"
	case EventDeviceChanged:
		return "device-changed"
	case EventNetworkQuality:
		return "network-quality"
	case EventBinaryMessage:
		return "binary-message"
	case EventRoomMessage:
		return "room-message"
	default:
		return "unknown"
	}
}

// Event is one transport notification. Fields beyond Kind are populated
// depending on the kind.
type Event struct {
	Kind    EventKind
	UserID  string // remote participant the event concerns
	Data    []byte // binary message payload
	Text    string // room text message body
	Quality int    // network quality score, lower is better
	Device  Device // changed capture device
	Err     error
}

// Unsubscribe releases one event subscription. Safe to call more than once.
type Unsubscribe func()

// Engine is the session-scoped transport handle. Implementations must be safe
// for concurrent use; event handlers are invoked sequentially per engine in
// arrival order.
type Engine interface {
	Join(ctx context.Context, p JoinParams) error
	Leave(ctx context.Context) error

	StartAudioCapture(ctx context.Context, deviceID string) error
	StopAudioCapture(ctx context.Context) error
	StartVideoCapture(ctx context.Context) error
	StopVideoCapture(ctx context.Context) error
	PublishAudio(ctx context.Context) error
	UnpublishAudio(ctx context.Context) error

	AudioInputs(ctx context.Context) ([]Device, error)
	SetAudioInput(ctx context.Context, deviceID string) error

	// SendBinary delivers a frame over the binary message channel, addressed
	// to a single participant.
	SendBinary(ctx context.Context, toUserID string, data []byte) error

	// On registers a handler for an event kind and returns its unsubscribe
	// handle.
	On(kind EventKind, fn func(Event)) Unsubscribe

	Close() error
}
