package protocol

// Frame tags carried on the binary message channel.
const (
	TagState    = "conv" // agent stage updates
	TagSubtitle = "subv" // live captions
	TagToolCall = "tool" // function calls from the agent
	TagControl  = "ctrl" // outbound control commands
	TagFuncResp = "func" // function call replies
)

// StageCode identifies the interviewer agent's conversational stage.
type StageCode int

// Stage codes as sent by the agent.
const (
	StageUnknown     StageCode = 0
	StageListening   StageCode = 1
	StageThinking    StageCode = 2
	StageSpeaking    StageCode = 3
	StageInterrupted StageCode = 4
	StageFinished    StageCode = 5
)

func (c StageCode) String() string {
	switch c {
	case StageListening:
		return "listening"
	case StageThinking:
		return "thinking"
	case StageSpeaking:
		return "speaking"
	case StageInterrupted:
		return "interrupted"
	case StageFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Stage is the inner object of a state frame.
type Stage struct {
	Code        StageCode `json:"Code"`
	Description string    `json:"Description,omitempty"`
}

// StatePayload is the body of a "conv" frame.
type StatePayload struct {
	Stage Stage `json:"Stage"`
}

// SubtitleEntry is one caption in a "subv" frame. Only the first entry of a
// frame is applied.
type SubtitleEntry struct {
	Text      string `json:"text"`
	Definite  bool   `json:"definite"`
	UserID    string `json:"userId"`
	Paragraph bool   `json:"paragraph"`
}

// SubtitlePayload is the body of a "subv" frame.
type SubtitlePayload struct {
	Data []SubtitleEntry `json:"data"`
}

// ToolCall is one function invocation requested by the agent.
type ToolCall struct {
	ID       string       `json:"id"`
	Function ToolFunction `json:"function"`
}

// ToolFunction names the function the agent wants invoked.
type ToolFunction struct {
	Name string `json:"name"`
}

// ToolCallPayload is the body of a "tool" frame.
type ToolCallPayload struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// FuncResult is the body of a "func" reply frame.
type FuncResult struct {
	ToolCallID string `json:"ToolCallID"`
	Content    string `json:"Content"`
}

// Control commands understood by the agent.
const (
	CommandInterrupt    = "INTERRUPT"
	CommandExternalTTS  = "EXTERNAL_TEXT_TO_SPEECH"
	CommandExternalLLM  = "EXTERNAL_TEXT_TO_LLM"
	InterruptModeNone   = "NONE"
	InterruptModeHigh   = "HIGH"
	InterruptModeMedium = "MEDIUM"
	InterruptModeLow    = "LOW"
)

// ControlCommand is the body of a "ctrl" frame.
type ControlCommand struct {
	Command       string `json:"Command"`
	Message       string `json:"Message,omitempty"`
	InterruptMode string `json:"InterruptMode,omitempty"`
}

// RoomMessage is a text message delivered on the room's non-binary channel.
// The pair type="room_destroyed", reason="session_end" signals an
// agent-initiated end of the interview.
type RoomMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Room message values signalling agent-initiated termination.
const (
	RoomMessageDestroyed = "room_destroyed"
	RoomReasonSessionEnd = "session_end"
)
