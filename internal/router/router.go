// Package router decodes TLV frames off the binary message channel and
// dispatches them to the state machine, the transcript, and the function-call
// responder. A malformed frame is logged and dropped; it can never take the
// dispatch loop down.
package router

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/ashureev/interviewd/internal/protocol"
)

// cannedToolResponses maps normalized function names to their static replies.
// The agent's tool calls are acknowledgements in this product; the real data
// lives in the interview context the agent was provisioned with.
var cannedToolResponses = map[string]string{
	"getjobdetail":        `{"status":"ok","source":"interview_context"}`,
	"getcandidateresume":  `{"status":"ok","source":"interview_context"}`,
	"getinterviewoutline": `{"status":"ok","source":"interview_context"}`,
	"recordinterviewnote": `{"status":"recorded"}`,
	"endinterview":        `{"status":"acknowledged"}`,
}

const defaultToolResponse = `{"status":"ok"}`

// Hooks connect the router to the rest of the session.
type Hooks struct {
	// Stage receives decoded stage codes in arrival order.
	Stage func(protocol.StageCode)
	// Subtitle receives the first caption of each subtitle frame. It is only
	// called while the agent feature is enabled and the text is non-empty.
	Subtitle func(protocol.SubtitleEntry)
	// SendToAgent delivers a reply frame to the agent's identity.
	SendToAgent func(data []byte) error
	// AgentEnabled gates subtitle application.
	AgentEnabled func() bool
}

// Router dispatches decoded frames by tag.
type Router struct {
	hooks  Hooks
	logger *slog.Logger
}

// New creates a router.
func New(hooks Hooks, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{hooks: hooks, logger: logger}
}

// Dispatch decodes one binary message and routes it. Unknown tags and
// malformed payloads are dropped.
func (r *Router) Dispatch(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		r.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
		return
	}

	switch frame.Tag {
	case protocol.TagState:
		r.dispatchState(frame.Text)
	case protocol.TagSubtitle:
		r.dispatchSubtitle(frame.Text)
	case protocol.TagToolCall:
		r.dispatchToolCall(frame.Text)
	default:
		r.logger.Debug("ignoring frame with unknown tag", "tag", frame.Tag)
	}
}

func (r *Router) dispatchState(body string) {
	var payload protocol.StatePayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		r.logger.Warn("dropping malformed state frame", "error", err)
		return
	}
	if r.hooks.Stage != nil {
		r.hooks.Stage(payload.Stage.Code)
	}
}

func (r *Router) dispatchSubtitle(body string) {
	if r.hooks.AgentEnabled != nil && !r.hooks.AgentEnabled() {
		return
	}

	var payload protocol.SubtitlePayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		r.logger.Warn("dropping malformed subtitle frame", "error", err)
		return
	}
	if len(payload.Data) == 0 {
		return
	}
	// Only the first entry carries the live caption.
	entry := payload.Data[0]
	if entry.Text == "" {
		return
	}
	if r.hooks.Subtitle != nil {
		r.hooks.Subtitle(entry)
	}
}

func (r *Router) dispatchToolCall(body string) {
	var payload protocol.ToolCallPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		r.logger.Warn("dropping malformed tool call frame", "error", err)
		return
	}

	for _, call := range payload.ToolCalls {
		name := normalizeToolName(call.Function.Name)
		content, ok := cannedToolResponses[name]
		if !ok {
			content = defaultToolResponse
			r.logger.Info("unknown tool call, replying with default", "name", call.Function.Name)
		}

		reply, err := json.Marshal(protocol.FuncResult{ToolCallID: call.ID, Content: content})
		if err != nil {
			r.logger.Warn("failed to marshal tool reply", "error", err)
			continue
		}
		frame, err := protocol.Encode(protocol.TagFuncResp, string(reply))
		if err != nil {
			r.logger.Warn("failed to encode tool reply frame", "error", err)
			continue
		}
		if r.hooks.SendToAgent != nil {
			if err := r.hooks.SendToAgent(frame); err != nil {
				r.logger.Warn("failed to send tool reply", "tool_call_id", call.ID, "error", err)
			}
		}
	}
}

// normalizeToolName lowercases a function name and strips the separators
// different agent revisions have used.
func normalizeToolName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.', ' ':
			return -1
		}
		return r
	}, name)
}
