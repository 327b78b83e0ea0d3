package router

import (
	"encoding/json"
	"testing"

	"github.com/ashureev/interviewd/internal/protocol"
)

type recorded struct {
	stages    []protocol.StageCode
	subtitles []protocol.SubtitleEntry
	replies   [][]byte
	enabled   bool
}

func newTestRouter(rec *recorded) *Router {
	return New(Hooks{
		Stage:    func(c protocol.StageCode) { rec.stages = append(rec.stages, c) },
		Subtitle: func(e protocol.SubtitleEntry) { rec.subtitles = append(rec.subtitles, e) },
		SendToAgent: func(data []byte) error {
			rec.replies = append(rec.replies, data)
			return nil
		},
		AgentEnabled: func() bool { return rec.enabled },
	}, nil)
}

func encode(t *testing.T, tag string, v any) []byte {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	frame, err := protocol.Encode(tag, string(body))
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	return frame
}

func TestDispatchStateFrame(t *testing.T) {
	t.Parallel()

	rec := &recorded{enabled: true}
	r := newTestRouter(rec)

	r.Dispatch(encode(t, protocol.TagState, protocol.StatePayload{Stage: protocol.Stage{Code: protocol.StageThinking}}))
	r.Dispatch(encode(t, protocol.TagState, protocol.StatePayload{Stage: protocol.Stage{Code: protocol.StageSpeaking}}))

	if len(rec.stages) != 2 || rec.stages[0] != protocol.StageThinking || rec.stages[1] != protocol.StageSpeaking {
		t.Fatalf("stages = %v", rec.stages)
	}
}

func TestDispatchSubtitleUsesFirstEntryOnly(t *testing.T) {
	t.Parallel()

	rec := &recorded{enabled: true}
	r := newTestRouter(rec)

	r.Dispatch(encode(t, protocol.TagSubtitle, protocol.SubtitlePayload{Data: []protocol.SubtitleEntry{
		{Text: "first", UserID: "voice_agent_1", Definite: true},
		{Text: "second", UserID: "voice_agent_1", Definite: true},
	}}))

	if len(rec.subtitles) != 1 || rec.subtitles[0].Text != "first" {
		t.Fatalf("subtitles = %+v", rec.subtitles)
	}
}

func TestSubtitleGatedByAgentEnabled(t *testing.T) {
	t.Parallel()

	rec := &recorded{enabled: false}
	r := newTestRouter(rec)

	r.Dispatch(encode(t, protocol.TagSubtitle, protocol.SubtitlePayload{Data: []protocol.SubtitleEntry{
		{Text: "should not apply", UserID: "voice_agent_1"},
	}}))

	if len(rec.subtitles) != 0 {
		t.Fatalf("subtitles applied while agent disabled: %+v", rec.subtitles)
	}
}

func TestSubtitleEmptyTextDropped(t *testing.T) {
	t.Parallel()

	rec := &recorded{enabled: true}
	r := newTestRouter(rec)

	r.Dispatch(encode(t, protocol.TagSubtitle, protocol.SubtitlePayload{Data: []protocol.SubtitleEntry{{Text: ""}}}))
	r.Dispatch(encode(t, protocol.TagSubtitle, protocol.SubtitlePayload{Data: nil}))

	if len(rec.subtitles) != 0 {
		t.Fatalf("subtitles = %+v", rec.subtitles)
	}
}

func TestToolCallRepliesWithCannedContent(t *testing.T) {
	t.Parallel()

	rec := &recorded{enabled: true}
	r := newTestRouter(rec)

	r.Dispatch(encode(t, protocol.TagToolCall, protocol.ToolCallPayload{ToolCalls: []protocol.ToolCall{
		{ID: "call-1", Function: protocol.ToolFunction{Name: "Get_Job-Detail"}},
	}}))

	if len(rec.replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(rec.replies))
	}

	frame, err := protocol.Decode(rec.replies[0])
	if err != nil {
		t.Fatalf("reply frame undecodable: %v", err)
	}
	if frame.Tag != protocol.TagFuncResp {
		t.Errorf("reply tag = %q, want %q", frame.Tag, protocol.TagFuncResp)
	}

	var result protocol.FuncResult
	if err := json.Unmarshal([]byte(frame.Text), &result); err != nil {
		t.Fatalf("reply body: %v", err)
	}
	if result.ToolCallID != "call-1" {
		t.Errorf("ToolCallID = %q, want call-1", result.ToolCallID)
	}
	if result.Content != cannedToolResponses["getjobdetail"] {
		t.Errorf("Content = %q", result.Content)
	}
}

func TestUnknownToolGetsDefaultReply(t *testing.T) {
	t.Parallel()

	rec := &recorded{enabled: true}
	r := newTestRouter(rec)

	r.Dispatch(encode(t, protocol.TagToolCall, protocol.ToolCallPayload{ToolCalls: []protocol.ToolCall{
		{ID: "call-9", Function: protocol.ToolFunction{Name: "mystery_tool"}},
	}}))

	if len(rec.replies) != 1 {
		t.Fatalf("got %d replies, want 1", len(rec.replies))
	}
	frame, _ := protocol.Decode(rec.replies[0])
	var result protocol.FuncResult
	if err := json.Unmarshal([]byte(frame.Text), &result); err != nil {
		t.Fatalf("reply body: %v", err)
	}
	if result.Content != defaultToolResponse {
		t.Errorf("Content = %q, want default", result.Content)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	t.Parallel()

	rec := &recorded{enabled: true}
	r := newTestRouter(rec)

	// Undecodable TLV, bad JSON in each known tag, unknown tag.
	r.Dispatch([]byte{0x01, 0x02})
	for _, tag := range []string{protocol.TagState, protocol.TagSubtitle, protocol.TagToolCall} {
		frame, err := protocol.Encode(tag, "{not json")
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		r.Dispatch(frame)
	}
	frame, _ := protocol.Encode("zzzz", "{}")
	r.Dispatch(frame)

	if len(rec.stages) != 0 || len(rec.subtitles) != 0 || len(rec.replies) != 0 {
		t.Fatalf("malformed input produced effects: %+v", rec)
	}
}

func TestNormalizeToolName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"GetJobDetail":     "getjobdetail",
		"get_job_detail":   "getjobdetail",
		"get-job.detail":   "getjobdetail",
		"END interview":    "endinterview",
		"recordInterview_": "recordinterview",
	}
	for in, want := range cases {
		if got := normalizeToolName(in); got != want {
			t.Errorf("normalizeToolName(%q) = %q, want %q", in, got, want)
		}
	}
}
