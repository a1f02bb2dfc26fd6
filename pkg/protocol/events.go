// Package protocol defines the wire types shared between the session router,
// the agent execution cores, and the streaming session adapter: the typed
// event stream consumed from the inference service, the client-facing
// message set, handoff requests, and the error taxonomy.
package protocol

import "time"

// EventKind identifies a typed event received from the inference service.
type EventKind string

const (
	EventPartialTranscript EventKind = "partial_transcript"
	EventFinalTranscript   EventKind = "final_transcript"
	EventToolUseRequested  EventKind = "tool_use_requested"
	EventStreamEnded       EventKind = "stream_ended"
	EventStreamError       EventKind = "stream_error"
)

// StreamEvent is one inbound event from an inference stream.
type StreamEvent struct {
	Kind      EventKind      `json:"kind"`
	Text      string         `json:"text,omitempty"`
	Role      string         `json:"role,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Audio     []byte         `json:"audio,omitempty"`
	Err       string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// ToolResult answers exactly one ToolUseRequested event. Blocked results are
// synthesized by the dispatch layer when a duplicate call is suppressed; the
// inference service treats them like any other tool output.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
	Blocked bool   `json:"blocked,omitempty"`
}

// BlockedResult builds the structured "blocked, awaiting new input" answer
// for a suppressed duplicate call.
func BlockedResult(callID string) ToolResult {
	return ToolResult{
		CallID:  callID,
		Success: false,
		Blocked: true,
		Payload: map[string]any{
			"status": "blocked",
			"detail": "duplicate call suppressed; awaiting new user input",
		},
	}
}

// Outbound frame types sent to the inference service.
const (
	FrameSessionStart = "session.start"
	FrameAudioChunk   = "audio_chunk"
	FrameTextChunk    = "text_chunk"
	FrameToolResult   = "tool_result"
)

// OutboundFrame is one frame written to an inference stream.
type OutboundFrame struct {
	Type         string      `json:"type"`
	Instructions string      `json:"instructions,omitempty"`
	VoiceProfile string      `json:"voice_profile,omitempty"`
	Audio        []byte      `json:"audio,omitempty"`
	Text         string      `json:"text,omitempty"`
	ToolResult   *ToolResult `json:"tool_result,omitempty"`
}
