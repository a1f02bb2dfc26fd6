package protocol

// Client message types. Inbound messages arrive over the gateway websocket;
// outbound messages are written back on the same connection.
const (
	ClientConnect     = "connect"
	ClientAudioChunk  = "audio_chunk"
	ClientTextInput   = "text_input"
	ClientSelectAgent = "select_agent"

	ServerConnected     = "connected"
	ServerTranscript    = "transcript"
	ServerAudioChunk    = "audio_chunk"
	ServerHandoffNotice = "handoff_notice"
	ServerError         = "error"
)

// ClientMessage is one inbound message from a connected client. A connect
// carrying the session ID of a recently closed session resumes with that
// session's memory, as long as the record has not expired.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Audio     []byte `json:"audio,omitempty"`
	Text      string `json:"text,omitempty"`
	Role      string `json:"role,omitempty"` // select_agent target role
}

// ServerMessage is one outbound message to a connected client.
//
// IsFinal is a pointer so that omitting it on a transcript is a marshalling
// bug we can catch in tests rather than a zero value silently rendered as a
// partial update on the client.
type ServerMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	Role      string `json:"role,omitempty"`
	Text      string `json:"text,omitempty"`
	IsFinal   *bool  `json:"isFinal,omitempty"`
	Audio     []byte `json:"audio,omitempty"`
	FromAgent string `json:"fromAgent,omitempty"`
	ToAgent   string `json:"toAgent,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TranscriptMessage builds a transcript frame with isFinal always set.
func TranscriptMessage(role, text string, isFinal bool) ServerMessage {
	return ServerMessage{
		Type:    ServerTranscript,
		Role:    role,
		Text:    text,
		IsFinal: &isFinal,
	}
}
