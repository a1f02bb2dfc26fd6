package agentcore

// State is the per-session execution core lifecycle
type State int

const (
	// StateInit is the core before any context has been rendered
	StateInit State = iota
	// StateContextLoaded means instructions are composed but no stream is open
	StateContextLoaded
	// StateStreaming means the inference stream is live with no pending calls
	StateStreaming
	// StateAwaitingToolResult means at least one tool call is outstanding.
	// Several may be outstanding at once; each resolves independently.
	StateAwaitingToolResult
	// StateHandoffRequested means a handoff was emitted and local turn
	// processing has stopped
	StateHandoffRequested
	// StateTerminated means the stream ended or the core was stopped
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateContextLoaded:
		return "context_loaded"
	case StateStreaming:
		return "streaming"
	case StateAwaitingToolResult:
		return "awaiting_tool_result"
	case StateHandoffRequested:
		return "handoff_requested"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
