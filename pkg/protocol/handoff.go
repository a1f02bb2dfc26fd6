package protocol

import "strings"

// HandoffToolPrefix is the fixed namespace for handoff-classified tools.
// A tool named "transfer_to_banking" requests reassignment to the banking
// role; everything outside this namespace is a domain tool.
const HandoffToolPrefix = "transfer_to_"

// HandoffRequest asks the router to reassign a session to another agent
// role. Produced once by an agent execution core, consumed once by the
// router, then discarded.
type HandoffRequest struct {
	SessionID       string         `json:"session_id"`
	FromAgentID     string         `json:"from_agent_id"`
	TargetRole      string         `json:"target_role"`
	Reason          string         `json:"reason,omitempty"`
	Failed          bool           `json:"failed,omitempty"`
	ContextSnapshot MemorySnapshot `json:"context_snapshot,omitempty"`
}

// IsHandoffTool reports whether a tool name falls into the handoff namespace.
func IsHandoffTool(name string) bool {
	return strings.HasPrefix(name, HandoffToolPrefix)
}

// HandoffTarget extracts the target role from a handoff tool name.
func HandoffTarget(name string) string {
	return strings.TrimPrefix(name, HandoffToolPrefix)
}
