package protocol

import (
	"errors"
	"fmt"
)

// Control-signal sentinels. ErrDuplicateCall never reaches a user; it tells
// the execution core to answer the stream with a blocked result.
var (
	ErrDuplicateCall = errors.New("duplicate tool call suppressed")
	ErrStreamClosed  = errors.New("stream is closed")
)

// RoutingError means no healthy entry agent exists; fatal to the connection
// attempt.
type RoutingError struct {
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing failed: %s", e.Reason)
}

// NoHealthyAgentError means a handoff target role has no healthy agent.
// Recoverable: the session stays on its current agent and the user is asked
// to try again.
type NoHealthyAgentError struct {
	Role string
}

func (e *NoHealthyAgentError) Error() string {
	return fmt.Sprintf("no healthy agent for role %q", e.Role)
}

// CircuitOpenError means the per-session handoff ceiling was reached.
// Terminal for the conversation thread: the current agent must conclude
// gracefully rather than retry.
type CircuitOpenError struct {
	SessionID    string
	HandoffCount int
	MaxHandoffs  int
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("handoff circuit open for session %s: %d/%d handoffs used",
		e.SessionID, e.HandoffCount, e.MaxHandoffs)
}

// ToolExecutionError is surfaced to the stream as ToolResult{Success:false};
// the stream continues.
type ToolExecutionError struct {
	ToolName string
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}
