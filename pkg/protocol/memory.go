package protocol

import "time"

// ToolCallRecord remembers the most recent call of one tool within a
// session, with its result, so a later context render reflects it.
type ToolCallRecord struct {
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params,omitempty"`
	Result    any            `json:"result,omitempty"`
	Success   bool           `json:"success"`
	Timestamp time.Time      `json:"timestamp"`
}

// HandoffHop is one entry in a session's handoff history.
type HandoffHop struct {
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	Reason    string    `json:"reason,omitempty"`
	Failed    bool      `json:"failed,omitempty"`
	At        time.Time `json:"at"`
}

// SessionMemory is the cross-agent shared state for one session. It is
// persisted with a bounded TTL and merged at field level: concurrent writers
// each land the fields they set without clobbering the rest of the record.
type SessionMemory struct {
	VerifiedIdentity string                    `json:"verified_identity,omitempty"`
	OriginalIntent   string                    `json:"original_intent,omitempty"`
	LastToolCalls    map[string]ToolCallRecord `json:"last_tool_calls,omitempty"`
	HandoffHistory   []HandoffHop              `json:"handoff_history,omitempty"`
}

// MemorySnapshot is a partial SessionMemory carried across a handoff. Nil
// fields are absent from the merge; set fields win last-writer.
type MemorySnapshot struct {
	VerifiedIdentity *string                   `json:"verified_identity,omitempty"`
	OriginalIntent   *string                   `json:"original_intent,omitempty"`
	LastToolCalls    map[string]ToolCallRecord `json:"last_tool_calls,omitempty"`
	HandoffHistory   []HandoffHop              `json:"handoff_history,omitempty"`
}

// Snapshot converts a full memory record into a snapshot carrying every
// populated field.
func (m SessionMemory) Snapshot() MemorySnapshot {
	snap := MemorySnapshot{
		LastToolCalls:  m.LastToolCalls,
		HandoffHistory: m.HandoffHistory,
	}
	if m.VerifiedIdentity != "" {
		v := m.VerifiedIdentity
		snap.VerifiedIdentity = &v
	}
	if m.OriginalIntent != "" {
		v := m.OriginalIntent
		snap.OriginalIntent = &v
	}
	return snap
}
