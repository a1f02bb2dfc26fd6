package agentcore

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/pkg/protocol"
)

// RenderInstructions composes the system instructions for one agent
// assignment: persona, then the rendered session context, then the workflow.
// The context block must precede the workflow text, which references it; an
// instruction like "use the context above" is meaningless if the context is
// emitted afterward.
func RenderInstructions(agent *config.AgentDescriptor, mem protocol.SessionMemory) string {
	var b strings.Builder

	if agent.Persona != "" {
		b.WriteString(agent.Persona)
		b.WriteString("\n\n")
	}

	if block := renderContext(mem); block != "" {
		b.WriteString(block)
		b.WriteString("\n")
	}

	if agent.Workflow != "" {
		b.WriteString(agent.Workflow)
	}

	return strings.TrimRight(b.String(), "\n")
}

// renderContext renders the populated session memory fields as a plain text
// block, or empty if there is nothing to carry over
func renderContext(mem protocol.SessionMemory) string {
	var lines []string

	if mem.VerifiedIdentity != "" {
		lines = append(lines, fmt.Sprintf("- The caller's identity is verified: %s", mem.VerifiedIdentity))
	}
	if mem.OriginalIntent != "" {
		lines = append(lines, fmt.Sprintf("- The caller's original request: %s", mem.OriginalIntent))
	}

	if len(mem.LastToolCalls) > 0 {
		names := make([]string, 0, len(mem.LastToolCalls))
		for name := range mem.LastToolCalls {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rec := mem.LastToolCalls[name]
			outcome := "failed"
			if rec.Success {
				outcome = "succeeded"
			}
			line := fmt.Sprintf("- Recent tool call %s %s", name, outcome)
			if rec.Success && rec.Result != nil {
				line += fmt.Sprintf(" with result: %v", rec.Result)
			}
			lines = append(lines, line)
		}
	}

	if len(mem.HandoffHistory) > 0 {
		hops := make([]string, 0, len(mem.HandoffHistory))
		for _, hop := range mem.HandoffHistory {
			arrow := fmt.Sprintf("%s -> %s", hop.FromAgent, hop.ToAgent)
			if hop.Failed {
				arrow += " (failed)"
			}
			hops = append(hops, arrow)
		}
		lines = append(lines, "- Conversation path so far: "+strings.Join(hops, ", "))
	}

	if len(lines) == 0 {
		return ""
	}

	return "Session context:\n" + strings.Join(lines, "\n") + "\n"
}
