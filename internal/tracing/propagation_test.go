package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPropagateToAgent(t *testing.T) {
	parentCtx := context.Background()
	parentCtx = WithTraceID(parentCtx, "trace-123")
	parentCtx = WithAgentID(parentCtx, "triage-1")
	parentCtx = WithSessionID(parentCtx, "session-abc")

	childCtx := PropagateToAgent(parentCtx, "banking-1")

	// Trace and session IDs survive the handoff
	if GetTraceID(childCtx) != "trace-123" {
		t.Error("Trace ID not propagated")
	}
	if GetSessionID(childCtx) != "session-abc" {
		t.Error("Session ID not propagated")
	}

	// Agent ID is rebound
	if GetAgentID(childCtx) != "banking-1" {
		t.Error("Agent ID not updated")
	}
}

func TestPropagateToAgentNoTraceID(t *testing.T) {
	childCtx := PropagateToAgent(context.Background(), "banking-1")

	if GetTraceID(childCtx) == "" {
		t.Error("Trace ID not generated when missing")
	}
	if GetAgentID(childCtx) != "banking-1" {
		t.Error("Agent ID not set")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-456")
	ctx = WithSessionID(ctx, "session-def")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("test message")

	out := buf.String()
	if !strings.Contains(out, "trace-456") {
		t.Error("Logger output missing trace ID")
	}
	if !strings.Contains(out, "session-def") {
		t.Error("Logger output missing session ID")
	}
}

func TestMergeContext(t *testing.T) {
	source := context.Background()
	source = WithTraceID(source, "trace-src")
	source = WithSessionID(source, "session-src")

	target := context.Background()
	target = WithTraceID(target, "trace-tgt")

	merged := MergeContext(target, source)

	// Existing values win
	if GetTraceID(merged) != "trace-tgt" {
		t.Error("Existing trace ID overwritten")
	}

	// Missing values are filled from source
	if GetSessionID(merged) != "session-src" {
		t.Error("Session ID not merged")
	}
}

func TestCloneContext(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-789")
	ctx = WithSessionID(ctx, "session-ghi")
	ctx = WithAgentID(ctx, "verification-1")

	cloned := CloneContext(ctx)

	if GetTraceID(cloned) != "trace-789" {
		t.Error("Trace ID not cloned")
	}
	if GetSessionID(cloned) != "session-ghi" {
		t.Error("Session ID not cloned")
	}
	if GetAgentID(cloned) != "verification-1" {
		t.Error("Agent ID not cloned")
	}
}
