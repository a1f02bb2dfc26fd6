// Package agentcore runs one agent's turn loop for one session: it composes
// instructions from persona and session memory, consumes the typed event
// stream, intercepts tool calls through the dispatch layer, and emits handoff
// requests back to the router.
package agentcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/adapter"
	"github.com/harun/switchboard/pkg/dispatch"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/toolexec"
)

// Emitter delivers client-facing output for the session. The router owns the
// client connection and implements this.
type Emitter interface {
	EmitTranscript(role, text string, isFinal bool)
	EmitAudio(chunk []byte)
}

// MemoryStore is the slice of the session store the core needs
type MemoryStore interface {
	Load(ctx context.Context, sessionID string) (protocol.SessionMemory, error)
	Merge(ctx context.Context, sessionID string, snap protocol.MemorySnapshot) error
	RecordToolCall(ctx context.Context, sessionID string, rec protocol.ToolCallRecord) error
}

// Params wires one execution core
type Params struct {
	SessionID  string
	Agent      *config.AgentDescriptor
	EntryRole  string
	Tools      toolexec.Service
	ToolDef    func(name string) *config.ToolDefinition
	Dispatcher *dispatch.Dispatcher
	Store      MemoryStore
	Factory    adapter.Factory
	Emitter    Emitter
	OnHandoff  func(req protocol.HandoffRequest)
	Logger     zerolog.Logger
}

// Core is the per-session agent execution core. Exactly one core owns a
// session's live stream at any instant; the router guarantees that by
// stopping the old core before starting its replacement.
type Core struct {
	p      Params
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	stream    adapter.Stream
	pending   map[string]struct{}
	handedOff bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New creates an execution core in the init state
func New(p Params) *Core {
	return &Core{
		p: p,
		logger: p.Logger.With().
			Str("component", "agentcore").
			Str("session_id", p.SessionID).
			Str("agent_id", p.Agent.ID).
			Logger(),
		state:   StateInit,
		pending: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// State returns the core's current lifecycle state
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Agent returns the agent this core runs
func (c *Core) Agent() *config.AgentDescriptor {
	return c.p.Agent
}

// Done closes when the event loop has fully drained
func (c *Core) Done() <-chan struct{} {
	return c.done
}

// Start renders the session context, opens the inference stream, and begins
// consuming events. The memory record is rendered into the instructions so
// the new agent resumes with everything its predecessors learned.
func (c *Core) Start(ctx context.Context, mem protocol.SessionMemory) error {
	ctx = tracing.NewAgentTurnContext(ctx, c.p.Agent.ID)
	ctx, span := tracing.StartSpan(ctx, "switchboard.agentcore", "core.start",
		attribute.String("agent.id", c.p.Agent.ID),
		attribute.String("agent.role", c.p.Agent.Role),
	)
	defer span.End()

	instructions := RenderInstructions(c.p.Agent, mem)

	c.mu.Lock()
	if c.state != StateInit {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot start core in state %s", state)
	}
	c.state = StateContextLoaded
	c.mu.Unlock()

	stream, err := c.p.Factory(ctx, c.p.Agent, instructions)
	if err != nil {
		c.mu.Lock()
		c.state = StateTerminated
		c.mu.Unlock()
		close(c.done)
		return fmt.Errorf("failed to open inference stream: %w", err)
	}

	loopCtx, cancel := context.WithCancel(tracing.CloneContext(ctx))

	c.mu.Lock()
	c.stream = stream
	c.state = StateStreaming
	c.cancel = cancel
	c.mu.Unlock()

	go c.eventLoop(loopCtx)

	c.logger.Info().Msg("execution core started")
	return nil
}

// SendAudio forwards one client audio chunk to the live stream
func (c *Core) SendAudio(ctx context.Context, chunk []byte) error {
	stream := c.liveStream()
	if stream == nil {
		return protocol.ErrStreamClosed
	}
	return stream.SendAudio(ctx, chunk)
}

// SendText forwards one client text input to the live stream
func (c *Core) SendText(ctx context.Context, text string) error {
	stream := c.liveStream()
	if stream == nil {
		return protocol.ErrStreamClosed
	}
	return stream.SendText(ctx, text)
}

// Stop tears the core down. In-flight tool executions finish in the
// background; their stream deliveries become no-ops.
func (c *Core) Stop() {
	c.mu.Lock()
	stream := c.stream
	cancel := c.cancel
	alreadyDone := c.state == StateTerminated
	c.state = StateTerminated
	c.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if !alreadyDone {
		c.logger.Info().Msg("execution core stopped")
	}
}

func (c *Core) liveStream() adapter.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated || c.state == StateHandoffRequested || c.stream == nil {
		return nil
	}
	return c.stream
}

// eventLoop consumes the typed event stream until it closes
func (c *Core) eventLoop(ctx context.Context) {
	defer func() {
		c.wg.Wait()
		c.mu.Lock()
		if c.state != StateHandoffRequested {
			c.state = StateTerminated
		}
		c.mu.Unlock()
		close(c.done)
	}()

	stream := c.stream

	for event := range stream.Events() {
		switch event.Kind {
		case protocol.EventPartialTranscript:
			c.p.Emitter.EmitTranscript(event.Role, event.Text, false)
			if len(event.Audio) > 0 {
				c.p.Emitter.EmitAudio(event.Audio)
			}

		case protocol.EventFinalTranscript:
			c.p.Emitter.EmitTranscript(event.Role, event.Text, true)
			if len(event.Audio) > 0 {
				c.p.Emitter.EmitAudio(event.Audio)
			}

		case protocol.EventToolUseRequested:
			// A frame without a call ID still needs a correlatable result.
			if event.CallID == "" {
				event.CallID = tracing.NewCallID()
			}
			if c.beginToolCall(event.CallID) {
				c.wg.Add(1)
				go func(ev protocol.StreamEvent) {
					defer c.wg.Done()
					c.handleToolUse(ctx, ev)
				}(event)
			}

		case protocol.EventStreamEnded:
			c.logger.Debug().Msg("inference stream ended")
			return

		case protocol.EventStreamError:
			c.logger.Warn().Str("error", event.Err).Msg("inference stream error")
			return
		}
	}
}

// beginToolCall registers an outstanding call. Returns false if the core
// already handed the session off, in which case the call is ignored.
func (c *Core) beginToolCall(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHandoffRequested || c.state == StateTerminated {
		return false
	}
	c.pending[callID] = struct{}{}
	c.state = StateAwaitingToolResult
	return true
}

// endToolCall resolves one outstanding call; the core returns to streaming
// once none remain
func (c *Core) endToolCall(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, callID)
	if len(c.pending) == 0 && c.state == StateAwaitingToolResult {
		c.state = StateStreaming
	}
}

// handleToolUse resolves exactly one ToolUseRequested event with exactly one
// ToolResult, real or synthetic
func (c *Core) handleToolUse(ctx context.Context, event protocol.StreamEvent) {
	defer c.endToolCall(event.CallID)

	ctx = tracing.WithCallID(ctx, event.CallID)
	logger := tracing.LoggerFromContext(ctx, c.logger)

	switch c.p.Dispatcher.Classify(c.p.Agent, event.ToolName) {
	case dispatch.KindHandoff:
		c.requestHandoff(ctx, event)

	case dispatch.KindDomain:
		c.executeDomainTool(ctx, event, logger)

	default:
		logger.Warn().Str("tool", event.ToolName).Msg("tool outside agent's allowed set")
		c.deliverResult(ctx, protocol.ToolResult{
			CallID:  event.CallID,
			Success: false,
			Error:   fmt.Sprintf("tool %q is not available to this agent", event.ToolName),
		}, logger)
	}
}

// requestHandoff acknowledges the tool call, stops local turn processing,
// and hands the request to the router
func (c *Core) requestHandoff(ctx context.Context, event protocol.StreamEvent) {
	logger := tracing.LoggerFromContext(ctx, c.logger)

	c.mu.Lock()
	if c.handedOff {
		c.mu.Unlock()
		logger.Debug().Str("tool", event.ToolName).Msg("ignoring handoff after handoff")
		return
	}
	c.handedOff = true
	c.state = StateHandoffRequested
	c.mu.Unlock()

	// The call is acknowledged before teardown so the stream never sees an
	// unanswered tool request.
	c.deliverResult(ctx, protocol.ToolResult{
		CallID:  event.CallID,
		Success: true,
		Payload: map[string]any{"status": "transferring"},
	}, logger)

	req := protocol.HandoffRequest{
		SessionID:   c.p.SessionID,
		FromAgentID: c.p.Agent.ID,
		TargetRole:  protocol.HandoffTarget(event.ToolName),
	}
	if reason, ok := event.Params["reason"].(string); ok {
		req.Reason = reason
	}
	if intent, ok := event.Params["intent"].(string); ok {
		req.ContextSnapshot.OriginalIntent = &intent
	}

	logger.Info().
		Str("target_role", req.TargetRole).
		Str("reason", req.Reason).
		Msg("handoff requested")

	c.p.OnHandoff(req)
}

// executeDomainTool runs one domain tool through dedup, retry counting, and
// the external tool service
func (c *Core) executeDomainTool(ctx context.Context, event protocol.StreamEvent, logger zerolog.Logger) {
	if c.p.Dispatcher.CheckDuplicate(c.p.SessionID, event.ToolName, event.Params) {
		logger.Debug().Err(protocol.ErrDuplicateCall).Str("tool", event.ToolName).Msg("tool call suppressed")
		c.deliverResult(ctx, protocol.BlockedResult(event.CallID), logger)
		return
	}

	def := c.p.ToolDef(event.ToolName)
	verification := def != nil && def.Verification

	if verification {
		if c.p.Dispatcher.AttemptsExceeded(c.p.SessionID, event.ToolName) {
			// The ceiling was already hit; never execute a further attempt.
			c.deliverResult(ctx, protocol.ToolResult{
				CallID:  event.CallID,
				Success: false,
				Error:   "verification attempts exhausted",
			}, logger)
			return
		}
		c.p.Dispatcher.IncrementAttempt(c.p.SessionID, event.ToolName)
	}

	result, err := c.p.Tools.Execute(ctx, event.ToolName, event.Params)
	if err != nil {
		logger.Warn().Err(err).Str("tool", event.ToolName).Msg("tool execution failed")
		result = &toolexec.Result{Success: false, Error: err.Error()}
	}

	c.recordToolCall(ctx, event, result)

	if verification {
		if result.Success {
			c.recordVerifiedIdentity(ctx, result, logger)
		} else if c.p.Dispatcher.AttemptsExceeded(c.p.SessionID, event.ToolName) {
			c.deliverResult(ctx, protocol.ToolResult{
				CallID:  event.CallID,
				Success: false,
				Error:   "verification attempts exhausted",
			}, logger)
			c.failVerification(ctx, logger)
			return
		}
	}

	c.deliverResult(ctx, protocol.ToolResult{
		CallID:  event.CallID,
		Success: result.Success,
		Payload: result.Output,
		Error:   result.Error,
	}, logger)
}

// recordToolCall lands the call in session memory regardless of stream
// state, so a future context render reflects it
func (c *Core) recordToolCall(ctx context.Context, event protocol.StreamEvent, result *toolexec.Result) {
	rec := protocol.ToolCallRecord{
		ToolName:  event.ToolName,
		Params:    event.Params,
		Result:    result.Output,
		Success:   result.Success,
		Timestamp: time.Now(),
	}
	// Detached from the turn's cancellation: the write must land even if the
	// session was released mid-execution.
	writeCtx, cancel := context.WithTimeout(tracing.CloneContext(ctx), 5*time.Second)
	defer cancel()
	if err := c.p.Store.RecordToolCall(writeCtx, c.p.SessionID, rec); err != nil {
		c.logger.Warn().Err(err).Str("tool", event.ToolName).Msg("failed to record tool call")
	}
}

// recordVerifiedIdentity persists the identity a successful verification
// established
func (c *Core) recordVerifiedIdentity(ctx context.Context, result *toolexec.Result, logger zerolog.Logger) {
	identity := "verified"
	if out, ok := result.Output.(map[string]any); ok {
		if id, ok := out["identity"].(string); ok && id != "" {
			identity = id
		} else if id, ok := out["customer_id"].(string); ok && id != "" {
			identity = id
		}
	}

	writeCtx, cancel := context.WithTimeout(tracing.CloneContext(ctx), 5*time.Second)
	defer cancel()
	if err := c.p.Store.Merge(writeCtx, c.p.SessionID, protocol.MemorySnapshot{
		VerifiedIdentity: &identity,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to persist verified identity")
		return
	}
	logger.Info().Str("identity", identity).Msg("caller identity verified")
}

// failVerification synthesizes a failed handoff back to the entry role once
// the retry ceiling is exhausted. Terminal: the core never retries.
func (c *Core) failVerification(ctx context.Context, logger zerolog.Logger) {
	observability.RecordVerificationCeiling()

	c.mu.Lock()
	if c.handedOff {
		c.mu.Unlock()
		return
	}
	c.handedOff = true
	c.state = StateHandoffRequested
	c.mu.Unlock()

	logger.Warn().
		Str("entry_role", c.p.EntryRole).
		Msg("verification attempts exhausted, returning session to entry agent")

	c.p.OnHandoff(protocol.HandoffRequest{
		SessionID:   c.p.SessionID,
		FromAgentID: c.p.Agent.ID,
		TargetRole:  c.p.EntryRole,
		Reason:      "verification attempts exhausted",
		Failed:      true,
	})
}

// deliverResult answers the stream with one tool result. A closed stream
// makes delivery a no-op; the result already landed in memory where it
// matters.
func (c *Core) deliverResult(ctx context.Context, result protocol.ToolResult, logger zerolog.Logger) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return
	}

	if err := stream.SendToolResult(ctx, result); err != nil {
		if errors.Is(err, protocol.ErrStreamClosed) || ctx.Err() != nil {
			logger.Debug().Str("call_id", result.CallID).Msg("stream closed before tool result delivery")
			return
		}
		logger.Warn().Err(err).Str("call_id", result.CallID).Msg("failed to deliver tool result")
	}
}
