// Package router owns session lifecycle: it bridges gateway connections to
// agent execution cores, arbitrates handoffs under a per-session ceiling,
// and reaps idle sessions in the background.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/adapter"
	"github.com/harun/switchboard/pkg/agentcore"
	"github.com/harun/switchboard/pkg/dispatch"
	"github.com/harun/switchboard/pkg/memorystore"
	"github.com/harun/switchboard/pkg/protocol"
	"github.com/harun/switchboard/pkg/toolexec"
)

// Router assigns sessions to agents and arbitrates every reassignment
type Router struct {
	cfg        *config.Config
	registry   *config.Registry
	store      *memorystore.Store
	tools      toolexec.Service
	dispatcher *dispatch.Dispatcher
	factory    adapter.Factory
	logger     zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a router
func New(cfg *config.Config, registry *config.Registry, store *memorystore.Store,
	tools toolexec.Service, dispatcher *dispatch.Dispatcher, factory adapter.Factory,
	logger zerolog.Logger) *Router {
	return &Router{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		tools:      tools,
		dispatcher: dispatcher,
		factory:    factory,
		logger:     logger.With().Str("component", "router").Logger(),
		sessions:   make(map[string]*Session),
	}
}

// Accept creates a session for a new client connection and assigns the
// entry-role agent. A connect message carrying a previous session ID resumes
// with that session's memory if it has not expired yet.
func (r *Router) Accept(ctx context.Context, conn ClientConn, msg protocol.ClientMessage) (*Session, error) {
	entry, ok := r.registry.ResolveHealthy(r.cfg.EntryRole)
	if !ok {
		return nil, &protocol.RoutingError{
			Reason: fmt.Sprintf("no healthy agent for entry role %q", r.cfg.EntryRole),
		}
	}

	sessionID := msg.SessionID
	reconnect := sessionID != ""
	if sessionID == "" {
		var err error
		sessionID, err = gonanoid.New()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session id: %w", err)
		}
	}

	ctx = tracing.NewSessionContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "switchboard.router", "session.accept",
		attribute.String("session.id", sessionID),
		attribute.Bool("session.reconnect", reconnect),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)

	// A reconnect naming a session that is still live supersedes it. The old
	// core stops and its connection closes before the new core takes the
	// stream; only the superseding session owns it from here on.
	if reconnect && r.Session(sessionID) != nil {
		logger.Info().Msg("superseding live session on reconnect")
		r.Release(sessionID, "superseded")
	}

	mem, err := r.store.Load(ctx, sessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load session memory, starting cold")
		mem = protocol.SessionMemory{}
	}

	session := newSession(sessionID, conn, r.logger)
	core := r.newCore(session, &entry)
	session.mu.Lock()
	session.core = core
	session.mu.Unlock()

	// The session must be routable before the stream opens: a handoff the
	// agent raises during startup has to find it. The insert also arbitrates
	// racing connects for the same ID; the loser is rejected rather than
	// silently orphaning the winner.
	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		return nil, &protocol.RoutingError{
			Reason: fmt.Sprintf("session %s is already connected", sessionID),
		}
	}
	r.sessions[sessionID] = session
	count := len(r.sessions)
	r.mu.Unlock()
	observability.SetActiveSessions(count)

	ctx = tracing.PropagateToAgent(ctx, entry.ID)
	if err := core.Start(ctx, mem); err != nil {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		count = len(r.sessions)
		r.mu.Unlock()
		observability.SetActiveSessions(count)
		return nil, fmt.Errorf("failed to start entry agent: %w", err)
	}

	session.notify(protocol.ServerMessage{
		Type:      protocol.ServerConnected,
		SessionID: sessionID,
		AgentID:   entry.ID,
	})

	logger.Info().
		Str("agent_id", entry.ID).
		Bool("reconnect", reconnect).
		Msg("session accepted")

	return session, nil
}

// HandleHandoff reassigns a session to a healthy agent of the target role.
// It runs as one transaction per session: the ceiling check, the memory
// merge, and the core swap happen under the session lock. The router never
// retries a failed handoff; enforcing the ceiling is its only automatic
// behavior.
func (r *Router) HandleHandoff(ctx context.Context, req protocol.HandoffRequest) error {
	session := r.Session(req.SessionID)
	if session == nil {
		return fmt.Errorf("handoff for unknown session %s", req.SessionID)
	}

	ctx = tracing.WithSessionID(ctx, req.SessionID)
	ctx, span := tracing.StartSpan(ctx, "switchboard.router", "session.handoff",
		attribute.String("session.id", req.SessionID),
		attribute.String("handoff.target_role", req.TargetRole),
		attribute.Bool("handoff.failed", req.Failed),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.released {
		return fmt.Errorf("handoff for released session %s", req.SessionID)
	}
	if session.core == nil || session.core.Agent().ID != req.FromAgentID {
		observability.RecordHandoffDenied("stale_owner")
		return fmt.Errorf("handoff from %s but session %s is not owned by it",
			req.FromAgentID, req.SessionID)
	}

	fromAgent := session.core.Agent()

	if session.handoffCount >= r.cfg.Policies.MaxHandoffs {
		observability.RecordHandoffDenied("circuit_open")
		session.say("I'm sorry, I can't transfer you again on this call. Let me help you with what I can, or please call back to continue.")
		logger.Warn().
			Int("handoff_count", session.handoffCount).
			Msg("handoff ceiling reached")
		return &protocol.CircuitOpenError{
			SessionID:    req.SessionID,
			HandoffCount: session.handoffCount,
			MaxHandoffs:  r.cfg.Policies.MaxHandoffs,
		}
	}

	target, ok := r.registry.ResolveHealthy(req.TargetRole)
	if !ok {
		observability.RecordHandoffDenied("no_healthy_agent")
		session.say("I'm sorry, that team isn't available right now. Please try again in a moment.")
		logger.Warn().Str("target_role", req.TargetRole).Msg("no healthy agent for handoff target")
		return &protocol.NoHealthyAgentError{Role: req.TargetRole}
	}

	session.handoffCount++

	// Field-level merge: the snapshot lands only the fields it carries, so a
	// tool result written mid-handoff survives.
	if err := r.store.Merge(ctx, req.SessionID, req.ContextSnapshot); err != nil {
		logger.Warn().Err(err).Msg("failed to merge handoff context")
	}
	if err := r.store.AppendHop(ctx, req.SessionID, protocol.HandoffHop{
		FromAgent: req.FromAgentID,
		ToAgent:   target.ID,
		Reason:    req.Reason,
		Failed:    req.Failed,
		At:        time.Now(),
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to append handoff hop")
	}

	// The old core stops before its replacement starts: exactly one core
	// owns the stream at any instant.
	session.core.Stop()

	mem, err := r.store.Load(ctx, req.SessionID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load memory for handoff, starting cold")
		mem = protocol.SessionMemory{}
	}

	ctx = tracing.PropagateToAgent(ctx, target.ID)
	replacement := r.newCore(session, &target)
	if err := replacement.Start(ctx, mem); err != nil {
		session.core = nil
		r.registry.SetHealthy(target.ID, false)
		observability.RecordHandoff(fromAgent.Role, target.Role, time.Since(start), false)
		session.say("I'm sorry, something went wrong transferring you. Please try again in a moment.")
		return fmt.Errorf("failed to start %s for handoff: %w", target.ID, err)
	}
	session.core = replacement
	session.Touch()

	session.notify(protocol.ServerMessage{
		Type:      protocol.ServerHandoffNotice,
		FromAgent: req.FromAgentID,
		ToAgent:   target.ID,
	})

	observability.RecordHandoff(fromAgent.Role, target.Role, time.Since(start), true)
	observability.RecordHandoffAudit(ctx, req.SessionID, req.FromAgentID, target.ID, handoffStatus(req.Failed))

	logger.Info().
		Str("from_agent", req.FromAgentID).
		Str("to_agent", target.ID).
		Int("handoff_count", session.handoffCount).
		Bool("failed_flag", req.Failed).
		Msg("session reassigned")

	return nil
}

func handoffStatus(failed bool) string {
	if failed {
		return "failure"
	}
	return "success"
}

// SelectAgent handles a user-initiated transfer request. It runs through
// the same arbitration as an agent-initiated handoff and counts against the
// same ceiling.
func (r *Router) SelectAgent(ctx context.Context, sessionID, role string) error {
	session := r.Session(sessionID)
	if session == nil {
		return fmt.Errorf("select_agent for unknown session %s", sessionID)
	}
	core := session.Core()
	if core == nil {
		return fmt.Errorf("session %s has no active agent", sessionID)
	}
	return r.HandleHandoff(ctx, protocol.HandoffRequest{
		SessionID:   sessionID,
		FromAgentID: core.Agent().ID,
		TargetRole:  role,
		Reason:      "requested by user",
	})
}

// Release tears down a session's routing state. Session memory is left to
// expire via TTL so a brief reconnect resumes with context.
func (r *Router) Release(sessionID, outcome string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	count := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	session.mu.Lock()
	session.released = true
	core := session.core
	session.core = nil
	session.mu.Unlock()

	if core != nil {
		core.Stop()
	}
	r.dispatcher.Release(sessionID)
	session.conn.Close()

	observability.SetActiveSessions(count)
	observability.RecordSessionEnd(outcome)

	r.logger.Info().
		Str("session_id", sessionID).
		Str("outcome", outcome).
		Msg("session released")
}

// Session looks up an active session
func (r *Router) Session(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// ActiveSessions returns the number of live sessions
func (r *Router) ActiveSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepIdle releases every session quiet past the idle window. Runs off the
// request path on the background schedule.
func (r *Router) SweepIdle() {
	window := r.cfg.Policies.IdleWindow()

	r.mu.RLock()
	var idle []string
	for id, session := range r.sessions {
		if session.IdleFor() > window {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.logger.Info().Str("session_id", id).Msg("reaping idle session")
		r.Release(id, "idle")
		observability.RecordReapedSession()
	}
}

// Shutdown releases every active session
func (r *Router) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Release(id, "shutdown")
	}
}

// newCore builds an execution core bound to this session
func (r *Router) newCore(session *Session, agent *config.AgentDescriptor) *agentcore.Core {
	return agentcore.New(agentcore.Params{
		SessionID:  session.ID,
		Agent:      agent,
		EntryRole:  r.cfg.EntryRole,
		Tools:      r.tools,
		ToolDef:    r.cfg.ToolByName,
		Dispatcher: r.dispatcher,
		Store:      r.store,
		Factory:    r.factory,
		Emitter:    session,
		OnHandoff: func(req protocol.HandoffRequest) {
			go func() {
				if err := r.HandleHandoff(context.Background(), req); err != nil {
					var circuit *protocol.CircuitOpenError
					var unhealthy *protocol.NoHealthyAgentError
					if !errors.As(err, &circuit) && !errors.As(err, &unhealthy) {
						r.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("handoff failed")
					}
				}
			}()
		},
		Logger: r.logger,
	})
}
