package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/protocol"
)

// Kind classifies a tool-use event
type Kind int

const (
	// KindDomain is a tool the owning agent is allowed to execute
	KindDomain Kind = iota
	// KindHandoff is a transfer tool that moves the session to another role
	KindHandoff
	// KindDisallowed is a tool outside the agent's allowed set
	KindDisallowed
)

func (k Kind) String() string {
	switch k {
	case KindDomain:
		return "domain"
	case KindHandoff:
		return "handoff"
	default:
		return "disallowed"
	}
}

// callSlot remembers the most recent call of one tool for dedup checks
type callSlot struct {
	fingerprint string
	timestamp   time.Time
}

// sessionState is the dispatcher's per-session bookkeeping. It lives only as
// long as the session and is dropped on release.
type sessionState struct {
	lastCalls map[string]callSlot
	attempts  map[string]int
	touched   time.Time
}

// Dispatcher classifies tool-use events, suppresses duplicate calls within a
// bounded window, and counts retry attempts for verification-style tools.
// All state is in-process and scoped per session.
type Dispatcher struct {
	window      time.Duration
	maxAttempts int

	mu       sync.RWMutex
	sessions map[string]*sessionState

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New creates a dispatcher with the given dedup window and verification
// attempt ceiling
func New(window time.Duration, maxAttempts int, logger zerolog.Logger) *Dispatcher {
	if window <= 0 {
		window = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		window:      window,
		maxAttempts: maxAttempts,
		sessions:    make(map[string]*sessionState),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With().Str("component", "dispatch").Logger(),
	}

	go d.cleanup()

	return d
}

// Stop terminates the cleanup goroutine
func (d *Dispatcher) Stop() {
	d.cancel()
}

// Classify resolves a tool-use event against the owning agent's allowed set
// plus the handoff tool namespace
func (d *Dispatcher) Classify(agent *config.AgentDescriptor, toolName string) Kind {
	if protocol.IsHandoffTool(toolName) {
		return KindHandoff
	}
	if agent != nil && agent.AllowsTool(toolName) {
		return KindDomain
	}
	return KindDisallowed
}

// CheckDuplicate reports whether this call repeats the tool's previous call
// with identical normalized params inside the dedup window. A non-duplicate
// call is recorded as the tool's new slot.
func (d *Dispatcher) CheckDuplicate(sessionID, toolName string, params map[string]any) bool {
	fp := fingerprint(params)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.state(sessionID)
	state.touched = now

	if slot, ok := state.lastCalls[toolName]; ok {
		if slot.fingerprint == fp && now.Sub(slot.timestamp) < d.window {
			observability.RecordDedupBlocked(toolName)
			d.logger.Warn().
				Str("session_id", sessionID).
				Str("tool", toolName).
				Dur("age", now.Sub(slot.timestamp)).
				Msg("duplicate tool call suppressed")
			return true
		}
	}

	state.lastCalls[toolName] = callSlot{fingerprint: fp, timestamp: now}
	return false
}

// IncrementAttempt bumps the per-session retry counter for a verification
// tool and returns the new count
func (d *Dispatcher) IncrementAttempt(sessionID, toolName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.state(sessionID)
	state.touched = time.Now()
	state.attempts[toolName]++
	return state.attempts[toolName]
}

// AttemptsExceeded reports whether the tool has exhausted its retry budget
func (d *Dispatcher) AttemptsExceeded(sessionID, toolName string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	state, ok := d.sessions[sessionID]
	if !ok {
		return false
	}
	return state.attempts[toolName] >= d.maxAttempts
}

// MaxAttempts returns the configured verification attempt ceiling
func (d *Dispatcher) MaxAttempts() int {
	return d.maxAttempts
}

// Release drops all per-session state
func (d *Dispatcher) Release(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// state returns the session's bookkeeping, creating it on first use.
// Callers must hold d.mu.
func (d *Dispatcher) state(sessionID string) *sessionState {
	s, ok := d.sessions[sessionID]
	if !ok {
		s = &sessionState{
			lastCalls: make(map[string]callSlot),
			attempts:  make(map[string]int),
		}
		d.sessions[sessionID] = s
	}
	return s
}

// cleanup periodically drops state for sessions that went quiet without a
// release, well past any dedup relevance
func (d *Dispatcher) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-30 * time.Minute)
			d.mu.Lock()
			for id, state := range d.sessions {
				if state.touched.Before(cutoff) {
					delete(d.sessions, id)
				}
			}
			d.mu.Unlock()
		}
	}
}

// fingerprint produces a stable digest of tool params. encoding/json writes
// map keys in sorted order, so identical params always hash identically
// regardless of insertion order.
func fingerprint(params map[string]any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		// Unmarshalable params cannot collide with anything real.
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
