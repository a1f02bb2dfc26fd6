package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/switchboard/pkg/agentcore"
	"github.com/harun/switchboard/pkg/protocol"
)

// ClientConn is the session's transport back to the user. The production
// implementation wraps the gateway websocket; tests substitute recorders.
type ClientConn interface {
	WriteMessage(msg protocol.ServerMessage) error
	Close() error
}

// Session is one live client conversation. The mutex makes every routing
// mutation (assignment, handoff, release) a single transaction, so two
// in-flight handoff requests for the same session cannot race.
type Session struct {
	ID     string
	conn   ClientConn
	logger zerolog.Logger

	mu           sync.Mutex
	core         *agentcore.Core
	handoffCount int
	released     bool

	// activity is tracked outside the routing lock so emitters never
	// contend with an in-flight handoff transaction
	lastActivity atomic.Int64
}

func newSession(id string, conn ClientConn, logger zerolog.Logger) *Session {
	s := &Session{
		ID:     id,
		conn:   conn,
		logger: logger.With().Str("session_id", id).Logger(),
	}
	s.Touch()
	return s
}

// Core returns the execution core currently owning the session's stream
func (s *Session) Core() *agentcore.Core {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core
}

// HandoffCount returns how many handoffs the session has used
func (s *Session) HandoffCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handoffCount
}

// Touch marks client or agent activity, deferring the idle sweep
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IdleFor reports how long the session has been quiet
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// EmitTranscript implements agentcore.Emitter. isFinal is always present on
// the wire frame.
func (s *Session) EmitTranscript(role, text string, isFinal bool) {
	s.Touch()
	if err := s.conn.WriteMessage(protocol.TranscriptMessage(role, text, isFinal)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to deliver transcript")
	}
}

// EmitAudio implements agentcore.Emitter
func (s *Session) EmitAudio(chunk []byte) {
	s.Touch()
	if err := s.conn.WriteMessage(protocol.ServerMessage{
		Type:  protocol.ServerAudioChunk,
		Audio: chunk,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to deliver audio")
	}
}

// notify writes one non-transcript server message
func (s *Session) notify(msg protocol.ServerMessage) {
	if err := s.conn.WriteMessage(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", msg.Type).Msg("failed to deliver message")
	}
}

// say delivers a router-originated conversational message. Anything that
// blocks forward progress reaches the user this way, never as a silent hang.
func (s *Session) say(text string) {
	s.EmitTranscript("assistant", text, true)
}
