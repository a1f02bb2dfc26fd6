// Package adapter owns the websocket leg to the inference service: it dials
// one stream per agent assignment, translates wire frames into typed stream
// events, and serializes outbound writes.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/protocol"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
)

// Stream is one live bidirectional stream to an inference service. Events
// delivers typed inbound events until the stream ends; after Stop every send
// fails with ErrStreamClosed.
type Stream interface {
	Events() <-chan protocol.StreamEvent
	SendAudio(ctx context.Context, chunk []byte) error
	SendText(ctx context.Context, text string) error
	SendToolResult(ctx context.Context, result protocol.ToolResult) error
	Stop() error
}

// Factory opens a stream to the given agent's inference endpoint. The
// execution core depends on this instead of dialing directly so tests can
// substitute in-process streams.
type Factory func(ctx context.Context, agent *config.AgentDescriptor, instructions string) (Stream, error)

// WSStream is the production Stream over a gorilla websocket connection
type WSStream struct {
	conn   *websocket.Conn
	events chan protocol.StreamEvent
	logger zerolog.Logger

	writeMu  sync.Mutex
	stopOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// Dial opens a websocket stream to the agent's inference endpoint and sends
// the session start frame carrying the rendered instructions
func Dial(ctx context.Context, agent *config.AgentDescriptor, instructions string, logger zerolog.Logger) (*WSStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, agent.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial inference endpoint %s: %w", agent.Endpoint, err)
	}

	s := &WSStream{
		conn:   conn,
		events: make(chan protocol.StreamEvent, eventBuffer),
		logger: logger.With().
			Str("component", "adapter").
			Str("agent_id", agent.ID).
			Logger(),
	}

	start := protocol.OutboundFrame{
		Type:         protocol.FrameSessionStart,
		Instructions: instructions,
		VoiceProfile: agent.VoiceProfile,
	}
	if err := s.write(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start inference session: %w", err)
	}

	go s.readPump()

	s.logger.Info().Str("endpoint", agent.Endpoint).Msg("inference stream opened")

	return s, nil
}

// NewFactory returns the production stream factory
func NewFactory(logger zerolog.Logger) Factory {
	return func(ctx context.Context, agent *config.AgentDescriptor, instructions string) (Stream, error) {
		return Dial(ctx, agent, instructions, logger)
	}
}

// Events returns the inbound event channel. The channel closes after a
// stream_ended or stream_error event, or after Stop.
func (s *WSStream) Events() <-chan protocol.StreamEvent {
	return s.events
}

// SendAudio forwards one audio chunk upstream
func (s *WSStream) SendAudio(ctx context.Context, chunk []byte) error {
	return s.send(ctx, protocol.OutboundFrame{
		Type:  protocol.FrameAudioChunk,
		Audio: chunk,
	})
}

// SendText forwards one user text input upstream
func (s *WSStream) SendText(ctx context.Context, text string) error {
	return s.send(ctx, protocol.OutboundFrame{
		Type: protocol.FrameTextChunk,
		Text: text,
	})
}

// SendToolResult answers one tool-use request upstream
func (s *WSStream) SendToolResult(ctx context.Context, result protocol.ToolResult) error {
	return s.send(ctx, protocol.OutboundFrame{
		Type:       protocol.FrameToolResult,
		ToolResult: &result,
	})
}

// Stop closes the stream. Safe to call more than once; concurrent and later
// sends fail with ErrStreamClosed.
func (s *WSStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		s.writeMu.Unlock()

		err = s.conn.Close()
		s.logger.Info().Msg("inference stream closed")
	})
	return err
}

func (s *WSStream) send(ctx context.Context, frame protocol.OutboundFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return protocol.ErrStreamClosed
	}

	if err := s.write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Type, err)
	}
	return nil
}

func (s *WSStream) write(frame protocol.OutboundFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame)
}

// readPump translates wire frames into typed events until the connection
// ends, then closes the event channel
func (s *WSStream) readPump() {
	defer close(s.events)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if !closed {
				s.logger.Warn().Err(err).Msg("inference stream read failed")
				s.emit(protocol.StreamEvent{
					Kind: protocol.EventStreamError,
					Err:  err.Error(),
				})
			}
			return
		}

		var event protocol.StreamEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed stream frame")
			continue
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}

		observability.RecordStreamEvent(string(event.Kind))
		s.emit(event)

		if event.Kind == protocol.EventStreamEnded || event.Kind == protocol.EventStreamError {
			return
		}
	}
}

func (s *WSStream) emit(event protocol.StreamEvent) {
	select {
	case s.events <- event:
	default:
		// A stalled consumer loses the oldest pending slot rather than
		// wedging the read pump.
		select {
		case <-s.events:
		default:
		}
		s.events <- event
	}
}
