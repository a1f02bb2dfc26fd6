package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/pkg/protocol"
)

var upgrader = websocket.Upgrader{}

// fakeInference is an in-test inference endpoint. It records received frames
// and pushes scripted events back down the stream.
type fakeInference struct {
	server *httptest.Server
	frames chan protocol.OutboundFrame
	conns  chan *websocket.Conn
}

func newFakeInference(t *testing.T) *fakeInference {
	t.Helper()

	f := &fakeInference{
		frames: make(chan protocol.OutboundFrame, 16),
		conns:  make(chan *websocket.Conn, 1),
	}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.conns <- conn

		for {
			var frame protocol.OutboundFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			f.frames <- frame
		}
	}))
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeInference) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeInference) nextFrame(t *testing.T) protocol.OutboundFrame {
	t.Helper()
	select {
	case frame := <-f.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.OutboundFrame{}
	}
}

func (f *fakeInference) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func nextEvent(t *testing.T, stream Stream) protocol.StreamEvent {
	t.Helper()
	select {
	case event, ok := <-stream.Events():
		require.True(t, ok, "event channel closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return protocol.StreamEvent{}
	}
}

func testAgent(endpoint string) *config.AgentDescriptor {
	return &config.AgentDescriptor{
		ID:           "triage-1",
		Role:         "triage",
		Endpoint:     endpoint,
		VoiceProfile: "calm",
	}
}

func TestDialSendsSessionStart(t *testing.T) {
	fake := newFakeInference(t)

	stream, err := Dial(context.Background(), testAgent(fake.wsURL()), "You are the triage agent.", zerolog.Nop())
	require.NoError(t, err)
	defer stream.Stop()

	frame := fake.nextFrame(t)
	assert.Equal(t, protocol.FrameSessionStart, frame.Type)
	assert.Equal(t, "You are the triage agent.", frame.Instructions)
	assert.Equal(t, "calm", frame.VoiceProfile)
}

func TestSendFrames(t *testing.T) {
	fake := newFakeInference(t)

	stream, err := Dial(context.Background(), testAgent(fake.wsURL()), "instructions", zerolog.Nop())
	require.NoError(t, err)
	defer stream.Stop()

	fake.nextFrame(t) // session.start

	ctx := context.Background()

	require.NoError(t, stream.SendAudio(ctx, []byte{0x01, 0x02}))
	frame := fake.nextFrame(t)
	assert.Equal(t, protocol.FrameAudioChunk, frame.Type)
	assert.Equal(t, []byte{0x01, 0x02}, frame.Audio)

	require.NoError(t, stream.SendText(ctx, "check my balance"))
	frame = fake.nextFrame(t)
	assert.Equal(t, protocol.FrameTextChunk, frame.Type)
	assert.Equal(t, "check my balance", frame.Text)

	require.NoError(t, stream.SendToolResult(ctx, protocol.ToolResult{CallID: "call-1", Success: true}))
	frame = fake.nextFrame(t)
	assert.Equal(t, protocol.FrameToolResult, frame.Type)
	require.NotNil(t, frame.ToolResult)
	assert.Equal(t, "call-1", frame.ToolResult.CallID)
	assert.True(t, frame.ToolResult.Success)
}

func TestReceiveEvents(t *testing.T) {
	fake := newFakeInference(t)

	stream, err := Dial(context.Background(), testAgent(fake.wsURL()), "instructions", zerolog.Nop())
	require.NoError(t, err)
	defer stream.Stop()

	conn := fake.conn(t)

	require.NoError(t, conn.WriteJSON(protocol.StreamEvent{
		Kind: protocol.EventPartialTranscript,
		Text: "Your balance is",
		Role: "assistant",
	}))
	event := nextEvent(t, stream)
	assert.Equal(t, protocol.EventPartialTranscript, event.Kind)
	assert.Equal(t, "Your balance is", event.Text)

	require.NoError(t, conn.WriteJSON(protocol.StreamEvent{
		Kind:     protocol.EventToolUseRequested,
		CallID:   "call-1",
		ToolName: "get_balance",
		Params:   map[string]any{"account_id": "acct-7"},
	}))
	event = nextEvent(t, stream)
	assert.Equal(t, protocol.EventToolUseRequested, event.Kind)
	assert.Equal(t, "call-1", event.CallID)
	assert.Equal(t, "get_balance", event.ToolName)
}

func TestStreamEndedClosesChannel(t *testing.T) {
	fake := newFakeInference(t)

	stream, err := Dial(context.Background(), testAgent(fake.wsURL()), "instructions", zerolog.Nop())
	require.NoError(t, err)
	defer stream.Stop()

	conn := fake.conn(t)
	require.NoError(t, conn.WriteJSON(protocol.StreamEvent{Kind: protocol.EventStreamEnded}))

	event := nextEvent(t, stream)
	assert.Equal(t, protocol.EventStreamEnded, event.Kind)

	select {
	case _, ok := <-stream.Events():
		assert.False(t, ok, "channel should be closed after stream_ended")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after stream_ended")
	}
}

func TestSendAfterStop(t *testing.T) {
	fake := newFakeInference(t)

	stream, err := Dial(context.Background(), testAgent(fake.wsURL()), "instructions", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, stream.Stop())

	ctx := context.Background()
	assert.ErrorIs(t, stream.SendText(ctx, "hello"), protocol.ErrStreamClosed)
	assert.ErrorIs(t, stream.SendAudio(ctx, []byte{0x01}), protocol.ErrStreamClosed)
	assert.ErrorIs(t, stream.SendToolResult(ctx, protocol.ToolResult{CallID: "c"}), protocol.ErrStreamClosed)
}

func TestStopIsIdempotent(t *testing.T) {
	fake := newFakeInference(t)

	stream, err := Dial(context.Background(), testAgent(fake.wsURL()), "instructions", zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, stream.Stop())
	require.NoError(t, stream.Stop())
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), testAgent("ws://127.0.0.1:1/stream"), "instructions", zerolog.Nop())
	require.Error(t, err)
}
