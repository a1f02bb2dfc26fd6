package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/protocol"
)

const clientWriteTimeout = 10 * time.Second

// Gateway is the client-facing websocket server
type Gateway struct {
	cfg      config.GatewayConfig
	router   *Router
	server   *http.Server
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewGateway creates the gateway server
func NewGateway(cfg config.GatewayConfig, router *Router, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "gateway").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/healthz", g.handleHealthz)
	mux.Handle("/metrics", observability.MetricsHandler())

	g.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}

	return g
}

// Start serves until Shutdown
func (g *Gateway) Start() error {
	g.logger.Info().Str("addr", g.server.Addr).Msg("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

// Shutdown drains the http server and releases every active session
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.router.Shutdown()
	return g.server.Shutdown(ctx)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_sessions": g.router.ActiveSessions(),
	})
}

// handleWS bridges one websocket client to the router for the lifetime of
// the connection
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClientConn{conn: conn}

	var connect protocol.ClientMessage
	if err := conn.ReadJSON(&connect); err != nil || connect.Type != protocol.ClientConnect {
		client.WriteMessage(protocol.ServerMessage{
			Type:    protocol.ServerError,
			Code:    "bad_connect",
			Message: "first message must be connect",
		})
		client.Close()
		return
	}

	session, err := g.router.Accept(r.Context(), client, connect)
	if err != nil {
		g.logger.Warn().Err(err).Msg("connection rejected")
		client.WriteMessage(protocol.ServerMessage{
			Type:    protocol.ServerError,
			Code:    errorCode(err),
			Message: err.Error(),
		})
		client.Close()
		return
	}

	g.readLoop(session)
}

// readLoop forwards client input to the session's current core until the
// connection drops
func (g *Gateway) readLoop(session *Session) {
	defer g.router.Release(session.ID, "disconnect")

	for {
		var msg protocol.ClientMessage
		if err := session.conn.(*wsClientConn).conn.ReadJSON(&msg); err != nil {
			g.logger.Debug().
				Err(err).
				Str("session_id", session.ID).
				Msg("client connection closed")
			return
		}

		session.Touch()
		ctx := context.Background()

		switch msg.Type {
		case protocol.ClientAudioChunk:
			if core := session.Core(); core != nil {
				if err := core.SendAudio(ctx, msg.Audio); err != nil {
					g.logger.Debug().Err(err).Str("session_id", session.ID).Msg("audio forward failed")
				}
			}

		case protocol.ClientTextInput:
			if core := session.Core(); core != nil {
				if err := core.SendText(ctx, msg.Text); err != nil {
					g.logger.Debug().Err(err).Str("session_id", session.ID).Msg("text forward failed")
				}
			}

		case protocol.ClientSelectAgent:
			if err := g.router.SelectAgent(ctx, session.ID, msg.Role); err != nil {
				g.logger.Debug().Err(err).Str("session_id", session.ID).Msg("select_agent rejected")
			}

		default:
			session.notify(protocol.ServerMessage{
				Type:    protocol.ServerError,
				Code:    "bad_message",
				Message: fmt.Sprintf("unknown message type %q", msg.Type),
			})
		}
	}
}

func errorCode(err error) string {
	var routing *protocol.RoutingError
	if errors.As(err, &routing) {
		return "routing_error"
	}
	return "internal_error"
}

// wsClientConn wraps the gateway websocket with serialized writes
type wsClientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClientConn) WriteMessage(msg protocol.ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *wsClientConn) Close() error {
	return c.conn.Close()
}
