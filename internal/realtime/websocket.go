package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/blooom-app/blooom/internal/identity"
	"github.com/coder/websocket"
)

const readLimit = 64 << 10

// WebSocketConfig configures the WebSocket endpoint.
type WebSocketConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
	// RequireAuth rejects upgrades that carry no verified identity.
	RequireAuth  bool
	SendBuffer   int
	PingInterval time.Duration
}

// WebSocketHandler upgrades requests to realtime chat connections.
type WebSocketHandler struct {
	hub *Hub
	cfg WebSocketConfig
	log *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, cfg WebSocketConfig) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, cfg: cfg, log: hub.base.With("component", "websocket")}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	verified := identity.UserIDFromContext(r.Context())
	h.log.Info("WebSocket connection request", "verified_user_id", verified, "ip", identity.IPFromRequest(r))

	if h.cfg.RequireAuth && !verified.Valid() {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error("Failed to accept WebSocket", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := newWSConn(ws, h.cfg.SendBuffer, cancel)
	session := NewSession(h.hub, conn, verified)
	log := h.log.With("conn_id", conn.ID())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writeLoop(ctx, h.cfg.PingInterval)
	}()

	h.readLoop(ctx, ws, conn, session, log)

	// Transport close counts as a disconnect.
	session.Dispatch(ctx, Disconnect{})
	conn.close()
	<-writerDone

	if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
		log.Debug("Failed to close websocket", "error", closeErr)
	}
	log.Info("WebSocket session ended", "user_id", session.UserID())
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, conn *wsConn, session *Session, log *slog.Logger) {
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				log.Debug("WebSocket closed by client", "user_id", session.UserID())
			case errors.Is(err, context.Canceled):
				log.Debug("WebSocket context canceled", "user_id", session.UserID())
			default:
				log.Warn("WebSocket read error", "error", err, "user_id", session.UserID())
			}
			return
		}

		ev, err := DecodeInbound(raw)
		if err != nil {
			log.Debug("Malformed inbound event", "error", err, "state", session.State())
			if session.State() == StateAuthenticated {
				if sendErr := conn.Send(ErrorEvent{Message: "malformed event"}); sendErr != nil {
					log.Debug("Failed to queue error event", "error", sendErr)
				}
			}
			continue
		}

		session.Dispatch(ctx, ev)
		if session.State() == StateClosed {
			return
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDevelopment {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.cfg.AllowedOrigins, "*") || slices.Contains(h.cfg.AllowedOrigins, origin) {
		return true
	}
	h.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigins)
	return false
}
