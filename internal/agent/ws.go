package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/mandry/internal/identity"
	"github.com/coder/websocket"
)

// wsFrame is an inbound WebSocket message.
type wsFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const wsTurnTimeout = 2 * time.Minute

// HandleWebSocket serves GET /ws/chat. Each text frame is one turn; the
// conversation state lives server-side so clients only send messages.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, `{"error":"origin not allowed"}`, http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(h.maxBodySize)

	if h.conns != nil {
		h.conns.Register(userID, sessionID, ws)
		defer h.conns.Unregister(userID, sessionID, ws)
	}

	ctx := r.Context()
	h.logger.Info("Chat socket connected", "user_id", userID, "session_id", sessionID)
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("Chat socket closed by client", "user_id", userID)
			} else {
				h.logger.Warn("Chat socket read error", "error", err, "user_id", userID)
			}
			return
		}
		if typ != websocket.MessageText {
			_ = writeJSON(ctx, ws, map[string]string{"error": "text frames only"})
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = writeJSON(ctx, ws, map[string]string{"error": "invalid frame"})
			continue
		}

		switch frame.Type {
		case "ping":
			_ = writeJSON(ctx, ws, map[string]string{"type": "pong"})
		case "reset":
			if err := h.agent.Reset(ctx, userID, sessionID); err != nil {
				h.logger.Warn("Failed to reset session", "user_id", userID, "session_id", sessionID, "error", err)
				_ = writeJSON(ctx, ws, map[string]string{"error": "reset failed"})
				continue
			}
			_ = writeJSON(ctx, ws, map[string]string{"type": "reset"})
		case "", "message":
			h.wsTurn(ctx, ws, userID, sessionID, frame.Message)
		default:
			_ = writeJSON(ctx, ws, map[string]string{"error": "unknown frame type"})
		}
	}
}

func (h *Handler) wsTurn(ctx context.Context, ws *websocket.Conn, userID, sessionID, message string) {
	turnCtx, cancel := context.WithTimeout(ctx, wsTurnTimeout)
	defer cancel()

	resp, err := h.agent.Chat(turnCtx, Turn{
		UserID:    userID,
		SessionID: sessionID,
		Message:   message,
		Resume:    true,
		Channel:   ChannelWebSocket,
	})
	if err != nil {
		_, msg := errorStatus(err)
		_ = writeJSON(ctx, ws, map[string]string{"error": msg})
		return
	}
	if err := writeJSON(ctx, ws, resp); err != nil {
		h.logger.Debug("Failed to write chat reply", "error", err, "user_id", userID)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	if "http://"+r.Host == origin || "https://"+r.Host == origin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
