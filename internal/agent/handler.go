package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/mandry/internal/api"
	"github.com/ashureev/mandry/internal/dialogue"
	"github.com/ashureev/mandry/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (64KiB).
const defaultMaxRequestBodySize = 64 << 10

// Handler serves the chat endpoints.
type Handler struct {
	agent          *Service
	conns          *Connections
	maxBodySize    int64
	allowedOrigins []string
	logger         *slog.Logger
}

// NewHandler creates a chat handler. allowedOrigins restricts WebSocket
// upgrades from browsers; empty means same-origin only. conns may be nil.
func NewHandler(svc *Service, conns *Connections, maxBodySize int64, allowedOrigins []string, logger *slog.Logger) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxRequestBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		agent:          svc,
		conns:          conns,
		maxBodySize:    maxBodySize,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// RegisterRoutes registers chat routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.HandleChat)
	r.Get("/ws/chat", h.HandleWebSocket)
}

// HandleChat handles POST /chat requests.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, err := decodeState(req.SessionState)
	if err != nil {
		h.logger.Info("Rejected session state", "user_id", userID, "session_id", sessionID, "error", err)
		api.Error(w, http.StatusBadRequest, "invalid session_state")
		return
	}

	h.logger.Info("Chat request",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message),
		"new_session", state == nil,
	)

	resp, err := h.agent.Chat(r.Context(), Turn{
		UserID:    userID,
		SessionID: sessionID,
		Message:   req.Message,
		State:     state,
		Channel:   ChannelHTTP,
		RequestID: chiMiddleware.GetReqID(r.Context()),
	})
	if err != nil {
		status, msg := errorStatus(err)
		api.Error(w, status, msg)
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

// errorStatus maps Service errors onto HTTP responses.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrTurnInProgress):
		return http.StatusConflict, "turn_in_progress"
	case errors.Is(err, ErrStaleSession):
		return http.StatusConflict, "stale_session_state"
	case errors.Is(err, dialogue.ErrProfileStore):
		return http.StatusServiceUnavailable, "profile store unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
