package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/mandry/internal/dialogue"
	"github.com/ashureev/mandry/internal/domain"
	"github.com/ashureev/mandry/internal/identity"
	"github.com/ashureev/mandry/internal/policy"
	"github.com/go-chi/chi/v5"
)

// ProfileRepository is the subset of the store the profile endpoints need.
type ProfileRepository interface {
	LoadProfile(ctx context.Context, userID string) (*domain.Profile, error)
	ClearProfile(ctx context.Context, userID string) error
	DeleteUserSessions(ctx context.Context, userID string) (int64, error)
}

// SocketCloser terminates a user's open chat sockets.
type SocketCloser interface {
	CloseUser(userID string) int
}

// ProfileResponse is the body of GET /profile.
type ProfileResponse struct {
	Profile           *domain.Profile `json:"profile"`
	Completeness      int             `json:"completeness"`
	ContextSufficient bool            `json:"context_sufficient"`
	MissingContext    []string        `json:"missing_context"`
}

// ProfileHandler serves GET and DELETE /profile.
type ProfileHandler struct {
	repo     ProfileRepository
	policies *policy.Store
	sockets  SocketCloser
}

// NewProfileHandler creates a profile handler. sockets may be nil.
func NewProfileHandler(repo ProfileRepository, policies *policy.Store, sockets SocketCloser) *ProfileHandler {
	return &ProfileHandler{repo: repo, policies: policies, sockets: sockets}
}

// RegisterRoutes registers profile routes (requires identity middleware).
func (h *ProfileHandler) RegisterRoutes(r chi.Router) {
	r.Get("/profile", h.GetProfile)
	r.Delete("/profile", h.DeleteProfile)
}

// GetProfile returns the caller's profile with a fresh sufficiency check.
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	profile, err := h.repo.LoadProfile(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load profile", "user_id", userID, "error", err)
		Error(w, http.StatusServiceUnavailable, "profile store unavailable")
		return
	}
	if profile == nil {
		profile = domain.NewProfile(userID, time.Now().UTC())
	}

	assessment := dialogue.Assess(h.policies.Current(), profile, 0)
	missing := assessment.Missing
	if missing == nil {
		missing = []string{}
	}
	JSON(w, http.StatusOK, ProfileResponse{
		Profile:           profile,
		Completeness:      profile.Completeness(),
		ContextSufficient: profile.ContextSufficient,
		MissingContext:    missing,
	})
}

// DeleteProfile erases the caller's profile and every stored conversation.
func (h *ProfileHandler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.repo.ClearProfile(r.Context(), userID); err != nil {
		slog.Error("Failed to clear profile", "user_id", userID, "error", err)
		Error(w, http.StatusServiceUnavailable, "profile store unavailable")
		return
	}
	removed, err := h.repo.DeleteUserSessions(r.Context(), userID)
	if err != nil {
		// The profile is already gone; stale sessions expire via the TTL worker.
		slog.Warn("Failed to delete user sessions", "user_id", userID, "error", err)
	}
	closed := 0
	if h.sockets != nil {
		closed = h.sockets.CloseUser(userID)
	}

	slog.Info("Profile cleared", "user_id", userID, "sessions_removed", removed, "sockets_closed", closed)
	JSON(w, http.StatusOK, map[string]any{
		"status":           "cleared",
		"sessions_removed": removed,
	})
}
